// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/mlnoga/planesweep/internal/logging"
	"github.com/mlnoga/planesweep/internal/ops"
	"github.com/mlnoga/planesweep/internal/refine"
	"github.com/mlnoga/planesweep/internal/rest"
	"github.com/mlnoga/planesweep/internal/scene"
	"github.com/mlnoga/planesweep/internal/sweep"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
)

const version = "0.1.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "depth.png", "save depth map to `file`; .png/.jpg 8-bit, .tif 16-bit, .ply point cloud")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")
var raw = flag.String("raw", "", "save raw plane sweep depth with given filename pattern, e.g. `raw%d.tif`")
var color = flag.String("color", "", "save false color depth preview with given filename pattern, e.g. `color%d.png`")
var ply = flag.String("ply", "", "save backprojected point cloud with given filename pattern, e.g. `points%d.ply`")
var config = flag.String("config", "", "run the operator sequence from JSON `file` instead of the flags below")

var scale = flag.Float64("scale", 1, "scale input images by this factor on load, 1=no scaling")
var threads = flag.Int("threads", runtime.GOMAXPROCS(0), "kernel threads per scene")
var maxThreads = flag.Int("maxThreads", 1, "scenes processed concurrently")
var scratch = flag.Int("scratch", int((totalMiBs*7)/10), "MiB of scratch memory per scene, default=0.7x physical memory")

var winsize = flag.Int("winsize", sweep.DefaultConfig().WinSize, "odd NCC window size in pixels")
var numberplanes = flag.Int("numberplanes", sweep.DefaultConfig().NumberPlanes, "number of depth hypotheses")
var znear = flag.Float64("znear", float64(sweep.DefaultConfig().ZNear), "nearest depth")
var zfar = flag.Float64("zfar", float64(sweep.DefaultConfig().ZFar), "farthest depth")
var numberimages = flag.Int("numberimages", sweep.DefaultConfig().NumberImages, "maximum number of source views")
var nccthresh = flag.Float64("nccthresh", float64(sweep.DefaultConfig().NCCThresh), "minimum NCC for a source view to vote")
var stdthresh = flag.Float64("stdthresh", float64(sweep.DefaultConfig().StdThresh), "minimum windowed intensity standard deviation")

var beta = flag.Float64("beta", float64(refine.DefaultTensorParams().Beta), "edge sensitivity of the anisotropic tensor, 0=isotropic")
var gamma = flag.Float64("gamma", float64(refine.DefaultTensorParams().Gamma), "minimum smoothing weight across edges, 1=isotropic")

var niter = flag.Int("niter", -1, "refinement iterations, -1=default of the refiner")
var lambda = flag.Float64("lambda", -1, "data term weight, -1=default of the refiner")
var tau = flag.Float64("tau", -1, "primal step size, -1=default of the refiner")
var sigma = flag.Float64("sigma", -1, "dual step size, -1=default of the refiner")
var theta = flag.Float64("theta", -1, "over-relaxation, -1=default of the refiner")
var alpha0 = flag.Float64("alpha0", -1, "TGV second order weight, -1=default")
var alpha1 = flag.Float64("alpha1", -1, "TGV first order weight, -1=default")
var warps = flag.Int("warps", refine.DefaultTGVParams().Warps, "TGV re-linearizations")
var confidence = flag.Float64("confidence", float64(refine.DefaultSparseParams().Confidence), "sparse prior confidence")
var prior = flag.String("prior", "", "sparse depth prior as 16-bit TIFF `file`, default=raw plane sweep result")

var width = flag.Int("width", scene.DefaultSynthOptions().Width, "synthetic scene width")
var height = flag.Int("height", scene.DefaultSynthOptions().Height, "synthetic scene height")
var focal = flag.Float64("focal", scene.DefaultSynthOptions().Focal, "synthetic scene focal length in pixels")
var planeDepth = flag.Float64("depth", scene.DefaultSynthOptions().Depth, "synthetic scene plane depth")
var baseline = flag.Float64("baseline", scene.DefaultSynthOptions().Baseline, "synthetic scene camera baseline")
var sources = flag.Int("sources", scene.DefaultSynthOptions().NumSources, "synthetic scene source views")
var noise = flag.Float64("noise", 0, "synthetic scene intensity noise amplitude")
var seed = flag.Uint("seed", uint(scene.DefaultSynthOptions().Seed), "synthetic scene texture seed")

var addr = flag.String("addr", ":8080", "serve: listen address")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` (requires root)")
var setuid = flag.Int("setuid", -1, "serve: change user id after start, -1=keep")

func main() {
	logWriter := logging.Writer
	debug.SetGCPercent(10)
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Planesweep Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (sweep|tvl1|tgv|sparse|synth|stats|serve|legal|version) (scene0.json ... scenen.json)

Commands:
  sweep   Estimate raw depth of each scene by plane sweep stereo
  tvl1    Plane sweep, then denoise with anisotropic TV-L1
  tgv     Plane sweep, then refine with multi-view TGV
  sparse  Plane sweep, then fuse a sparse depth prior with TGV
  synth   Render a synthetic scene into the given directory
  stats   Show statistics of 16-bit TIFF depth maps
  serve   Serve reconstructions over HTTP
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		if *out != "" {
			*log = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*log = ""
		}
	}
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	if *log != "" && args[0] != "legal" && args[0] != "version" && args[0] != "help" {
		if err := logging.AlsoToFile(*log); err != nil {
			logging.Fatalf("Unable to open logfile '%s'\n", *log)
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logging.Fatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logging.Fatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	oc := ops.NewContext(logWriter)
	oc.Threads, oc.MaxThreads, oc.ScratchMB = *threads, *maxThreads, *scratch

	var err error
	switch args[0] {
	case "sweep", "tvl1", "tgv", "sparse":
		var seq *ops.OpSequence
		seq, err = buildSequence(args[0], args[1:])
		if err == nil {
			err = run(seq, oc)
		}

	case "synth":
		err = cmdSynth(args[1:], oc)

	case "stats":
		err = cmdStats(args[1:], oc)

	case "serve":
		if err = rest.MakeSandbox(logWriter, *chroot, *setuid); err == nil {
			err = rest.NewServer(*oc).Serve(*addr)
		}

	case "legal":
		fmt.Fprint(logWriter, legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			logging.Fatal("Could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.Lookup("allocs").WriteTo(f, 0); err != nil {
			logging.Fatal("Could not write allocation profile: ", err)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		logging.Close()
		os.Exit(-1)
	}
	logging.Close()
}

// Overrides a refiner default if the flag was given
func setInt(dst *int, v int) {
	if v >= 0 {
		*dst = v
	}
}

func setFloat(dst *float32, v float64) {
	if v >= 0 {
		*dst = float32(v)
	}
}

func sweepConfig() sweep.Config {
	return sweep.Config{
		WinSize:      *winsize,
		NumberPlanes: *numberplanes,
		ZNear:        float32(*znear),
		ZFar:         float32(*zfar),
		NumberImages: *numberimages,
		NCCThresh:    float32(*nccthresh),
		StdThresh:    float32(*stdthresh),
	}
}

func tensorParams() refine.TensorParams {
	return refine.TensorParams{Beta: float32(*beta), Gamma: float32(*gamma)}
}

// Parses flags into the operator sequence for a reconstruction command
func buildSequence(cmd string, files []string) (*ops.OpSequence, error) {
	if len(files) == 0 {
		return nil, errors.Errorf("%s needs at least one scene file", cmd)
	}
	seq := ops.NewOpSequence(ops.NewOpLoadMany(files, *scale))

	if *config != "" {
		bs, err := os.ReadFile(*config)
		if err != nil {
			return nil, err
		}
		var cfg ops.OpSequence
		if err := json.Unmarshal(bs, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", *config)
		}
		seq.Append(cfg.Steps...)
		return seq, nil
	}

	seq.Append(ops.NewOpSweep(sweepConfig()))
	switch cmd {
	case "tvl1":
		p := refine.DefaultTVL1Params()
		p.TensorParams = tensorParams()
		setInt(&p.NIter, *niter)
		setFloat(&p.Lambda, *lambda)
		setFloat(&p.Tau, *tau)
		setFloat(&p.Sigma, *sigma)
		setFloat(&p.Theta, *theta)
		seq.Append(ops.NewOpTVL1(p))

	case "tgv":
		p := refine.DefaultTGVParams()
		p.TensorParams = tensorParams()
		setInt(&p.NIter, *niter)
		p.Warps = *warps
		p.NumberImages = *numberimages
		p.ZNear, p.ZFar = float32(*znear), float32(*zfar)
		setFloat(&p.Lambda, *lambda)
		setFloat(&p.Alpha0, *alpha0)
		setFloat(&p.Alpha1, *alpha1)
		setFloat(&p.Tau, *tau)
		setFloat(&p.Sigma, *sigma)
		seq.Append(ops.NewOpTGV(p, true))

	case "sparse":
		p := refine.DefaultSparseParams()
		p.TensorParams = tensorParams()
		setInt(&p.NIter, *niter)
		setFloat(&p.Alpha0, *alpha0)
		setFloat(&p.Alpha1, *alpha1)
		setFloat(&p.Tau, *tau)
		setFloat(&p.Sigma, *sigma)
		setFloat(&p.Theta, *theta)
		p.Confidence = float32(*confidence)
		op := ops.NewOpTGVSparse(p, *prior)
		op.ZNear, op.ZFar = float32(*znear), float32(*zfar)
		seq.Append(op)
	}

	stats := ops.NewOpStats()
	saveRaw := ops.NewOpSave(*raw)
	saveRaw.Raw = true
	saveColor := ops.NewOpSave(*color)
	saveColor.FalseColor = true
	seq.Append(stats, saveRaw, ops.NewOpSave(*out), saveColor, ops.NewOpSave(*ply))
	return seq, nil
}

// Runs the sequence and logs the resulting settings
func run(seq *ops.OpSequence, c *ops.Context) error {
	m, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Running with these settings:\n%s\n", string(m))

	promises, err := seq.MakePromises(nil, c)
	if err != nil {
		return err
	}
	_, err = ops.MaterializeAll(promises, c.MaxThreads, true)
	compute.ClearPools()
	return err
}

// Renders a synthetic scene into a directory
func cmdSynth(args []string, c *ops.Context) error {
	if len(args) != 1 {
		return errors.New("synth needs exactly one target directory")
	}
	o := scene.SynthOptions{
		Width:      *width,
		Height:     *height,
		Focal:      *focal,
		Depth:      *planeDepth,
		Baseline:   *baseline,
		NumSources: *sources,
		Lattice:    scene.DefaultSynthOptions().Lattice,
		Noise:      *noise,
		Seed:       uint32(*seed),
	}
	s, err := scene.Synthetic(o)
	if err != nil {
		return err
	}
	path, err := s.Save(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Wrote synthetic %s scene with %d sources to %s\n", s.Ref.DimensionsToString(), len(s.Sources), path)
	return nil
}

// Shows statistics of 16-bit depth maps in [znear,zfar]
func cmdStats(args []string, c *ops.Context) error {
	if len(args) == 0 {
		return errors.New("stats needs at least one depth file")
	}
	for i, name := range args {
		m, err := depth.ReadTIFF16FromFile(name, float32(*znear), float32(*zfar))
		if err != nil {
			return errors.Wrapf(err, "reading %s", name)
		}
		s, err := m.Stats()
		if err != nil {
			return errors.Wrapf(err, "statistics of %s", name)
		}
		fmt.Fprintf(c.Log, "%d: %s %s %s\n", i, name, m.DimensionsToString(), s)
	}
	return nil
}

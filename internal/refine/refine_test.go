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

package refine

import (
	"math"
	"sort"
	"testing"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/mlnoga/planesweep/internal/scene"
	"github.com/mlnoga/planesweep/internal/sweep"
	"github.com/valyala/fastrand"
)

func openTest(t *testing.T) *compute.Context {
	c, err := compute.Open(compute.Options{})
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(c.Close)
	return c
}

// Returns a uniform random value in [-1,1]
func uniform(rng *fastrand.RNG) float32 {
	return 2*float32(rng.Uint32n(1<<20))/(1<<20) - 1
}

func randomBuffer(c *compute.Context, w, h int, rng *fastrand.RNG) *compute.Buffer[float32] {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = uniform(rng)
	}
	b := compute.Floats(c, w, h)
	b.Upload(data)
	return b
}

func dot(a, b *compute.Buffer[float32]) float64 {
	sum := 0.0
	for y := 0; y < a.Height; y++ {
		ra, rb := a.Row(y), b.Row(y)
		for x := range ra {
			sum += float64(ra[x]) * float64(rb[x])
		}
	}
	return sum
}

func TestGradientDivergenceAdjoint(t *testing.T) {
	c := openTest(t)
	var rng fastrand.RNG
	rng.Seed(3)
	for _, dim := range [][2]int{{7, 5}, {1, 4}, {9, 1}, {16, 16}} {
		w, h := dim[0], dim[1]
		err := c.Run("adjoint", func() error {
			u, px, py := randomBuffer(c, w, h, &rng), randomBuffer(c, w, h, &rng), randomBuffer(c, w, h, &rng)
			gx, gy, div := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
			gradient(c, gx, gy, u)
			divergence(c, div, px, py)
			lhs := dot(gx, px) + dot(gy, py)
			rhs := -dot(u, div)
			if math.Abs(lhs-rhs) > 1e-4*(1+math.Abs(lhs)) {
				t.Errorf("%dx%d: <grad u,p>=%f; want -<u,div p>=%f", w, h, lhs, rhs)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Run: %s", err)
		}
	}
}

func TestSymmetrizedGradientAdjoint(t *testing.T) {
	c := openTest(t)
	var rng fastrand.RNG
	rng.Seed(4)
	w, h := 8, 6
	err := c.Run("adjoint", func() error {
		v1, v2 := randomBuffer(c, w, h, &rng), randomBuffer(c, w, h, &rng)
		qx, qy, qz, qw := randomBuffer(c, w, h, &rng), randomBuffer(c, w, h, &rng), randomBuffer(c, w, h, &rng), randomBuffer(c, w, h, &rng)
		ex, ey, ez, ew := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
		e1, e2, mix := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)

		symGradient(c, ex, ey, ez, ew, v1, v2)
		symGradientT(c, e1, e2, qx, qy, qz, qw, mix)
		lhs := dot(ex, qx) + dot(ey, qy) + dot(ez, qz) + dot(ew, qw)
		rhs := dot(v1, e1) + dot(v2, e2)
		if math.Abs(lhs-rhs) > 1e-4*(1+math.Abs(lhs)) {
			t.Errorf("<Ev,q>=%f; want <v,E^T q>=%f", lhs, rhs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
}

func TestProjections(t *testing.T) {
	a, b := project2(3, 4, 1)
	if math.Abs(float64(a)-0.6) > 1e-6 || math.Abs(float64(b)-0.8) > 1e-6 {
		t.Errorf("project2(3,4,1)=(%f,%f); want (0.6,0.8)", a, b)
	}
	a, b = project2(0.3, 0.4, 1)
	if a != 0.3 || b != 0.4 {
		t.Errorf("project2 moved an interior point to (%f,%f)", a, b)
	}
	p, q, r, s := project4(2, 2, 2, 2, 2)
	if n := math.Sqrt(float64(p*p + q*q + r*r + s*s)); math.Abs(n-2) > 1e-5 {
		t.Errorf("|project4|=%f; want 2", n)
	}
}

func viewFromFunc(w, h int, f func(x, y int) float32) *scene.View {
	v := &scene.View{Name: "ref", Width: w, Height: h, Pixels: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v.Pixels[y*w+x] = f(x, y)
		}
	}
	return v
}

func TestTensor(t *testing.T) {
	c := openTest(t)
	p := TensorParams{Beta: 10, Gamma: 0.1}

	flat := viewFromFunc(8, 6, func(x, y int) float32 { return 100 })
	tf, err := NewTensor(c, flat, p)
	if err != nil {
		t.Fatalf("NewTensor: %s", err)
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			if tf.T11.At(x, y) != 1 || tf.T22.At(x, y) != 1 || tf.T12.At(x, y) != 0 || tf.T21.At(x, y) != 0 {
				t.Fatalf("flat image tensor at (%d,%d) is not the identity", x, y)
			}
		}
	}

	// vertical edge: smoothing across x is weakened, along y untouched
	edge := viewFromFunc(8, 6, func(x, y int) float32 {
		if x < 4 {
			return 50
		}
		return 200
	})
	te, err := NewTensor(c, edge, p)
	if err != nil {
		t.Fatalf("NewTensor: %s", err)
	}
	g := 0.5 * 150.0 / 255
	want := float64(p.Gamma) + (1-float64(p.Gamma))*math.Exp(-float64(p.Beta)*g)
	if got := float64(te.T11.At(4, 2)); math.Abs(got-want) > 1e-5 {
		t.Errorf("T11 at edge=%f; want %f", got, want)
	}
	if got := te.T22.At(4, 2); math.Abs(float64(got)-1) > 1e-5 {
		t.Errorf("T22 at edge=%f; want 1", got)
	}

	// eigenvalues w and 1: det = w in [gamma,1], trace - det = 1
	var rng fastrand.RNG
	rng.Seed(9)
	noise := viewFromFunc(16, 12, func(x, y int) float32 { return float32(rng.Uint32n(256)) })
	tn, err := NewTensor(c, noise, p)
	if err != nil {
		t.Fatalf("NewTensor: %s", err)
	}
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			a, b, cc, d := float64(tn.T11.At(x, y)), float64(tn.T12.At(x, y)), float64(tn.T21.At(x, y)), float64(tn.T22.At(x, y))
			if b != cc {
				t.Fatalf("tensor at (%d,%d) not symmetric", x, y)
			}
			det, tr := a*d-b*cc, a+d
			if det < float64(p.Gamma)-1e-4 || det > 1+1e-4 || math.Abs(tr-det-1) > 1e-4 {
				t.Fatalf("tensor at (%d,%d) det=%f trace=%f", x, y, det, tr)
			}
		}
	}

	if _, err := NewTensor(c, flat, TensorParams{Beta: 1, Gamma: 0}); err == nil {
		t.Errorf("gamma 0 accepted")
	}
}

func noisyMap(w, h int, znear, zfar, level, amplitude float32, seed uint32) *depth.Map {
	var rng fastrand.RNG
	rng.Seed(seed)
	m := depth.New(w, h, znear, zfar)
	for i := range m.Data {
		m.Data[i] = level + amplitude*uniform(&rng)
	}
	return m
}

func meanStd(data []float32) (mean, std float64) {
	for _, v := range data {
		mean += float64(v)
	}
	mean /= float64(len(data))
	for _, v := range data {
		std += (float64(v) - mean) * (float64(v) - mean)
	}
	return mean, math.Sqrt(std / float64(len(data)))
}

func TestTVL1Params(t *testing.T) {
	cases := []struct {
		name   string
		modify func(p *TVL1Params)
		valid  bool
	}{
		{"default", func(p *TVL1Params) {}, true},
		{"zero iterations", func(p *TVL1Params) { p.NIter = 0 }, true},
		{"negative iterations", func(p *TVL1Params) { p.NIter = -1 }, false},
		{"zero lambda", func(p *TVL1Params) { p.Lambda = 0 }, false},
		{"zero tau", func(p *TVL1Params) { p.Tau = 0 }, false},
		{"theta above one", func(p *TVL1Params) { p.Theta = 1.5 }, false},
		{"negative beta", func(p *TVL1Params) { p.Beta = -1 }, false},
	}
	for _, tc := range cases {
		p := DefaultTVL1Params()
		tc.modify(&p)
		if err := p.Validate(); (err == nil) != tc.valid {
			t.Errorf("%s: err=%v; want valid=%v", tc.name, err, tc.valid)
		}
	}
}

func TestTVL1ZeroIterationsIsIdentity(t *testing.T) {
	c := openTest(t)
	raw := noisyMap(12, 9, 1, 3, 2, 0.1, 1)
	raw.Data[5] = float32(math.NaN())
	p := DefaultTVL1Params()
	p.NIter = 0
	out, err := TVL1(c, nil, raw, p)
	if err != nil {
		t.Fatalf("TVL1: %s", err)
	}
	if out == raw {
		t.Fatalf("TVL1 returned its input instead of a copy")
	}
	for i, d := range out.Data {
		want := raw.Data[i]
		if i == 5 {
			if !math.IsNaN(float64(d)) {
				t.Errorf("undefined pixel %d=%f; want NaN", i, d)
			}
			continue
		}
		if d != want {
			t.Errorf("pixel %d=%f; want %f", i, d, want)
		}
	}
}

func TestTVL1Denoises(t *testing.T) {
	c := openTest(t)
	raw := noisyMap(32, 32, 1, 3, 2, 0.1, 2)
	raw.Data[100] = float32(math.NaN())
	p := DefaultTVL1Params()
	p.Lambda = 0.5

	out, err := TVL1(c, nil, raw, p)
	if err != nil {
		t.Fatalf("TVL1: %s", err)
	}
	for i, d := range out.Data {
		if math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) {
			t.Fatalf("pixel %d=%f not finite", i, d)
		}
	}
	_, stdIn := meanStd(raw.Filled(2).Data)
	meanOut, stdOut := meanStd(out.Data)
	if stdOut > 0.5*stdIn {
		t.Errorf("std after=%f; want below half of %f", stdOut, stdIn)
	}
	if math.Abs(meanOut-2) > 0.05 {
		t.Errorf("mean after=%f; want 2", meanOut)
	}
	if eIn, eOut := TVL1Energy(nil, raw.Filled(raw.ZFar), raw, p.Lambda), TVL1Energy(nil, out, raw, p.Lambda); eOut >= eIn {
		t.Errorf("energy after=%f; want below %f", eOut, eIn)
	}
}

func TestTVL1RejectsMismatchedTensor(t *testing.T) {
	c := openTest(t)
	raw := noisyMap(8, 8, 1, 3, 2, 0.1, 3)
	var tensor *Tensor
	c.Run("tensor", func() error {
		tensor = Isotropic(c, 4, 4)
		return nil
	})
	if _, err := TVL1(c, tensor, raw, DefaultTVL1Params()); err == nil {
		t.Errorf("4x4 tensor accepted for an 8x8 map")
	}
}

func median(data []float64) float64 {
	s := append([]float64(nil), data...)
	sort.Float64s(s)
	return s[len(s)/2]
}

func TestTGVMultiView(t *testing.T) {
	c := openTest(t)
	o := scene.DefaultSynthOptions()
	s, err := scene.Synthetic(o)
	if err != nil {
		t.Fatalf("Synthetic: %s", err)
	}
	cfg := sweep.Config{WinSize: 5, NumberPlanes: 16, ZNear: 1, ZFar: 5, NumberImages: 1, NCCThresh: 0.9, StdThresh: 1}
	raw, err := sweep.Run(c, s, cfg, nil)
	if err != nil {
		t.Fatalf("sweep: %s", err)
	}

	tensor, err := NewTensor(c, s.Ref, DefaultTensorParams())
	if err != nil {
		t.Fatalf("NewTensor: %s", err)
	}
	p := DefaultTGVParams()
	p.ZNear, p.ZFar = cfg.ZNear, cfg.ZFar
	p.Warps = 3
	out, err := TGV(c, s, tensor, raw, p)
	if err != nil {
		t.Fatalf("TGV: %s", err)
	}

	for i, d := range out.Data {
		if !(d >= p.ZNear && d <= p.ZFar) {
			t.Fatalf("pixel %d=%f outside [%f,%f]", i, d, p.ZNear, p.ZFar)
		}
	}
	if m := interiorError(out, o); m > 0.15 {
		t.Errorf("median interior error %f; want at most 0.15", m)
	}
}

// Returns the median absolute depth error over the part of the synthetic
// reference image that the source view sees
func interiorError(m *depth.Map, o scene.SynthOptions) float64 {
	var errs []float64
	for y := 3; y <= o.Height-3; y++ {
		for x := 20; x <= o.Width-3; x++ {
			errs = append(errs, math.Abs(float64(m.At(x, y))-o.Depth))
		}
	}
	return median(errs)
}

// Constant start maps away from the true plane at depth 2
func constantMap(o scene.SynthOptions, d, znear, zfar float32) *depth.Map {
	m := depth.New(o.Width, o.Height, znear, zfar)
	for i := range m.Data {
		m.Data[i] = d
	}
	return m
}

func TestTGVConvergesFromConstantStart(t *testing.T) {
	c := openTest(t)
	o := scene.DefaultSynthOptions()
	s, err := scene.Synthetic(o)
	if err != nil {
		t.Fatalf("Synthetic: %s", err)
	}
	tensor, err := NewTensor(c, s.Ref, DefaultTensorParams())
	if err != nil {
		t.Fatalf("NewTensor: %s", err)
	}
	p := DefaultTGVParams()
	p.ZNear, p.ZFar = 1, 5
	p.Warps = 10
	for _, d0 := range []float32{2.5, 3} {
		initial := constantMap(o, d0, p.ZNear, p.ZFar)
		before := interiorError(initial, o)
		out, err := TGV(c, s, tensor, initial, p)
		if err != nil {
			t.Fatalf("TGV: %s", err)
		}
		after := interiorError(out, o)
		if after >= before || after > 0.05 {
			t.Errorf("start %g: median interior error %f, was %f; want at most 0.05", d0, after, before)
		}
	}
}

func TestTGVEnergyDecreasesWithFrozenDataTerm(t *testing.T) {
	c := openTest(t)
	o := scene.DefaultSynthOptions()
	s, err := scene.Synthetic(o)
	if err != nil {
		t.Fatalf("Synthetic: %s", err)
	}
	p := DefaultTGVParams()
	p.ZNear, p.ZFar = 1, 5
	start := constantMap(o, 2.5, p.ZNear, p.ZFar).Data
	err = c.Run("tgv energy", func() error {
		sv, err := newTGVSolver(c, s, nil, start, p)
		if err != nil {
			return err
		}
		defer sv.release()
		for warp := 0; warp < 3; warp++ {
			sv.relinearize()
			e0 := sv.energy()
			sv.iterate(p.NIter)
			e1 := sv.energy()
			if warp == 0 && e1 >= e0 {
				t.Errorf("warp 0: energy %f after %d iterations; want below initial %f", e1, p.NIter, e0)
			}
			if e1 > e0*1.01+1e-6 {
				t.Errorf("warp %d: energy %f after %d iterations; want at most %f", warp, e1, p.NIter, e0)
			}
			sv.iterate(p.NIter)
			if e2 := sv.energy(); e2 > e1*1.01+1e-6 {
				t.Errorf("warp %d: energy %f after %d more iterations; want at most %f", warp, e2, p.NIter, e1)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
}

func TestTGVWithoutInitStartsMidRange(t *testing.T) {
	c := openTest(t)
	s, _ := scene.Synthetic(scene.DefaultSynthOptions())
	p := DefaultTGVParams()
	p.ZNear, p.ZFar = 1, 5
	p.NIter = 0
	p.Warps = 1
	out, err := TGV(c, s, nil, nil, p)
	if err != nil {
		t.Fatalf("TGV: %s", err)
	}
	for i, d := range out.Data {
		if d != 3 {
			t.Fatalf("pixel %d=%f; want 3", i, d)
		}
	}

	p.Warps = 0
	if _, err := TGV(c, s, nil, nil, p); err == nil {
		t.Errorf("zero warps accepted")
	}
}

func TestSparseZeroWeightPixelsIgnorePrior(t *testing.T) {
	c := openTest(t)
	a := noisyMap(20, 16, 1, 3, 2, 0.2, 5)
	b := a.Clone()
	for i := range a.Data {
		if i%3 == 0 {
			a.Data[i] = float32(math.NaN())
			b.Data[i] = -3 - float32(i) // not positive, so zero weight
		}
	}
	p := DefaultSparseParams()
	p.NIter = 50
	ua, err := TGVSparse(c, nil, nil, a, p)
	if err != nil {
		t.Fatalf("TGVSparse: %s", err)
	}
	ub, err := TGVSparse(c, nil, nil, b, p)
	if err != nil {
		t.Fatalf("TGVSparse: %s", err)
	}
	for i := range ua.Data {
		if ua.Data[i] != ub.Data[i] {
			t.Fatalf("pixel %d differs: %f vs %f", i, ua.Data[i], ub.Data[i])
		}
	}
}

func TestSparseEnergyDecreases(t *testing.T) {
	c := openTest(t)
	prior := noisyMap(32, 32, 1, 3, 2, 0.1, 6)
	p := DefaultSparseParams()
	energy := func(niter int) float64 {
		q := p
		q.NIter = niter
		sol, err := solveSparse(c, nil, nil, prior, q)
		if err != nil {
			t.Fatalf("solveSparse: %s", err)
		}
		return sol.energy(nil, q)
	}
	e0, e200, e400 := energy(0), energy(200), energy(400)
	if e200 >= e0 {
		t.Errorf("energy after 200 iterations %f; want below initial %f", e200, e0)
	}
	if e400 > e200*1.01+1e-6 {
		t.Errorf("energy after 400 iterations %f; want at most %f", e400, e200)
	}
}

func TestSparseSmoothsNoise(t *testing.T) {
	c := openTest(t)
	prior := noisyMap(32, 32, 1, 3, 2, 0.1, 7)
	out, err := TGVSparse(c, nil, nil, prior, DefaultSparseParams())
	if err != nil {
		t.Fatalf("TGVSparse: %s", err)
	}
	_, stdIn := meanStd(prior.Data)
	meanOut, stdOut := meanStd(out.Data)
	if stdOut > 0.3*stdIn {
		t.Errorf("std after=%f; want below 0.3 of %f", stdOut, stdIn)
	}
	if math.Abs(meanOut-2) > 0.02 {
		t.Errorf("mean after=%f; want 2", meanOut)
	}
}

func TestSparseFillsHoleAlongRamp(t *testing.T) {
	c := openTest(t)
	const w, h = 32, 32
	ramp := func(x int) float32 { return 1.2 + 0.03*float32(x) }
	prior := depth.New(w, h, 1, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= 20 && x < 28 && y >= 12 && y < 20 {
				continue // hole
			}
			prior.Data[y*w+x] = ramp(x)
		}
	}
	p := DefaultSparseParams()
	p.NIter = 1000
	out, err := TGVSparse(c, nil, nil, prior, p)
	if err != nil {
		t.Fatalf("TGVSparse: %s", err)
	}
	for y := 12; y < 20; y++ {
		for x := 20; x < 28; x++ {
			if d := out.At(x, y); math.Abs(float64(d-ramp(x))) > 0.05 {
				t.Errorf("depth(%d,%d)=%f; want %f", x, y, d, ramp(x))
			}
		}
	}
}

func TestSparseWeights(t *testing.T) {
	prior := depth.New(4, 1, 1, 3)
	copy(prior.Data, []float32{2, 0, float32(math.NaN()), 2.5})
	p := DefaultSparseParams()
	p.Weights = []float32{0.5, 1, 1, -1}
	w, err := p.weights(prior)
	if err != nil {
		t.Fatalf("weights: %s", err)
	}
	want := []float32{0.5, 0, 0, 0}
	for i := range want {
		if w[i] != want[i] {
			t.Errorf("w[%d]=%f; want %f", i, w[i], want[i])
		}
	}
	p.Weights = []float32{1}
	if _, err := p.weights(prior); err == nil {
		t.Errorf("short confidence accepted")
	}
}

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

package ops

import (
	"fmt"
	"time"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/mlnoga/planesweep/internal/refine"
	"github.com/mlnoga/planesweep/internal/sweep"
	"github.com/pkg/errors"
)

// Runs fn on a fresh compute context, which is closed afterwards. Logs the
// outcome and the elapsed time of the step
func withCompute(step string, f *Frame, c *Context, fn func(dev *compute.Context) error) error {
	dev, err := c.openCompute()
	if err != nil {
		return errors.Wrapf(err, "%d: %s", f.ID, step)
	}
	defer dev.Close()
	start := time.Now()
	if err := fn(dev); err != nil {
		fmt.Fprintf(c.Log, "%d: %s failed after %v: %s\n", f.ID, step, time.Since(start), err)
		return errors.Wrapf(err, "%d: %s", f.ID, step)
	}
	fmt.Fprintf(c.Log, "%d: %s took %v\n", f.ID, step, time.Since(start))
	return nil
}

// Builds the regularization tensor from the reference image of the frame,
// or returns nil for isotropic regularization if the frame has no scene
func frameTensor(dev *compute.Context, f *Frame, p refine.TensorParams) (*refine.Tensor, error) {
	if f.Scene == nil || f.Scene.Ref == nil {
		return nil, nil
	}
	return refine.NewTensor(dev, f.Scene.Ref, p)
}

// Estimates the raw depth map of the reference view with a plane sweep.
// Takes n frames, produces n frames
type OpSweep struct {
	OpUnaryBase
	sweep.Config
}

func init() { SetOperatorFactory(func() Operator { return NewOpSweepDefault() }) } // register the operator for JSON decoding

func NewOpSweepDefault() *OpSweep { return NewOpSweep(sweep.DefaultConfig()) }

func NewOpSweep(cfg sweep.Config) *OpSweep {
	op := OpSweep{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "sweep", Active: true}},
		Config:      cfg,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpSweep) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.Scene == nil {
		return nil, errors.Errorf("%d: plane sweep needs a posed scene", f.ID)
	}
	err = withCompute("Plane sweep", f, c, func(dev *compute.Context) error {
		m, err := sweep.Run(dev, f.Scene, op.Config, c.Log)
		if err != nil {
			return err
		}
		f.Raw, f.Depth = m, m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Denoises the current depth map with tensor weighted TV-L1. Takes n frames, produces n frames
type OpTVL1 struct {
	OpUnaryBase
	refine.TVL1Params
}

func init() { SetOperatorFactory(func() Operator { return NewOpTVL1Default() }) } // register the operator for JSON decoding

func NewOpTVL1Default() *OpTVL1 { return NewOpTVL1(refine.DefaultTVL1Params()) }

func NewOpTVL1(p refine.TVL1Params) *OpTVL1 {
	op := OpTVL1{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "tvl1", Active: true}},
		TVL1Params:  p,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpTVL1) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.Depth == nil {
		return nil, errors.Errorf("%d: TV-L1 needs a depth map", f.ID)
	}
	err = withCompute(fmt.Sprintf("TV-L1 with %d iterations", op.NIter), f, c, func(dev *compute.Context) error {
		t, err := frameTensor(dev, f, op.TensorParams)
		if err != nil {
			return err
		}
		m, err := refine.TVL1(dev, t, f.Depth, op.TVL1Params)
		if err != nil {
			return err
		}
		f.Depth = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Refines the current depth map against all source views with TGV2.
// Takes n frames, produces n frames
type OpTGV struct {
	OpUnaryBase
	refine.TGVParams
	Init bool `json:"init"` // start from the current depth map instead of the middle of the range
}

func init() { SetOperatorFactory(func() Operator { return NewOpTGVDefault() }) } // register the operator for JSON decoding

func NewOpTGVDefault() *OpTGV { return NewOpTGV(refine.DefaultTGVParams(), true) }

func NewOpTGV(p refine.TGVParams, initial bool) *OpTGV {
	op := OpTGV{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "tgv", Active: true}},
		TGVParams:   p,
		Init:        initial,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpTGV) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.Scene == nil {
		return nil, errors.Errorf("%d: TGV needs a posed scene", f.ID)
	}
	p := op.TGVParams
	var initial *depth.Map
	if op.Init && f.Depth != nil {
		initial = f.Depth
		p.ZNear, p.ZFar = initial.ZNear, initial.ZFar // refine within the range of the estimate
	}
	step := fmt.Sprintf("TGV with %d warps of %d iterations", p.Warps, p.NIter)
	err = withCompute(step, f, c, func(dev *compute.Context) error {
		t, err := frameTensor(dev, f, p.TensorParams)
		if err != nil {
			return err
		}
		m, err := refine.TGV(dev, f.Scene, t, initial, p)
		if err != nil {
			return err
		}
		f.Depth = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Fuses a sparse depth prior with TGV2. The prior is the current depth map, or a
// 16-bit TIFF depth file if given. Takes n frames, produces n frames
type OpTGVSparse struct {
	OpUnaryBase
	refine.SparseParams
	PriorFile string  `json:"priorFile"`
	ZNear     float32 `json:"znear"` // depth range of the prior file, defaults to the current map's
	ZFar      float32 `json:"zfar"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpTGVSparseDefault() }) } // register the operator for JSON decoding

func NewOpTGVSparseDefault() *OpTGVSparse { return NewOpTGVSparse(refine.DefaultSparseParams(), "") }

func NewOpTGVSparse(p refine.SparseParams, priorFile string) *OpTGVSparse {
	op := OpTGVSparse{
		OpUnaryBase:  OpUnaryBase{OpBase: OpBase{Type: "tgvSparse", Active: true}},
		SparseParams: p,
		PriorFile:    priorFile,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Returns the depth prior and the initial solution
func (op *OpTGVSparse) prior(f *Frame) (prior, initial *depth.Map, err error) {
	if op.PriorFile == "" {
		if f.Depth == nil {
			return nil, nil, errors.Errorf("%d: sparse fusion needs a depth map or prior file", f.ID)
		}
		return f.Depth, nil, nil
	}
	if !IsPathAllowed(op.PriorFile) {
		return nil, nil, errors.New("Prior filename outside current directory tree, aborting")
	}
	znear, zfar := op.ZNear, op.ZFar
	if znear == 0 && zfar == 0 && f.Depth != nil {
		znear, zfar = f.Depth.ZNear, f.Depth.ZFar
	}
	if !(zfar > znear) {
		return nil, nil, errors.Errorf("%d: prior file %s needs znear < zfar, or a depth map to take them from", f.ID, op.PriorFile)
	}
	prior, err = depth.ReadTIFF16FromFile(op.PriorFile, znear, zfar)
	if err != nil {
		return nil, nil, err
	}
	if f.Depth != nil && (f.Depth.Width != prior.Width || f.Depth.Height != prior.Height) {
		return nil, nil, errors.Errorf("%d: prior is %s, depth map is %s", f.ID, prior.DimensionsToString(), f.Depth.DimensionsToString())
	}
	return prior, f.Depth, nil
}

func (op *OpTGVSparse) Apply(f *Frame, c *Context) (result *Frame, err error) {
	prior, initial, err := op.prior(f)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Log, "%d: Fusing prior with %d of %d pixels defined\n", f.ID, prior.NumDefined(), len(prior.Data))
	err = withCompute(fmt.Sprintf("TGV fusion with %d iterations", op.NIter), f, c, func(dev *compute.Context) error {
		t, err := frameTensor(dev, f, op.TensorParams)
		if err != nil {
			return err
		}
		m, err := refine.TGVSparse(dev, t, initial, prior, op.SparseParams)
		if err != nil {
			return err
		}
		f.Depth = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Logs statistics of the current depth map. Takes n frames, produces n frames
type OpStats struct {
	OpUnaryBase
}

func init() { SetOperatorFactory(func() Operator { return NewOpStatsDefault() }) } // register the operator for JSON decoding

func NewOpStatsDefault() *OpStats { return NewOpStats() }

func NewOpStats() *OpStats {
	op := OpStats{OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "stats", Active: true}}}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpStats) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if f.Depth == nil {
		return nil, errors.Errorf("%d: no depth map for statistics", f.ID)
	}
	s, err := f.Depth.Stats()
	if err != nil {
		fmt.Fprintf(c.Log, "%d: Depth %s, %d of %d pixels defined; %s\n", f.ID, f.Depth.DimensionsToString(),
			f.Depth.NumDefined(), len(f.Depth.Data), err)
		return f, nil
	}
	fmt.Fprintf(c.Log, "%d: Depth %s %v\n", f.ID, f.Depth.DimensionsToString(), s)
	return f, nil
}

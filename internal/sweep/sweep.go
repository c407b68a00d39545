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

// Package sweep estimates a raw depth map for the reference view by plane sweep
// stereo. Every source view is warped through the homographies of fronto-parallel
// planes at each depth hypothesis, scored by windowed normalized cross correlation,
// and the best depth per pixel votes into a global average if it is reliable enough.
package sweep

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/mlnoga/planesweep/internal/scene"
	"github.com/pkg/errors"
)

// Global vote accumulator across source views. Sum holds the sum of voted
// depths and Count the number of votes per pixel
type Accumulator struct {
	Sum   *compute.Buffer[float32]
	Count *compute.Buffer[float32]
}

func NewAccumulator(c *compute.Context, width, height int) *Accumulator {
	return &Accumulator{Sum: compute.Floats(c, width, height), Count: compute.Floats(c, width, height)}
}

// Adds the per view best depths whose NCC exceeds thresh
func (a *Accumulator) Fold(c *compute.Context, best, bestDepth *compute.Buffer[float32], thresh float32) {
	c.Rows("fold", a.Sum.Height, func(y int) {
		b, d, s, n := best.Row(y), bestDepth.Row(y), a.Sum.Row(y), a.Count.Row(y)
		for x := range s {
			if b[x] > thresh {
				s[x] += d[x]
				n[x]++
			}
		}
	})
}

// Returns the mean voted depth per pixel, NaN where no view voted
func (a *Accumulator) Resolve(c *compute.Context, znear, zfar float32) *depth.Map {
	m := depth.New(a.Sum.Width, a.Sum.Height, znear, zfar)
	c.Rows("resolve", a.Sum.Height, func(y int) {
		s, n, out := a.Sum.Row(y), a.Count.Row(y), m.Data[y*m.Width:(y+1)*m.Width]
		for x := range out {
			if n[x] > 0 {
				out[x] = s[x] / n[x]
			}
		}
	})
	return m
}

// Runs the plane sweep on the given scene, and returns the raw depth map of
// the reference view. Uses at most cfg.NumberImages source views, in scene order.
// On failure, the compute context is reset and no map is returned.
func Run(c *compute.Context, s *scene.Scene, cfg Config, log io.Writer) (*depth.Map, error) {
	if log == nil {
		log = io.Discard
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	numViews := cfg.ViewsUsed(len(s.Sources))
	fmt.Fprintf(log, "Sweeping %d planes in [%g,%g] over %d of %d source views, window %dx%d\n",
		cfg.NumberPlanes, cfg.ZNear, cfg.ZFar, numViews, len(s.Sources), cfg.WinSize, cfg.WinSize)

	var result *depth.Map
	err := c.Run("plane sweep", func() error {
		w, h := s.Ref.Width, s.Ref.Height
		ref := compute.Floats(c, w, h)
		ref.Upload(s.Ref.Pixels)
		cv := newCostVolume(c, cfg, ref)
		acc := NewAccumulator(c, w, h)

		for i := 0; i < numViews; i++ {
			start := time.Now()
			rel, err := s.Relative(i)
			if err != nil {
				return errors.Wrapf(err, "relative pose of view %d", i)
			}
			skipped := cv.sweepView(s.Sources[i].Pixels, s.Intrinsics, rel)
			acc.Fold(c, cv.best, cv.depth, cfg.NCCThresh)
			fmt.Fprintf(log, "View %d/%d %s: swept in %v\n", i+1, numViews, s.Sources[i].Name, time.Since(start))
			if skipped > 0 {
				fmt.Fprintf(log, "View %d/%d %s: skipped %d planes through the camera center\n", i+1, numViews, s.Sources[i].Name, skipped)
			}
		}

		result = acc.Resolve(c, cfg.ZNear, cfg.ZFar)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Reset()
	fmt.Fprintf(log, "Raw depth defined for %.1f%% of pixels\n", 100*float64(result.NumDefined())/math.Max(1, float64(len(result.Data))))
	return result, nil
}

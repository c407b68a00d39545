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

package scene

import (
	"fmt"
	"math"

	"github.com/mlnoga/planesweep/internal/geom"
	"github.com/pkg/errors"
	"github.com/valyala/fastrand"
)

// Settings for a synthetic scene: a textured fronto-parallel plane seen by a
// reference camera at the origin and source cameras translated along x
type SynthOptions struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Focal      float64 `json:"focal"`      // focal length in pixels, principal point at the image center
	Depth      float64 `json:"depth"`      // plane depth in front of the reference camera
	Baseline   float64 `json:"baseline"`   // distance between neighboring camera centers
	NumSources int     `json:"numSources"` // source views, alternating right and left of the reference
	Lattice    float64 `json:"lattice"`    // texture lattice spacing, in world units
	Noise      float64 `json:"noise"`      // uniform intensity noise amplitude, 0=off
	Seed       uint32  `json:"seed"`       // texture random seed
}

func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Width:      64,
		Height:     48,
		Focal:      60,
		Depth:      2,
		Baseline:   0.5,
		NumSources: 1,
		Lattice:    0.12,
		Seed:       42,
	}
}

// A bilinear value noise texture on the plane. Lattice points carry random
// intensities in [0,255]
type texture struct {
	spacing float64
	originX float64
	originY float64
	cols    int
	rows    int
	values  []float32
}

func newTexture(minX, maxX, minY, maxY, spacing float64, rng *fastrand.RNG) *texture {
	t := &texture{
		spacing: spacing,
		originX: math.Floor(minX/spacing)*spacing - spacing,
		originY: math.Floor(minY/spacing)*spacing - spacing,
	}
	t.cols = int(math.Ceil((maxX-t.originX)/spacing)) + 2
	t.rows = int(math.Ceil((maxY-t.originY)/spacing)) + 2
	t.values = make([]float32, t.cols*t.rows)
	for i := range t.values {
		t.values[i] = float32(rng.Uint32n(256))
	}
	return t
}

// Returns the texture intensity at plane coordinates (x,y)
func (t *texture) at(x, y float64) float32 {
	fx := (x - t.originX) / t.spacing
	fy := (y - t.originY) / t.spacing
	ix, iy := int(math.Floor(fx)), int(math.Floor(fy))
	ix = clampInt(ix, 0, t.cols-2)
	iy = clampInt(iy, 0, t.rows-2)
	dx, dy := float32(fx-float64(ix)), float32(fy-float64(iy))
	v00 := t.values[iy*t.cols+ix]
	v10 := t.values[iy*t.cols+ix+1]
	v01 := t.values[(iy+1)*t.cols+ix]
	v11 := t.values[(iy+1)*t.cols+ix+1]
	return (1-dy)*((1-dx)*v00+dx*v10) + dy*((1-dx)*v01+dx*v11)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Returns the x offset of the camera center of source view i
func (o *SynthOptions) SourceOffset(i int) float64 {
	k := float64(i/2 + 1)
	if i%2 == 1 {
		k = -k
	}
	return k * o.Baseline
}

// Renders a synthetic scene. Poses are world-to-camera, with the world frame
// equal to the reference camera frame
func Synthetic(o SynthOptions) (*Scene, error) {
	if o.Width <= 0 || o.Height <= 0 || o.Focal <= 0 || o.Depth <= 0 || o.Lattice <= 0 || o.NumSources < 1 {
		return nil, errors.Errorf("invalid synthetic scene options %+v", o)
	}
	cx, cy := float64(o.Width)/2, float64(o.Height)/2
	in, err := geom.NewIntrinsics(o.Focal, o.Focal, cx, cy, 0)
	if err != nil {
		return nil, err
	}

	var rng fastrand.RNG
	rng.Seed(o.Seed)

	maxOffset := 0.0
	for i := 0; i < o.NumSources; i++ {
		maxOffset = math.Max(maxOffset, math.Abs(o.SourceOffset(i)))
	}
	halfW := math.Max(cx, float64(o.Width)-cx) * o.Depth / o.Focal
	halfH := math.Max(cy, float64(o.Height)-cy) * o.Depth / o.Focal
	tex := newTexture(-halfW-maxOffset, halfW+maxOffset, -halfH, halfH, o.Lattice, &rng)

	render := func(name string, centerX float64) *View {
		v := &View{
			Name:   name,
			Width:  o.Width,
			Height: o.Height,
			Pixels: make([]float32, o.Width*o.Height),
			Pose:   geom.NewPose([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{-centerX, 0, 0}),
		}
		for y := 0; y < o.Height; y++ {
			for x := 0; x < o.Width; x++ {
				px := (float64(x)-cx)*o.Depth/o.Focal + centerX
				py := (float64(y) - cy) * o.Depth / o.Focal
				val := tex.at(px, py)
				if o.Noise > 0 {
					val += float32(o.Noise * (2*float64(rng.Uint32n(1<<16))/(1<<16) - 1))
				}
				v.Pixels[y*o.Width+x] = val
			}
		}
		return v
	}

	s := &Scene{Intrinsics: in, Convention: geom.WorldToCamera, Ref: render("reference", 0)}
	for i := 0; i < o.NumSources; i++ {
		s.Sources = append(s.Sources, render(fmt.Sprintf("source%02d", i), o.SourceOffset(i)))
	}
	return s, nil
}

// Returns the disparity in pixels between the reference and source view i for the synthetic plane
func (o *SynthOptions) Disparity(i int) float64 {
	return o.Focal * o.SourceOffset(i) / o.Depth
}

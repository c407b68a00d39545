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

package depth

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// A dense depth map of the reference view. Undefined pixels are NaN.
// ZNear and ZFar give the depth range used for normalization and quantization.
type Map struct {
	Width  int
	Height int
	Data   []float32
	ZNear  float32
	ZFar   float32
}

// Creates a map with all pixels undefined
func New(width, height int, znear, zfar float32) *Map {
	m := &Map{Width: width, Height: height, Data: make([]float32, width*height), ZNear: znear, ZFar: zfar}
	nan := float32(math.NaN())
	for i := range m.Data {
		m.Data[i] = nan
	}
	return m
}

// Wraps existing row-major data into a map
func FromData(width, height int, data []float32, znear, zfar float32) (*Map, error) {
	if len(data) != width*height {
		return nil, errors.Errorf("depth data has %d elements, want %dx%d", len(data), width, height)
	}
	if !(zfar > znear) {
		return nil, errors.Errorf("invalid depth range [%f,%f]", znear, zfar)
	}
	return &Map{Width: width, Height: height, Data: data, ZNear: znear, ZFar: zfar}, nil
}

// Returns a deep copy
func (m *Map) Clone() *Map {
	c := *m
	c.Data = append([]float32(nil), m.Data...)
	return &c
}

func (m *Map) At(x, y int) float32 { return m.Data[y*m.Width+x] }

// Returns true if pixel (x,y) carries a depth
func (m *Map) Defined(x, y int) bool {
	return !math.IsNaN(float64(m.Data[y*m.Width+x]))
}

// Returns the number of defined pixels
func (m *Map) NumDefined() int {
	n := 0
	for _, d := range m.Data {
		if !math.IsNaN(float64(d)) {
			n++
		}
	}
	return n
}

// Quantizes to 8 bits, 255*clamp((d-znear)/(zfar-znear), 0, 1). Undefined pixels map to 255
func (m *Map) Quantize() []uint8 {
	out := make([]uint8, len(m.Data))
	rng := m.ZFar - m.ZNear
	for i, d := range m.Data {
		if math.IsNaN(float64(d)) {
			out[i] = 255
			continue
		}
		v := 255 * ((d - m.ZNear) / rng)
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		out[i] = uint8(v)
	}
	return out
}

// Returns a copy with undefined pixels replaced by the given value
func (m *Map) Filled(value float32) *Map {
	c := m.Clone()
	for i, d := range c.Data {
		if math.IsNaN(float64(d)) {
			c.Data[i] = value
		}
	}
	return c
}

// Returns the depths normalized to [0,1] over [znear,zfar]. Undefined pixels stay NaN
func (m *Map) Normalized() []float32 {
	out := make([]float32, len(m.Data))
	inv := 1 / (m.ZFar - m.ZNear)
	for i, d := range m.Data {
		out[i] = (d - m.ZNear) * inv
	}
	return out
}

// Creates a map from depths normalized to [0,1] over [znear,zfar]
func FromNormalized(width, height int, norm []float32, znear, zfar float32) *Map {
	m := &Map{Width: width, Height: height, Data: make([]float32, len(norm)), ZNear: znear, ZFar: zfar}
	scale := zfar - znear
	for i, v := range norm {
		m.Data[i] = znear + v*scale
	}
	return m
}

// Returns the mean of all defined depths, or the given fallback if none is defined
func (m *Map) MeanDefined(fallback float32) float32 {
	sum, n := float64(0), 0
	for _, d := range m.Data {
		if !math.IsNaN(float64(d)) {
			sum += float64(d)
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return float32(sum / float64(n))
}

func (m *Map) DimensionsToString() string {
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

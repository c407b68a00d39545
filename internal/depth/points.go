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
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/mlnoga/planesweep/internal/geom"
)

// A point field backprojected from a depth map. Points are stored per pixel,
// undefined pixels carry NaN coordinates and are skipped when writing.
type Points struct {
	Width  int
	Height int
	XYZ    []r3.Vector
}

// Backprojects every defined pixel of the depth map into world coordinates,
// using the reference camera intrinsics and pose in the given convention
func Backproject(m *Map, in geom.Intrinsics, ref geom.Pose, pc geom.PoseConvention) (*Points, error) {
	toWorld, err := geom.ToWorld(pc, ref)
	if err != nil {
		return nil, err
	}
	p := &Points{Width: m.Width, Height: m.Height, XYZ: make([]r3.Vector, len(m.Data))}
	nan := math.NaN()
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			i := y*m.Width + x
			d := m.Data[i]
			if math.IsNaN(float64(d)) {
				p.XYZ[i] = r3.Vector{X: nan, Y: nan, Z: nan}
				continue
			}
			p.XYZ[i] = geom.Backproject(in, toWorld, float64(x), float64(y), float64(d))
		}
	}
	return p, nil
}

// Returns the number of defined points
func (p *Points) NumDefined() int {
	n := 0
	for _, v := range p.XYZ {
		if !math.IsNaN(v.X) {
			n++
		}
	}
	return n
}

// Writes the defined points as ASCII PLY. If gray is non-nil, it holds one
// 8-bit intensity per pixel, written as vertex color
func (p *Points) WritePLY(writer io.Writer, gray []uint8) error {
	n := p.NumDefined()
	if _, err := fmt.Fprintf(writer, "ply\nformat ascii 1.0\nelement vertex %d\nproperty float x\nproperty float y\nproperty float z\n", n); err != nil {
		return err
	}
	if gray != nil {
		if _, err := fmt.Fprintf(writer, "property uchar red\nproperty uchar green\nproperty uchar blue\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(writer, "end_header\n"); err != nil {
		return err
	}
	for i, v := range p.XYZ {
		if math.IsNaN(v.X) {
			continue
		}
		var err error
		if gray != nil {
			g := gray[i]
			_, err = fmt.Fprintf(writer, "%g %g %g %d %d %d\n", v.X, v.Y, v.Z, g, g, g)
		} else {
			_, err = fmt.Fprintf(writer, "%g %g %g\n", v.X, v.Y, v.Z)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Points) WritePLYToFile(fileName string, gray []uint8) error {
	return writeFile(fileName, func(w io.Writer) error { return p.WritePLY(w, gray) })
}

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

package compute

import "math"

// Slack for sample positions just outside the image due to rounding, in pixels
const edgeTolerance = 1e-4

// Samples b at (x,y) with bilinear interpolation. Returns oob if the point
// lies outside [0,Width-1]x[0,Height-1], or if the buffer is a single row or column
func Bilinear(b *Buffer[float32], x, y float64, oob float32) float32 {
	w, h := b.Width, b.Height
	if !(x >= -edgeTolerance && y >= -edgeTolerance && x <= float64(w-1)+edgeTolerance && y <= float64(h-1)+edgeTolerance) {
		return oob
	}
	if w < 2 || h < 2 {
		return oob
	}
	x = math.Min(math.Max(x, 0), float64(w-1))
	y = math.Min(math.Max(y, 0), float64(h-1))
	x0, y0 := int(x), int(y)
	if x0 >= w-1 {
		x0 = w - 2
	}
	if y0 >= h-1 {
		y0 = h - 2
	}
	dx, dy := float32(x-float64(x0)), float32(y-float64(y0))
	r0, r1 := b.Row(y0), b.Row(y0+1)
	return (1-dy)*((1-dx)*r0[x0]+dx*r0[x0+1]) + dy*((1-dx)*r1[x0]+dx*r1[x0+1])
}

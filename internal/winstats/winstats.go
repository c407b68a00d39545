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

// Package winstats computes windowed means and standard deviations over
// square windows, as separable column and row box filters. Borders replicate
// the nearest edge pixel. NaN samples propagate into every window touching them.
package winstats

import (
	"math"

	"github.com/mlnoga/planesweep/internal/compute"
)

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Vertical box filter of the given odd window size. If squared is set, averages
// the squares of the source values. Writes into dst, which must not alias src.
func MeanColumn(c *compute.Context, dst, src *compute.Buffer[float32], winsize int, squared bool) {
	r := winsize / 2
	norm := 1 / float32(winsize)
	h := src.Height
	c.Rows("meanColumn", h, func(y int) {
		out := dst.Row(y)
		for x := range out {
			out[x] = 0
		}
		for k := -r; k <= r; k++ {
			in := src.Row(clamp(y+k, h))
			if squared {
				for x, v := range in {
					out[x] += v * v
				}
			} else {
				for x, v := range in {
					out[x] += v
				}
			}
		}
		for x := range out {
			out[x] *= norm
		}
	})
}

// Horizontal box filter of the given odd window size. Writes into dst, which must not alias src
func MeanRow(c *compute.Context, dst, src *compute.Buffer[float32], winsize int) {
	r := winsize / 2
	norm := 1 / float32(winsize)
	w := src.Width
	c.Rows("meanRow", src.Height, func(y int) {
		in, out := src.Row(y), dst.Row(y)
		for x := range out {
			sum := float32(0)
			for k := -r; k <= r; k++ {
				sum += in[clamp(x+k, w)]
			}
			out[x] = sum * norm
		}
	})
}

// Windowed mean over winsize x winsize windows, column pass first. Uses tmp as
// scratch space. If squared is set, computes the windowed mean of the squares.
func Mean(c *compute.Context, dst, tmp, src *compute.Buffer[float32], winsize int, squared bool) {
	MeanColumn(c, tmp, src, winsize, squared)
	MeanRow(c, dst, tmp, winsize)
}

// Standard deviation from windowed mean and windowed mean of squares,
// sqrt(max(E[X^2]-E[X]^2, 0)). May be called with dst aliasing meanSq.
func StdDev(c *compute.Context, dst, mean, meanSq *compute.Buffer[float32]) {
	c.Rows("stdDev", dst.Height, func(y int) {
		m, m2, out := mean.Row(y), meanSq.Row(y), dst.Row(y)
		for x := range out {
			v := m2[x] - m[x]*m[x]
			if v < 0 {
				v = 0
			}
			out[x] = float32(math.Sqrt(float64(v)))
		}
	})
}

// Elementwise product dst = a*b. May alias
func Product(c *compute.Context, dst, a, b *compute.Buffer[float32]) {
	c.Rows("product", dst.Height, func(y int) {
		ra, rb, out := a.Row(y), b.Row(y), dst.Row(y)
		for x := range out {
			out[x] = ra[x] * rb[x]
		}
	})
}

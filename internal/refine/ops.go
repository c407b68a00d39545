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

// Package refine improves a raw depth map with first order primal-dual solvers.
// TVL1 denoises a single depth map under a tensor weighted total variation,
// TGV refines it jointly against all source views with a second order total
// generalized variation and a linearized photometric data term, and TGVSparse
// fuses a sparse or noisy depth prior with the same regularizer.
//
// All solvers run on compute buffers of the caller's context and dispatch
// their per pixel updates as row kernels. Gradients are forward differences
// with zero at the last column and row, divergences are their negative adjoints.
package refine

import (
	"math"

	"github.com/mlnoga/planesweep/internal/compute"
)

type buf = *compute.Buffer[float32]

// Returns rows y-1, y and y+1 of b. Rows outside the buffer are nil
func rows3(b buf, y int) (prev, cur, next []float32) {
	cur = b.Row(y)
	if y > 0 {
		prev = b.Row(y - 1)
	}
	if y+1 < b.Height {
		next = b.Row(y + 1)
	}
	return prev, cur, next
}

// Forward difference in x, zero at the last column
func dxf(cur []float32, x int) float32 {
	if x+1 < len(cur) {
		return cur[x+1] - cur[x]
	}
	return 0
}

// Forward difference in y, zero at the last row
func dyf(cur, next []float32, x int) float32 {
	if next != nil {
		return next[x] - cur[x]
	}
	return 0
}

// Backward difference in x, the negative adjoint of dxf
func dxb(cur []float32, x int) float32 {
	var v float32
	if x+1 < len(cur) {
		v = cur[x]
	}
	if x > 0 {
		v -= cur[x-1]
	}
	return v
}

// Backward difference in y, the negative adjoint of dyf
func dyb(prev, cur, next []float32, x int) float32 {
	var v float32
	if next != nil {
		v = cur[x]
	}
	if prev != nil {
		v -= prev[x]
	}
	return v
}

// Computes the forward difference gradient of u into (gx,gy)
func gradient(c *compute.Context, gx, gy, u buf) {
	c.Rows("gradient", u.Height, func(y int) {
		_, cur, next := rows3(u, y)
		ox, oy := gx.Row(y), gy.Row(y)
		for x := range cur {
			ox[x] = dxf(cur, x)
			oy[x] = dyf(cur, next, x)
		}
	})
}

// Computes the divergence of (px,py) into dst, the negative adjoint of gradient
func divergence(c *compute.Context, dst, px, py buf) {
	c.Rows("divergence", dst.Height, func(y int) {
		out := dst.Row(y)
		xr := px.Row(y)
		prev, cur, next := rows3(py, y)
		for x := range out {
			out[x] = dxb(xr, x) + dyb(prev, cur, next, x)
		}
	})
}

// Computes the symmetrized gradient of (v1,v2) into four components.
// qz and qw both carry the mixed term (dy v1 + dx v2)/2
func symGradient(c *compute.Context, qx, qy, qz, qw, v1, v2 buf) {
	c.Rows("symgradient", v1.Height, func(y int) {
		_, a, an := rows3(v1, y)
		_, b, bn := rows3(v2, y)
		ox, oy, oz, ow := qx.Row(y), qy.Row(y), qz.Row(y), qw.Row(y)
		for x := range a {
			ox[x] = dxf(a, x)
			oy[x] = dyf(b, bn, x)
			m := 0.5 * (dyf(a, an, x) + dxf(b, x))
			oz[x], ow[x] = m, m
		}
	})
}

// Returns the two components of the adjoint of the symmetrized gradient at (x,y),
// given rows y-1, y, y+1 of the dual components. mixPrev..mixNext hold (qz+qw)/2
func symGradientAdjoint(qxCur, qyPrev, qyCur, qyNext, mixPrev, mixCur, mixNext []float32, x int) (float32, float32) {
	e1 := -(dxb(qxCur, x) + dyb(mixPrev, mixCur, mixNext, x))
	e2 := -(dyb(qyPrev, qyCur, qyNext, x) + dxb(mixCur, x))
	return e1, e2
}

// Computes (qz+qw)/2 into dst
func mixedMean(c *compute.Context, dst, qz, qw buf) {
	c.Rows("mixedmean", dst.Height, func(y int) {
		out, z, w := dst.Row(y), qz.Row(y), qw.Row(y)
		for x := range out {
			out[x] = 0.5 * (z[x] + w[x])
		}
	})
}

// Computes the adjoint of the symmetrized gradient of q into (e1,e2). mix is scratch
func symGradientT(c *compute.Context, e1, e2, qx, qy, qz, qw, mix buf) {
	mixedMean(c, mix, qz, qw)
	c.Rows("symgradientT", e1.Height, func(y int) {
		yp, yc, yn := rows3(qy, y)
		mp, mc, mn := rows3(mix, y)
		xc := qx.Row(y)
		o1, o2 := e1.Row(y), e2.Row(y)
		for x := range o1 {
			o1[x], o2[x] = symGradientAdjoint(xc, yp, yc, yn, mp, mc, mn, x)
		}
	})
}

// Projects (a,b) onto the disc of radius r
func project2(a, b, r float32) (float32, float32) {
	n := float32(math.Sqrt(float64(a*a+b*b))) / r
	if n > 1 {
		return a / n, b / n
	}
	return a, b
}

// Projects (a,b,c,d) onto the ball of radius r
func project4(a, b, c, d, r float32) (float32, float32, float32, float32) {
	n := float32(math.Sqrt(float64(a*a+b*b+c*c+d*d))) / r
	if n > 1 {
		return a / n, b / n, c / n, d / n
	}
	return a, b, c, d
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

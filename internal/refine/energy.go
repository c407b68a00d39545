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

	"github.com/mlnoga/planesweep/internal/depth"
	"gonum.org/v1/gonum/floats"
)

// Returns rows of the tensor, or the identity for a nil tensor
func tensorRows(t *Tensor, y, w int) (t11, t12, t21, t22 []float32) {
	if t != nil {
		return t.T11.Row(y), t.T12.Row(y), t.T21.Row(y), t.T22.Row(y)
	}
	t11, t12, t22 = make([]float32, w), make([]float32, w), make([]float32, w)
	for x := range t11 {
		t11[x], t22[x] = 1, 1
	}
	return t11, t12, t12, t22
}

func hypot(a, b float32) float64 {
	return math.Hypot(float64(a), float64(b))
}

// Returns the tensor weighted total variation sum |T grad u| of a
// row-major width x height field. A nil tensor means the identity
func TotalVariation(t *Tensor, u []float32, width, height int) float64 {
	perRow := make([]float64, height)
	for y := range perRow {
		cur := u[y*width : (y+1)*width]
		var next []float32
		if y+1 < height {
			next = u[(y+1)*width : (y+2)*width]
		}
		t11, t12, t21, t22 := tensorRows(t, y, width)
		for x := range cur {
			a, b := applyT(t11, t12, t21, t22, x, dxf(cur, x), dyf(cur, next, x))
			perRow[y] += hypot(a, b)
		}
	}
	return floats.Sum(perRow)
}

// Returns the TGV2 regularizer alpha1 sum |T(grad u - v)| + alpha0 sum |E v|
func TGVRegularizer(t *Tensor, u, v1, v2 []float32, width, height int, alpha0, alpha1 float32) float64 {
	perRow := make([]float64, height)
	row := func(f []float32, y int) []float32 {
		if y >= height {
			return nil
		}
		return f[y*width : (y+1)*width]
	}
	for y := range perRow {
		uc, un := row(u, y), row(u, y+1)
		ac, an := row(v1, y), row(v1, y+1)
		bc, bn := row(v2, y), row(v2, y+1)
		t11, t12, t21, t22 := tensorRows(t, y, width)
		for x := range uc {
			a, b := applyT(t11, t12, t21, t22, x, dxf(uc, x)-ac[x], dyf(uc, un, x)-bc[x])
			m := 0.5 * float64(dyf(ac, an, x)+dxf(bc, x))
			e := math.Sqrt(sq(dxf(ac, x)) + sq(dyf(bc, bn, x)) + 2*m*m)
			perRow[y] += float64(alpha1)*hypot(a, b) + float64(alpha0)*e
		}
	}
	return floats.Sum(perRow)
}

func sq(v float32) float64 { return float64(v) * float64(v) }

// Returns the TV-L1 energy sum |T grad u| + lambda sum |u-f| of a refined map u
// against the raw map f, in normalized units. Undefined raw pixels count as zfar
func TVL1Energy(t *Tensor, u, f *depth.Map, lambda float32) float64 {
	un := u.Normalized()
	fn := f.Filled(f.ZFar).Normalized()
	data := make([]float64, len(un))
	for i := range un {
		data[i] = math.Abs(float64(un[i] - fn[i]))
	}
	return TotalVariation(t, un, u.Width, u.Height) + float64(lambda)*floats.Sum(data)
}

// Returns the sparse fusion energy of the solution
func (s *sparseSolution) energy(t *Tensor, p SparseParams) float64 {
	data := make([]float64, len(s.u))
	for i, w := range s.weight {
		if w > 0 {
			data[i] = 0.5 * float64(w) * sq(s.u[i]-s.prior[i])
		}
	}
	return TGVRegularizer(t, s.u, s.v1, s.v2, s.width, s.height, p.Alpha0, p.Alpha1) + floats.Sum(data)
}

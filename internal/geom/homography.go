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

package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// A plane-induced homography in row-major order, normalized to H[2][2]=1
type Homography [9]float64

// Computes the homography induced by the fronto-parallel plane z=d of the reference
// camera, H = K (Rrel + trel e3^T / d) invK, mapping reference pixels to source pixels
func PlaneHomography(in Intrinsics, rel Pose, d float64) Homography {
	m := mat.DenseCopyOf(rel.R)
	for r := 0; r < 3; r++ {
		m.Set(r, 2, m.At(r, 2)+rel.T.AtVec(r)/d)
	}
	var h mat.Dense
	h.Mul(in.K, m)
	h.Mul(&h, in.InvK)

	var out Homography
	s := h.At(2, 2)
	if s == 0 || math.IsNaN(s) {
		s = 1
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = h.At(r, c) / s
		}
	}
	return out
}

// Maps pixel (x,y) through the homography. Returns NaNs for points at infinity
func (h *Homography) Apply(x, y float64) (float64, float64) {
	w := h[6]*x + h[7]*y + h[8]
	if w == 0 {
		return math.NaN(), math.NaN()
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w
}

// Returns the inverse homography, normalized. ok is false if H is singular
func (h *Homography) Inverse() (inv Homography, ok bool) {
	m := mat.NewDense(3, 3, h[:])
	var mi mat.Dense
	if err := mi.Inverse(m); err != nil {
		return inv, false
	}
	s := mi.At(2, 2)
	if s == 0 {
		return inv, false
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			inv[r*3+c] = mi.At(r, c) / s
		}
	}
	return inv, true
}

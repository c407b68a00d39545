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
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Pinhole camera intrinsics. InvK is computed once on construction
type Intrinsics struct {
	K    *mat.Dense
	InvK *mat.Dense
}

// Creates intrinsics from focal lengths, principal point and skew
func NewIntrinsics(fx, fy, cx, cy, skew float64) (Intrinsics, error) {
	return IntrinsicsFromMatrix(mat.NewDense(3, 3, []float64{
		fx, skew, cx,
		0, fy, cy,
		0, 0, 1,
	}))
}

// Creates intrinsics from a 3x3 calibration matrix. Fails if K is singular
func IntrinsicsFromMatrix(k *mat.Dense) (Intrinsics, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return Intrinsics{}, errors.Errorf("calibration matrix is %dx%d, want 3x3", r, c)
	}
	inv := mat.NewDense(3, 3, nil)
	if err := inv.Inverse(k); err != nil {
		return Intrinsics{}, errors.Wrap(err, "inverting calibration matrix")
	}
	return Intrinsics{K: mat.DenseCopyOf(k), InvK: inv}, nil
}

func (in Intrinsics) Fx() float64 { return in.K.At(0, 0) }
func (in Intrinsics) Fy() float64 { return in.K.At(1, 1) }
func (in Intrinsics) Cx() float64 { return in.K.At(0, 2) }
func (in Intrinsics) Cy() float64 { return in.K.At(1, 2) }

// Returns intrinsics for images resampled by the given factor
func (in Intrinsics) Scaled(s float64) (Intrinsics, error) {
	k := mat.DenseCopyOf(in.K)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			k.Set(r, c, k.At(r, c)*s)
		}
	}
	return IntrinsicsFromMatrix(k)
}

// Returns the viewing ray invK (x,y,1) of a pixel, with unit z component
func (in Intrinsics) Ray(x, y float64) r3.Vector {
	ik := in.InvK.RawMatrix().Data
	return r3.Vector{
		X: ik[0]*x + ik[1]*y + ik[2],
		Y: ik[3]*x + ik[4]*y + ik[5],
		Z: ik[6]*x + ik[7]*y + ik[8],
	}
}

// Projects a camera frame point to pixel coordinates. ok is false behind the camera
func (in Intrinsics) Project(p r3.Vector) (x, y float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	k := in.K.RawMatrix().Data
	u := k[0]*p.X + k[1]*p.Y + k[2]*p.Z
	v := k[3]*p.X + k[4]*p.Y + k[5]*p.Z
	w := k[6]*p.X + k[7]*p.Y + k[8]*p.Z
	return u / w, v / w, true
}

// Backprojects pixel (x,y) at depth d through the given camera-to-target transform,
// X = R (d invK (x,y,1)) + t
func Backproject(in Intrinsics, toTarget Pose, x, y, d float64) r3.Vector {
	return TransformPoint(toTarget, in.Ray(x, y).Mul(d))
}

// Applies a rigid transform to an r3 point
func TransformPoint(p Pose, v r3.Vector) r3.Vector {
	r := p.R.RawMatrix().Data
	t := p.T.RawVector().Data
	return r3.Vector{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z + t[0],
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z + t[1],
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z + t[2],
	}
}

// Rotates an r3 vector, without translation
func RotateVector(p Pose, v r3.Vector) r3.Vector {
	r := p.R.RawMatrix().Data
	return r3.Vector{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z,
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z,
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z,
	}
}

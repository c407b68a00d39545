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
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Convention in which camera poses (R,t) are given
type PoseConvention int

const (
	PoseUnspecified PoseConvention = iota // zero value, rejected by Relative
	WorldToCamera                         // X_cam = R X_world + t
	CameraToWorld                         // X_world = R X_cam + t
)

var poseConventionNames = map[PoseConvention]string{
	PoseUnspecified: "unspecified",
	WorldToCamera:   "worldToCamera",
	CameraToWorld:   "cameraToWorld",
}

func (pc PoseConvention) String() string {
	if s, ok := poseConventionNames[pc]; ok {
		return s
	}
	return "invalid"
}

// Parses a pose convention name, case insensitive. Also accepts the short forms w2c and c2w
func ParsePoseConvention(s string) (PoseConvention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "worldtocamera", "w2c":
		return WorldToCamera, nil
	case "cameratoworld", "c2w":
		return CameraToWorld, nil
	}
	return PoseUnspecified, errors.Errorf("unknown pose convention '%s'", s)
}

func (pc PoseConvention) MarshalJSON() ([]byte, error) {
	return json.Marshal(pc.String())
}

func (pc *PoseConvention) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	p, err := ParsePoseConvention(s)
	if err != nil {
		return err
	}
	*pc = p
	return nil
}

// A rigid camera pose, rotation R (3x3) and translation t (3)
type Pose struct {
	R *mat.Dense
	T *mat.VecDense
}

// Returns the identity pose
func Identity() Pose {
	return Pose{R: eye(), T: mat.NewVecDense(3, nil)}
}

// Creates a pose from a row-major 3x3 rotation and a translation
func NewPose(r [9]float64, t [3]float64) Pose {
	return Pose{R: mat.NewDense(3, 3, r[:]), T: mat.NewVecDense(3, t[:])}
}

// Returns the inverse rigid transform, R' = R^T, t' = -R^T t
func (p Pose) Inverse() Pose {
	r := mat.NewDense(3, 3, nil)
	r.CloneFrom(p.R.T())
	t := mat.NewVecDense(3, nil)
	t.MulVec(r, p.T)
	t.ScaleVec(-1, t)
	return Pose{R: r, T: t}
}

// Checks that R is a proper rotation within the given tolerance
func (p Pose) Validate(tol float64) error {
	if p.R == nil || p.T == nil {
		return errors.New("pose without rotation or translation")
	}
	if r, c := p.R.Dims(); r != 3 || c != 3 {
		return errors.Errorf("rotation is %dx%d, want 3x3", r, c)
	}
	if p.T.Len() != 3 {
		return errors.Errorf("translation has %d elements, want 3", p.T.Len())
	}
	if det := mat.Det(p.R); math.Abs(det-1) > tol {
		return errors.Errorf("rotation determinant %g, want 1", det)
	}
	var rtr mat.Dense
	rtr.Mul(p.R.T(), p.R)
	if !mat.EqualApprox(&rtr, eye(), tol) {
		return errors.New("rotation is not orthonormal")
	}
	return nil
}

// Maps a point through the pose, R x + t
func (p Pose) Apply(x *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(3, nil)
	out.MulVec(p.R, x)
	out.AddVec(out, p.T)
	return out
}

func eye() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// Computes the relative transform taking points from the reference camera frame
// into the source camera frame, X_src = Rrel X_ref + trel. The pose convention
// determines how the absolute poses are interpreted, and must be specified.
func Relative(pc PoseConvention, ref, src Pose) (Pose, error) {
	rel := Pose{R: mat.NewDense(3, 3, nil), T: mat.NewVecDense(3, nil)}
	switch pc {
	case WorldToCamera:
		// Rrel = Rsrc Rref^-1, trel = tsrc - Rrel tref
		var refInv mat.Dense
		if err := refInv.Inverse(ref.R); err != nil {
			return Pose{}, errors.Wrap(err, "inverting reference rotation")
		}
		rel.R.Mul(src.R, &refInv)
		rel.T.MulVec(rel.R, ref.T)
		rel.T.SubVec(src.T, rel.T)
	case CameraToWorld:
		// Rrel = Rsrc^T Rref, trel = Rsrc^T (tref - tsrc)
		rel.R.Mul(src.R.T(), ref.R)
		var d mat.VecDense
		d.SubVec(ref.T, src.T)
		rel.T.MulVec(src.R.T(), &d)
	default:
		return Pose{}, errors.Errorf("pose convention %s, want %s or %s", pc, WorldToCamera, CameraToWorld)
	}
	return rel, nil
}

// Returns the transform from the reference camera frame into world coordinates,
// i.e. the relative pose of the reference to an identity camera at the origin
func ToWorld(pc PoseConvention, ref Pose) (Pose, error) {
	return Relative(pc, ref, Identity())
}

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
	"testing"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const epsilon = 1e-9

// Rotation about the y axis by angle a, followed by a rotation about x by b
func rotYX(a, b float64) [9]float64 {
	ry := mat.NewDense(3, 3, []float64{math.Cos(a), 0, math.Sin(a), 0, 1, 0, -math.Sin(a), 0, math.Cos(a)})
	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, math.Cos(b), -math.Sin(b), 0, math.Sin(b), math.Cos(b)})
	var r mat.Dense
	r.Mul(rx, ry)
	var out [9]float64
	copy(out[:], r.RawMatrix().Data)
	return out
}

func testCamera(t *testing.T) Intrinsics {
	in, err := NewIntrinsics(60, 62, 32, 24, 0)
	if err != nil {
		t.Fatalf("NewIntrinsics: %s", err)
	}
	return in
}

func TestRelativeConventionsAgree(t *testing.T) {
	// the same two cameras, given once as world-to-camera and once as camera-to-world poses
	refW2C := NewPose(rotYX(0.1, -0.05), [3]float64{0.2, -0.1, 0.3})
	srcW2C := NewPose(rotYX(-0.15, 0.02), [3]float64{-0.5, 0.05, 0.1})
	refC2W := refW2C.Inverse()
	srcC2W := srcW2C.Inverse()

	a, err := Relative(WorldToCamera, refW2C, srcW2C)
	if err != nil {
		t.Fatalf("WorldToCamera: %s", err)
	}
	b, err := Relative(CameraToWorld, refC2W, srcC2W)
	if err != nil {
		t.Fatalf("CameraToWorld: %s", err)
	}
	if !mat.EqualApprox(a.R, b.R, 1e-9) {
		t.Errorf("Rrel differs:\n%v\n%v", mat.Formatted(a.R), mat.Formatted(b.R))
	}
	if !mat.EqualApprox(a.T, b.T, 1e-9) {
		t.Errorf("trel differs: %v vs %v", mat.Formatted(a.T.T()), mat.Formatted(b.T.T()))
	}

	// and the relative pose really maps reference frame points to source frame points
	xw := mat.NewVecDense(3, []float64{0.3, -0.2, 2.5})
	xref := refW2C.Apply(xw)
	xsrc := srcW2C.Apply(xw)
	got := a.Apply(xref)
	if !mat.EqualApprox(got, xsrc, 1e-9) {
		t.Errorf("Rrel*Xref+trel=%v; want %v", mat.Formatted(got.T()), mat.Formatted(xsrc.T()))
	}
}

func TestRelativeRejectsUnspecifiedConvention(t *testing.T) {
	if _, err := Relative(PoseUnspecified, Identity(), Identity()); err == nil {
		t.Errorf("unspecified convention accepted")
	}
	if _, err := Relative(PoseConvention(42), Identity(), Identity()); err == nil {
		t.Errorf("invalid convention accepted")
	}
}

func TestPoseConventionJSON(t *testing.T) {
	cases := []struct {
		in      string
		want    PoseConvention
		wantErr bool
	}{
		{`"worldToCamera"`, WorldToCamera, false},
		{`"cameraToWorld"`, CameraToWorld, false},
		{`"c2w"`, CameraToWorld, false},
		{`"sideways"`, PoseUnspecified, true},
		{`""`, PoseUnspecified, true},
	}
	for _, tc := range cases {
		var pc PoseConvention
		err := json.Unmarshal([]byte(tc.in), &pc)
		if (err != nil) != tc.wantErr {
			t.Errorf("in=%s err=%v; wantErr %v", tc.in, err, tc.wantErr)
		}
		if pc != tc.want {
			t.Errorf("in=%s got %s; want %s", tc.in, pc, tc.want)
		}
	}
}

func TestHomographyMapsPlanePoints(t *testing.T) {
	in := testCamera(t)
	ref := NewPose(rotYX(0.05, 0.02), [3]float64{0.1, 0, 0})
	src := NewPose(rotYX(-0.1, 0.01), [3]float64{-0.4, 0.1, 0.05})
	rel, err := Relative(WorldToCamera, ref, src)
	if err != nil {
		t.Fatalf("Relative: %s", err)
	}

	for _, d := range []float64{1, 2, 3.7} {
		h := PlaneHomography(in, rel, d)
		if math.Abs(h[8]-1) > epsilon {
			t.Errorf("d=%f H[2][2]=%f; want 1", d, h[8])
		}
		for _, px := range [][2]float64{{0, 0}, {32, 24}, {63, 47}, {10.5, 40.25}} {
			// point on the plane z=d in the reference frame, projected into the source
			p := in.Ray(px[0], px[1]).Mul(d)
			want := TransformPoint(rel, p)
			wx, wy, ok := in.Project(want)
			if !ok {
				t.Fatalf("d=%f px=%v behind source camera", d, px)
			}
			gx, gy := h.Apply(px[0], px[1])
			if math.Abs(gx-wx) > 1e-6 || math.Abs(gy-wy) > 1e-6 {
				t.Errorf("d=%f px=%v H maps to (%f,%f); want (%f,%f)", d, px, gx, gy, wx, wy)
			}

			// round trip through the inverse
			inv, ok := h.Inverse()
			if !ok {
				t.Fatalf("d=%f singular homography", d)
			}
			bx, by := inv.Apply(gx, gy)
			if math.Abs(bx-px[0]) > 1e-6 || math.Abs(by-px[1]) > 1e-6 {
				t.Errorf("d=%f round trip (%f,%f); want %v", d, bx, by, px)
			}
		}
	}
}

func TestBackprojectInvertsProjection(t *testing.T) {
	in := testCamera(t)
	refW2C := NewPose(rotYX(0.2, -0.1), [3]float64{0.5, -0.3, 1})
	xw := r3.Vector{X: 0.4, Y: -0.2, Z: 3}

	for _, pc := range []PoseConvention{WorldToCamera, CameraToWorld} {
		ref := refW2C
		if pc == CameraToWorld {
			ref = refW2C.Inverse()
		}
		toWorld, err := ToWorld(pc, ref)
		if err != nil {
			t.Fatalf("%s: %s", pc, err)
		}
		xc := TransformPoint(refW2C, xw)
		px, py, ok := in.Project(xc)
		if !ok {
			t.Fatalf("%s: point behind camera", pc)
		}
		got := Backproject(in, toWorld, px, py, xc.Z)
		if got.Sub(xw).Norm() > 1e-9 {
			t.Errorf("%s: backprojected %v; want %v", pc, got, xw)
		}
	}
}

func TestScaledIntrinsics(t *testing.T) {
	in := testCamera(t)
	half, err := in.Scaled(0.5)
	if err != nil {
		t.Fatalf("Scaled: %s", err)
	}
	cases := []struct {
		name      string
		got, want float64
	}{
		{"fx", half.Fx(), 30},
		{"fy", half.Fy(), 31},
		{"cx", half.Cx(), 16},
		{"cy", half.Cy(), 12},
	}
	for _, tc := range cases {
		if math.Abs(tc.got-tc.want) > epsilon {
			t.Errorf("%s=%f; want %f", tc.name, tc.got, tc.want)
		}
	}
	if v := half.Ray(16, 12); math.Abs(v.X) > epsilon || math.Abs(v.Y) > epsilon || math.Abs(v.Z-1) > epsilon {
		t.Errorf("principal ray=%v; want (0,0,1)", v)
	}
}

func TestValidate(t *testing.T) {
	if err := NewPose(rotYX(0.3, 0.4), [3]float64{}).Validate(1e-6); err != nil {
		t.Errorf("valid rotation rejected: %s", err)
	}
	bad := NewPose([9]float64{2, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{})
	if err := bad.Validate(1e-6); err == nil {
		t.Errorf("scaled matrix accepted as rotation")
	}
}

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

// Package scene holds posed grayscale views with shared pinhole intrinsics,
// and reads and writes them as JSON scene files with image files alongside.
package scene

import (
	"fmt"

	"github.com/mlnoga/planesweep/internal/geom"
	"github.com/pkg/errors"
)

// A posed grayscale image. Pixels are intensities in [0,255], row-major
type View struct {
	Name   string
	Width  int
	Height int
	Pixels []float32
	Pose   geom.Pose
}

// Returns the intensity at (x,y)
func (v *View) At(x, y int) float32 {
	return v.Pixels[y*v.Width+x]
}

func (v *View) DimensionsToString() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// A reference view and source views sharing one set of intrinsics
type Scene struct {
	Intrinsics geom.Intrinsics
	Convention geom.PoseConvention
	Ref        *View
	Sources    []*View
}

// Tolerance for rotation matrix checks, loose enough for poses stored with limited precision
const rotationTolerance = 1e-3

// Checks that all views are present, equally sized and validly posed
func (s *Scene) Validate() error {
	if s.Ref == nil {
		return errors.New("scene has no reference view")
	}
	if len(s.Sources) == 0 {
		return errors.New("scene has no source views")
	}
	if s.Intrinsics.K == nil || s.Intrinsics.InvK == nil {
		return errors.New("scene has no intrinsics")
	}
	if s.Convention != geom.WorldToCamera && s.Convention != geom.CameraToWorld {
		return errors.Errorf("scene pose convention is %s", s.Convention)
	}
	for i, v := range append([]*View{s.Ref}, s.Sources...) {
		if v.Width != s.Ref.Width || v.Height != s.Ref.Height {
			return errors.Errorf("view %d '%s' is %s, reference is %s", i, v.Name, v.DimensionsToString(), s.Ref.DimensionsToString())
		}
		if len(v.Pixels) != v.Width*v.Height {
			return errors.Errorf("view %d '%s' has %d pixels, want %d", i, v.Name, len(v.Pixels), v.Width*v.Height)
		}
		if err := v.Pose.Validate(rotationTolerance); err != nil {
			return errors.Wrapf(err, "view %d '%s'", i, v.Name)
		}
	}
	return nil
}

// Returns the transform from the reference camera frame into the frame of source view i
func (s *Scene) Relative(i int) (geom.Pose, error) {
	return geom.Relative(s.Convention, s.Ref.Pose, s.Sources[i].Pose)
}

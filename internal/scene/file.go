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

package scene

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mlnoga/planesweep/internal/geom"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Camera intrinsics as stored in a scene file. Either the full matrix K
// (row-major, 9 values) or the focal lengths and principal point
type CameraFile struct {
	K    []float64 `json:"k,omitempty"`
	Fx   float64   `json:"fx,omitempty"`
	Fy   float64   `json:"fy,omitempty"`
	Cx   float64   `json:"cx,omitempty"`
	Cy   float64   `json:"cy,omitempty"`
	Skew float64   `json:"skew,omitempty"`
}

// A view as stored in a scene file. Image paths are relative to the scene file
type ViewFile struct {
	Image string    `json:"image"`
	R     []float64 `json:"r"` // row-major 3x3 rotation
	T     []float64 `json:"t"` // translation
}

// The JSON scene file. The pose convention must be given, either by name or
// via the alternativemethod flag (true selects camera-to-world poses)
type File struct {
	Intrinsics        CameraFile           `json:"intrinsics"`
	PoseConvention    *geom.PoseConvention `json:"poseConvention,omitempty"`
	AlternativeMethod *bool                `json:"alternativemethod,omitempty"`
	Reference         ViewFile             `json:"reference"`
	Sources           []ViewFile           `json:"sources"`
}

// Resolves the pose convention from the name or the compatibility flag
func (f *File) Convention() (geom.PoseConvention, error) {
	var fromFlag geom.PoseConvention
	if f.AlternativeMethod != nil {
		fromFlag = geom.WorldToCamera
		if *f.AlternativeMethod {
			fromFlag = geom.CameraToWorld
		}
	}
	switch {
	case f.PoseConvention != nil && f.AlternativeMethod != nil && *f.PoseConvention != fromFlag:
		return geom.PoseUnspecified, errors.Errorf("poseConvention %s contradicts alternativemethod=%v", *f.PoseConvention, *f.AlternativeMethod)
	case f.PoseConvention != nil:
		return *f.PoseConvention, nil
	case f.AlternativeMethod != nil:
		return fromFlag, nil
	}
	return geom.PoseUnspecified, errors.New("scene file does not specify a pose convention")
}

func (cf *CameraFile) intrinsics() (geom.Intrinsics, error) {
	if len(cf.K) > 0 {
		if len(cf.K) != 9 {
			return geom.Intrinsics{}, errors.Errorf("intrinsics k has %d values, want 9", len(cf.K))
		}
		return geom.IntrinsicsFromMatrix(mat.NewDense(3, 3, append([]float64(nil), cf.K...)))
	}
	if cf.Fx <= 0 || cf.Fy <= 0 {
		return geom.Intrinsics{}, errors.Errorf("invalid focal lengths fx=%g fy=%g", cf.Fx, cf.Fy)
	}
	return geom.NewIntrinsics(cf.Fx, cf.Fy, cf.Cx, cf.Cy, cf.Skew)
}

func (vf *ViewFile) pose() (geom.Pose, error) {
	if len(vf.R) != 9 || len(vf.T) != 3 {
		return geom.Pose{}, errors.Errorf("view '%s' has %d rotation and %d translation values, want 9 and 3", vf.Image, len(vf.R), len(vf.T))
	}
	var r [9]float64
	var t [3]float64
	copy(r[:], vf.R)
	copy(t[:], vf.T)
	return geom.NewPose(r, t), nil
}

// Reads a scene file and the images it references. A scale other than 0 or 1
// resamples all images and the intrinsics by that factor
func Load(fileName string, scale float64, log io.Writer) (*Scene, error) {
	raw, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing scene file %s", fileName)
	}
	return f.Load(filepath.Dir(fileName), scale, log)
}

// Loads the images referenced by the scene file, relative to the given directory
func (f *File) Load(dir string, scale float64, log io.Writer) (*Scene, error) {
	conv, err := f.Convention()
	if err != nil {
		return nil, err
	}
	in, err := f.Intrinsics.intrinsics()
	if err != nil {
		return nil, err
	}
	if scale != 0 && scale != 1 {
		if in, err = in.Scaled(scale); err != nil {
			return nil, err
		}
	}
	s := &Scene{Intrinsics: in, Convention: conv}

	loadView := func(vf *ViewFile) (*View, error) {
		pose, err := vf.pose()
		if err != nil {
			return nil, err
		}
		path := vf.Image
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		w, h, pixels, err := ReadGray(path, scale)
		if err != nil {
			return nil, errors.Wrapf(err, "reading view %s", path)
		}
		if log != nil {
			fmt.Fprintf(log, "Loaded %dx%d view from %s\n", w, h, path)
		}
		return &View{Name: vf.Image, Width: w, Height: h, Pixels: pixels, Pose: pose}, nil
	}

	if s.Ref, err = loadView(&f.Reference); err != nil {
		return nil, err
	}
	for i := range f.Sources {
		v, err := loadView(&f.Sources[i])
		if err != nil {
			return nil, err
		}
		s.Sources = append(s.Sources, v)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func viewFile(v *View, image string) ViewFile {
	return ViewFile{
		Image: image,
		R:     append([]float64(nil), v.Pose.R.RawMatrix().Data...),
		T:     append([]float64(nil), v.Pose.T.RawVector().Data...),
	}
}

// Writes the scene into a directory, as scene.json plus one PNG per view.
// Returns the path of the scene file
func (s *Scene) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	conv := s.Convention
	f := File{
		Intrinsics:     CameraFile{K: append([]float64(nil), s.Intrinsics.K.RawMatrix().Data...)},
		PoseConvention: &conv,
	}
	views := append([]*View{s.Ref}, s.Sources...)
	for i, v := range views {
		name := fmt.Sprintf("view%02d.png", i)
		if err := writeGrayPNGToFile(filepath.Join(dir, name), v.Width, v.Height, v.Pixels); err != nil {
			return "", err
		}
		if i == 0 {
			f.Reference = viewFile(v, name)
		} else {
			f.Sources = append(f.Sources, viewFile(v, name))
		}
	}
	raw, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "scene.json")
	return path, os.WriteFile(path, raw, 0644)
}

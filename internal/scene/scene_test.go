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
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/mlnoga/planesweep/internal/geom"
)

func TestSyntheticDisparity(t *testing.T) {
	o := DefaultSynthOptions()
	o.NumSources = 2
	s, err := Synthetic(o)
	if err != nil {
		t.Fatalf("Synthetic: %s", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %s", err)
	}
	for i, src := range s.Sources {
		disp := int(math.Round(o.Disparity(i)))
		if disp != []int{15, -15}[i] {
			t.Errorf("source %d disparity=%d; want %d", i, disp, []int{15, -15}[i])
		}
		// reference pixel x shows the same texture point as source pixel x-disp
		for y := 0; y < o.Height; y++ {
			for x := 0; x < o.Width; x++ {
				u := x - disp
				if u < 0 || u >= o.Width {
					continue
				}
				if d := math.Abs(float64(s.Ref.At(x, y) - src.At(u, y))); d > 1e-3 {
					t.Fatalf("source %d ref(%d,%d)=%f src(%d,%d)=%f", i, x, y, s.Ref.At(x, y), u, y, src.At(u, y))
				}
			}
		}
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	a, _ := Synthetic(DefaultSynthOptions())
	b, _ := Synthetic(DefaultSynthOptions())
	for i := range a.Ref.Pixels {
		if a.Ref.Pixels[i] != b.Ref.Pixels[i] {
			t.Fatalf("pixel %d differs: %f vs %f", i, a.Ref.Pixels[i], b.Ref.Pixels[i])
		}
	}
	if _, err := Synthetic(SynthOptions{}); err == nil {
		t.Errorf("empty options accepted")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Synthetic(DefaultSynthOptions())
	if err != nil {
		t.Fatalf("Synthetic: %s", err)
	}
	path, err := s.Save(t.TempDir())
	if err != nil {
		t.Fatalf("Save: %s", err)
	}
	var log bytes.Buffer
	back, err := Load(path, 1, &log)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if back.Convention != geom.WorldToCamera {
		t.Errorf("convention=%s; want %s", back.Convention, geom.WorldToCamera)
	}
	if len(back.Sources) != len(s.Sources) {
		t.Fatalf("sources=%d; want %d", len(back.Sources), len(s.Sources))
	}
	for i, v := range s.Ref.Pixels {
		if d := math.Abs(float64(v - back.Ref.Pixels[i])); d > 0.5+1e-3 {
			t.Fatalf("pixel %d=%f; want %f", i, back.Ref.Pixels[i], v)
		}
	}
	if back.Intrinsics.Fx() != s.Intrinsics.Fx() || back.Intrinsics.Cy() != s.Intrinsics.Cy() {
		t.Errorf("intrinsics changed in round trip")
	}

	half, err := Load(path, 0.5, nil)
	if err != nil {
		t.Fatalf("Load at half scale: %s", err)
	}
	if half.Ref.Width != 32 || half.Ref.Height != 24 || half.Intrinsics.Fx() != 30 {
		t.Errorf("half scale %dx%d fx=%f; want 32x24 fx=30", half.Ref.Width, half.Ref.Height, half.Intrinsics.Fx())
	}
}

func TestConventionResolution(t *testing.T) {
	w2c, c2w := geom.WorldToCamera, geom.CameraToWorld
	yes, no := true, false
	cases := []struct {
		name    string
		pc      *geom.PoseConvention
		alt     *bool
		want    geom.PoseConvention
		wantErr bool
	}{
		{"none", nil, nil, geom.PoseUnspecified, true},
		{"named", &c2w, nil, geom.CameraToWorld, false},
		{"flag true", nil, &yes, geom.CameraToWorld, false},
		{"flag false", nil, &no, geom.WorldToCamera, false},
		{"agree", &w2c, &no, geom.WorldToCamera, false},
		{"contradict", &w2c, &yes, geom.PoseUnspecified, true},
	}
	for _, tc := range cases {
		f := File{PoseConvention: tc.pc, AlternativeMethod: tc.alt}
		got, err := f.Convention()
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("%s: got %s err=%v; want %s wantErr=%v", tc.name, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestSceneFileFromJSON(t *testing.T) {
	raw := `{
		"intrinsics": {"fx": 500, "fy": 500, "cx": 320, "cy": 240},
		"alternativemethod": true,
		"reference": {"image": "a.png", "r": [1,0,0, 0,1,0, 0,0,1], "t": [0,0,0]},
		"sources": [{"image": "b.png", "r": [1,0,0, 0,1,0, 0,0,1], "t": [0.1,0,0]}]
	}`
	var f File
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if pc, err := f.Convention(); err != nil || pc != geom.CameraToWorld {
		t.Errorf("convention=%s err=%v; want %s", pc, err, geom.CameraToWorld)
	}
	in, err := f.Intrinsics.intrinsics()
	if err != nil {
		t.Fatalf("intrinsics: %s", err)
	}
	if in.Cx() != 320 || in.Fy() != 500 {
		t.Errorf("cx=%f fy=%f; want 320 500", in.Cx(), in.Fy())
	}
	if _, err := f.Sources[0].pose(); err != nil {
		t.Errorf("pose: %s", err)
	}
}

func TestDecodeColorToLightness(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		img.Set(x, 0, color.RGBA{255, 255, 255, 255})
		img.Set(x, 1, color.RGBA{0, 0, 0, 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Encode: %s", err)
	}
	w, h, pixels, err := DecodeGray(&buf, 1)
	if err != nil {
		t.Fatalf("DecodeGray: %s", err)
	}
	if w != 4 || h != 2 {
		t.Fatalf("size %dx%d; want 4x2", w, h)
	}
	if math.Abs(float64(pixels[0]-255)) > 0.5 || pixels[4] > 0.5 {
		t.Errorf("white=%f black=%f; want 255 and 0", pixels[0], pixels[4])
	}
}

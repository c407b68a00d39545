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

package ops

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/mlnoga/planesweep/internal/scene"
	"github.com/pkg/errors"
)

// Load a posed scene from a scene description file. Takes zero inputs, produces one output
type OpLoad struct {
	OpBase
	ID       int     `json:"id"`
	FileName string  `json:"fileName"`
	Scale    float64 `json:"scale"` // image scale factor, 0 or 1 for full resolution
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadDefault() }) } // register the operator for JSON decoding

func NewOpLoadDefault() *OpLoad { return NewOpLoad(0, "", 1) }

func NewOpLoad(id int, fileName string, scale float64) *OpLoad {
	return &OpLoad{
		OpBase:   OpBase{Type: "load", Active: true},
		ID:       id,
		FileName: fileName,
		Scale:    scale,
	}
}

// Load scene from a file. Ignores any inputs
func (op *OpLoad) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, errors.Errorf("%s operator with non-zero input", op.Type)
	}
	if !IsPathAllowed(op.FileName) {
		return nil, errors.New("Filename outside current directory tree, aborting")
	}
	out := func() (f *Frame, err error) {
		return op.Apply(nil, c)
	}
	return []Promise{out}, nil
}

func (op *OpLoad) Apply(f *Frame, c *Context) (result *Frame, err error) {
	start := time.Now()
	s, err := scene.Load(op.FileName, op.Scale, c.Log)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Log, "%d: Loaded scene with %s reference and %d source views from %s in %v\n",
		op.ID, s.Ref.DimensionsToString(), len(s.Sources), op.FileName, time.Since(start))
	return &Frame{ID: op.ID, Name: op.FileName, Scene: s}, nil
}

// Load many scenes from a slice of filename patterns with wildcards.
// Takes zero inputs, produces n outputs
type OpLoadMany struct {
	OpBase
	FilePatterns []string `json:"filePatterns"`
	Scale        float64  `json:"scale"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadManyDefault() }) } // register the operator for JSON decoding

func NewOpLoadManyDefault() *OpLoadMany { return NewOpLoadMany(nil, 1) }

func NewOpLoadMany(filePatterns []string, scale float64) *OpLoadMany {
	return &OpLoadMany{
		OpBase:       OpBase{Type: "loadMany", Active: true},
		FilePatterns: filePatterns,
		Scale:        scale,
	}
}

// Turn filename wildcards into list of scene load operators
func (op *OpLoadMany) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, errors.Errorf("%s operator with non-zero input", op.Type)
	}
	for _, pattern := range op.FilePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if !IsPathAllowed(match) {
				fmt.Fprintf(c.Log, "Pattern match outside current directory tree, skipping\n")
				continue
			}
			opLoad := NewOpLoad(len(outs), match, op.Scale)
			promises, err := opLoad.MakePromises(nil, c)
			if err != nil {
				return nil, err
			}
			outs = append(outs, promises...)
		}
	}
	if len(outs) == 0 {
		return nil, errors.Errorf("%s operator with no files to load from pattern %v", op.Type, op.FilePatterns)
	}
	fmt.Fprintf(c.Log, "Found %d scenes.\n", len(outs))
	return outs, nil
}

// Render a synthetic textured plane scene. Takes zero inputs, produces one output
type OpSynth struct {
	OpBase
	scene.SynthOptions
}

func init() { SetOperatorFactory(func() Operator { return NewOpSynthDefault() }) } // register the operator for JSON decoding

func NewOpSynthDefault() *OpSynth { return NewOpSynth(scene.DefaultSynthOptions()) }

func NewOpSynth(o scene.SynthOptions) *OpSynth {
	return &OpSynth{
		OpBase:       OpBase{Type: "synth", Active: true},
		SynthOptions: o,
	}
}

func (op *OpSynth) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, errors.Errorf("%s operator with non-zero input", op.Type)
	}
	out := func() (f *Frame, err error) {
		s, err := scene.Synthetic(op.SynthOptions)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(c.Log, "0: Rendered synthetic %s plane at depth %g with %d source views\n",
			s.Ref.DimensionsToString(), op.Depth, len(s.Sources))
		return &Frame{Name: "synthetic", Scene: s}, nil
	}
	return []Promise{out}, nil
}

// Saves the current depth map under a given filename, with pattern expansion for %d
// based on the frame id. The suffix selects the format: .png and .jpg for quantized
// 8-bit depth, .tif for 16-bit depth, .ply for the backprojected point cloud.
// Takes one input, produces one output (the materialized but unchanged input)
type OpSave struct {
	OpUnaryBase
	FilePattern string `json:"filePattern"`
	FalseColor  bool   `json:"falseColor"` // color coded instead of gray PNG
	Raw         bool   `json:"raw"`        // save the plane sweep result instead of the latest estimate
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

// Decoded steps are active unless they say otherwise
func NewOpSaveDefault() *OpSave {
	op := NewOpSave("")
	op.Active = true
	return op
}

func NewOpSave(filenamePattern string) *OpSave {
	op := OpSave{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "save", Active: filenamePattern != ""}},
		FilePattern: filenamePattern,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

func (op *OpSave) Apply(f *Frame, c *Context) (result *Frame, err error) {
	if !op.Active || op.FilePattern == "" {
		return f, nil
	}
	m := f.Depth
	if op.Raw {
		m = f.Raw
	}
	if m == nil {
		return nil, errors.Errorf("%d: no depth map to save", f.ID)
	}
	fileName := op.FilePattern
	if strings.Contains(fileName, "%d") {
		fileName = fmt.Sprintf(op.FilePattern, f.ID)
	}
	if !IsPathAllowed(fileName) {
		return nil, errors.Errorf("%d: file name %s outside current directory tree", f.ID, fileName)
	}
	fnLower := strings.ToLower(fileName)

	switch {
	case strings.HasSuffix(fnLower, ".png") && op.FalseColor:
		fmt.Fprintf(c.Log, "%d: Writing %s pixel false color PNG to %s\n", f.ID, m.DimensionsToString(), fileName)
		err = m.WriteFalseColorPNGToFile(fileName)
	case strings.HasSuffix(fnLower, ".png"):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel 8-bit PNG to %s\n", f.ID, m.DimensionsToString(), fileName)
		err = m.WritePNGToFile(fileName)
	case strings.HasSuffix(fnLower, ".jpeg") || strings.HasSuffix(fnLower, ".jpg"):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel JPEG to %s\n", f.ID, m.DimensionsToString(), fileName)
		err = m.WriteJPGToFile(fileName, 95)
	case strings.HasSuffix(fnLower, ".tiff") || strings.HasSuffix(fnLower, ".tif"):
		fmt.Fprintf(c.Log, "%d: Writing %s pixel 16-bit TIFF to %s\n", f.ID, m.DimensionsToString(), fileName)
		err = m.WriteTIFF16ToFile(fileName)
	case strings.HasSuffix(fnLower, ".ply"):
		err = op.savePoints(f, m, fileName, c)
	default:
		err = errors.New("Unknown suffix")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%d: Error writing to file %s", f.ID, fileName)
	}
	return f, nil
}

// Backprojects the depth map through the reference camera and writes the points,
// colored with the reference intensities
func (op *OpSave) savePoints(f *Frame, m *depth.Map, fileName string, c *Context) error {
	if f.Scene == nil {
		return errors.New("point cloud needs a posed scene")
	}
	s := f.Scene
	pts, err := depth.Backproject(m, s.Intrinsics, s.Ref.Pose, s.Convention)
	if err != nil {
		return err
	}
	gray := make([]uint8, len(s.Ref.Pixels))
	for i, v := range s.Ref.Pixels {
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		gray[i] = uint8(v + 0.5)
	}
	fmt.Fprintf(c.Log, "%d: Writing %d points to %s\n", f.ID, pts.NumDefined(), fileName)
	return pts.WritePLYToFile(fileName, gray)
}

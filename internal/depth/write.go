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

package depth

import (
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"golang.org/x/image/tiff"
)

// Value marking undefined pixels in 16-bit TIFF depth files
const tiffUndefined = 65535

// Returns the quantized depth map as an 8-bit grayscale image
func (m *Map) GrayImage() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	copy(img.Pix, m.Quantize())
	return img
}

// Writes the quantized depth map as 8-bit grayscale PNG
func (m *Map) WritePNG(writer io.Writer) error {
	return png.Encode(writer, m.GrayImage())
}

// Writes the quantized depth map as 8-bit grayscale JPEG with the given quality
func (m *Map) WriteJPG(writer io.Writer, quality int) error {
	return jpeg.Encode(writer, m.GrayImage(), &jpeg.Options{Quality: quality})
}

// Writes the depth map as 16-bit grayscale TIFF. Depths in [znear,zfar] map
// linearly to [0,65534], undefined pixels to 65535
func (m *Map) WriteTIFF16(writer io.Writer) error {
	img := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	scale := 65534 / (m.ZFar - m.ZNear)
	for y := 0; y < m.Height; y++ {
		yoffset := y * m.Width
		for x := 0; x < m.Width; x++ {
			d := m.Data[yoffset+x]
			if math.IsNaN(float64(d)) {
				img.SetGray16(x, y, color.Gray16{Y: tiffUndefined})
				continue
			}
			v := (d - m.ZNear) * scale
			if v < 0 {
				v = 0
			}
			if v > 65534 {
				v = 65534
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v + 0.5)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Reads a 16-bit TIFF depth map as written by WriteTIFF16, for the given depth range.
// The range must be non-empty, as the file only stores positions within it
func ReadTIFF16(reader io.Reader, znear, zfar float32) (*Map, error) {
	if !(zfar > znear) {
		return nil, errors.Errorf("depth range [%g,%g] is empty, need zfar > znear", znear, zfar)
	}
	img, err := tiff.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "decoding TIFF depth map")
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, errors.Errorf("depth TIFF has color model %T, want 16-bit grayscale", img.ColorModel())
	}
	b := gray.Bounds()
	m := New(b.Dx(), b.Dy(), znear, zfar)
	scale := (zfar - znear) / 65534
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := gray.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			if v == tiffUndefined {
				continue
			}
			m.Data[y*m.Width+x] = znear + float32(v)*scale
		}
	}
	return m, nil
}

// Returns a false color rendering of the depth map. Near depths are red, far
// depths blue, with hues blended in HCL space. Undefined pixels are black
func (m *Map) FalseColorImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	near := colorful.Hcl(10, 0.9, 0.55)
	far := colorful.Hcl(260, 0.6, 0.35)
	rng := m.ZFar - m.ZNear
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			d := m.Data[y*m.Width+x]
			if math.IsNaN(float64(d)) {
				img.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
				continue
			}
			t := float64((d - m.ZNear) / rng)
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
			r, g, b := near.BlendHcl(far, t).Clamped().RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return img
}

// Writes the false color rendering as PNG
func (m *Map) WriteFalseColorPNG(writer io.Writer) error {
	return png.Encode(writer, m.FalseColorImage())
}

// Creates a file and hands a buffered writer to the given function, flushing on success
func writeFile(fileName string, write func(w io.Writer) error) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := write(writer); err != nil {
		return err
	}
	return writer.Flush()
}

func (m *Map) WritePNGToFile(fileName string) error { return writeFile(fileName, m.WritePNG) }

func (m *Map) WriteTIFF16ToFile(fileName string) error { return writeFile(fileName, m.WriteTIFF16) }

func (m *Map) WriteFalseColorPNGToFile(fileName string) error {
	return writeFile(fileName, m.WriteFalseColorPNG)
}

func (m *Map) WriteJPGToFile(fileName string, quality int) error {
	return writeFile(fileName, func(w io.Writer) error { return m.WriteJPG(w, quality) })
}

// Reads a 16-bit TIFF depth map from file
func ReadTIFF16FromFile(fileName string, znear, zfar float32) (*Map, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadTIFF16(bufio.NewReader(file), znear, zfar)
}

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
	"bufio"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff"
)

// Reads an image file in any registered format (PNG, JPEG, TIFF) and converts it
// to grayscale intensities in [0,255]. If scale is neither 0 nor 1, resamples
// the image by the given factor first.
func ReadGray(fileName string, scale float64) (width, height int, pixels []float32, err error) {
	file, err := os.Open(fileName)
	if err != nil {
		return 0, 0, nil, err
	}
	defer file.Close()
	return DecodeGray(bufio.NewReader(file), scale)
}

// Decodes an image and converts it to grayscale intensities, see ReadGray
func DecodeGray(reader io.Reader, scale float64) (width, height int, pixels []float32, err error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "decoding image")
	}
	if scale != 0 && scale != 1 {
		b := img.Bounds()
		w := uint(math.Round(float64(b.Dx()) * scale))
		h := uint(math.Round(float64(b.Dy()) * scale))
		if w == 0 || h == 0 {
			return 0, 0, nil, errors.Errorf("scaling %s image of %dx%d by %g leaves no pixels", format, b.Dx(), b.Dy(), scale)
		}
		img = resize.Resize(w, h, img, resize.Bilinear)
	}
	width, height, pixels = toGray(img)
	return width, height, pixels, nil
}

// Converts an image to intensities in [0,255]. Grayscale images are copied,
// color images map to CIE L* lightness
func toGray(img image.Image) (width, height int, pixels []float32) {
	b := img.Bounds()
	width, height = b.Dx(), b.Dy()
	pixels = make([]float32, width*height)

	switch g := img.(type) {
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pixels[y*width+x] = float32(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pixels[y*width+x] = float32(g.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 257
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c, ok := colorful.MakeColor(img.At(b.Min.X+x, b.Min.Y+y))
				if !ok {
					continue // fully transparent
				}
				l, _, _ := c.Lab()
				if l > 1 {
					l = 1
				}
				pixels[y*width+x] = float32(255 * l)
			}
		}
	}
	return width, height, pixels
}

// Writes intensities in [0,255] as 8-bit grayscale PNG
func WriteGrayPNG(writer io.Writer, width, height int, pixels []float32) error {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := pixels[y*width+x]
			if math.IsNaN(float64(v)) || v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v + 0.5)})
		}
	}
	return png.Encode(writer, img)
}

func writeGrayPNGToFile(fileName string, width, height int, pixels []float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := bufio.NewWriter(file)
	if err := WriteGrayPNG(writer, width, height, pixels); err != nil {
		return err
	}
	return writer.Flush()
}

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

package winstats

import (
	"math"
	"testing"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/valyala/fastrand"
)

// Brute force 2D windowed mean with clamped borders
func bruteMean(data []float32, w, h, winsize int, squared bool) []float32 {
	r := winsize / 2
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := float64(0)
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					v := float64(data[clamp(y+dy, h)*w+clamp(x+dx, w)])
					if squared {
						v *= v
					}
					sum += v
				}
			}
			out[y*w+x] = float32(sum / float64(winsize*winsize))
		}
	}
	return out
}

func TestMeanMatchesBruteForce(t *testing.T) {
	c, err := compute.Open(compute.Options{Threads: 3})
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer c.Close()

	const w, h = 23, 17
	var rng fastrand.RNG
	rng.Seed(7)
	data := make([]float32, w*h)
	for i := range data {
		data[i] = float32(rng.Uint32n(256))
	}

	for _, winsize := range []int{1, 3, 5, 9} {
		for _, squared := range []bool{false, true} {
			err := c.Run("mean", func() error {
				src, tmp, dst := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
				src.Upload(data)
				Mean(c, dst, tmp, src, winsize, squared)
				got := dst.Download(nil)
				want := bruteMean(data, w, h, winsize, squared)
				for i := range want {
					if math.Abs(float64(got[i]-want[i])) > 1e-3+1e-5*math.Abs(float64(want[i])) {
						t.Errorf("winsize=%d squared=%v [%d]=%f; want %f", winsize, squared, i, got[i], want[i])
						break
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Run: %s", err)
			}
		}
	}
}

func TestStdDevOfConstantIsZero(t *testing.T) {
	c, err := compute.Open(compute.Options{})
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer c.Close()

	c.Run("std", func() error {
		src, tmp := compute.Floats(c, 8, 8), compute.Floats(c, 8, 8)
		mean, meanSq, std := compute.Floats(c, 8, 8), compute.Floats(c, 8, 8), compute.Floats(c, 8, 8)
		src.Fill(117)
		Mean(c, mean, tmp, src, 5, false)
		Mean(c, meanSq, tmp, src, 5, true)
		StdDev(c, std, mean, meanSq)
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				if m := mean.At(x, y); math.Abs(float64(m-117)) > 1e-3 {
					t.Errorf("mean(%d,%d)=%f; want 117", x, y, m)
				}
				if s := std.At(x, y); s > 1e-2 {
					t.Errorf("std(%d,%d)=%f; want 0", x, y, s)
				}
			}
		}
		return nil
	})
}

func TestStdDevOfCheckerboard(t *testing.T) {
	c, err := compute.Open(compute.Options{})
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer c.Close()

	// alternating 0/10 values. A 1x1 window has zero deviation
	c.Run("checker", func() error {
		const w, h = 16, 1
		src, tmp := compute.Floats(c, w, h), compute.Floats(c, w, h)
		mean, meanSq, std := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
		for x := 0; x < w; x++ {
			src.Set(x, 0, float32(10*(x%2)))
		}
		Mean(c, mean, tmp, src, 1, false)
		Mean(c, meanSq, tmp, src, 1, true)
		StdDev(c, std, mean, meanSq)
		if s := std.At(5, 0); s != 0 {
			t.Errorf("winsize=1 std=%f; want 0", s)
		}

		// interior pixel with a window of 9 covers 5 ones and 4 zeros or vice versa
		Mean(c, mean, tmp, src, 9, false)
		Mean(c, meanSq, tmp, src, 9, true)
		StdDev(c, std, mean, meanSq)
		want := math.Sqrt(100*5.0/9 - (50.0/9)*(50.0/9))
		if s := float64(std.At(7, 0)); math.Abs(s-want) > 1e-3 {
			t.Errorf("winsize=9 std=%f; want %f", s, want)
		}
		return nil
	})
}

func TestNaNPropagates(t *testing.T) {
	c, err := compute.Open(compute.Options{})
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer c.Close()

	c.Run("nan", func() error {
		const w, h = 11, 11
		src, tmp, dst := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
		src.Fill(1)
		src.Set(5, 5, float32(math.NaN()))
		Mean(c, dst, tmp, src, 3, false)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				touches := x >= 4 && x <= 6 && y >= 4 && y <= 6
				isNaN := math.IsNaN(float64(dst.At(x, y)))
				if touches != isNaN {
					t.Errorf("(%d,%d) NaN=%v; want %v", x, y, isNaN, touches)
				}
			}
		}
		return nil
	})
}

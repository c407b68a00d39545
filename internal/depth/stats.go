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
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// Statistics over the defined pixels of a depth map
type Stats struct {
	Total    int     // number of pixels
	Defined  int     // number of defined pixels
	Min      float32 // minimum defined depth
	Max      float32 // maximum defined depth
	Mean     float32 // mean defined depth
	StdDev   float32 // standard deviation of defined depths
	Median   float32 // median defined depth
	Dominant float32 // mode of a Gaussian fitted to the depth histogram
	Spread   float32 // standard deviation of the fitted Gaussian
}

func (s Stats) String() string {
	return fmt.Sprintf("defined %d/%d (%.1f%%) min %.4g max %.4g mean %.4g stddev %.4g median %.4g dominant %.4g spread %.4g",
		s.Defined, s.Total, 100*float32(s.Defined)/float32(s.Total),
		s.Min, s.Max, s.Mean, s.StdDev, s.Median, s.Dominant, s.Spread)
}

// Number of histogram bins used for locating the dominant depth
const statsBins = 256

// Calculates statistics over the defined pixels of the map
func (m *Map) Stats() (s Stats, err error) {
	s.Total = len(m.Data)
	defined := make([]float32, 0, len(m.Data))
	for _, d := range m.Data {
		if !math.IsNaN(float64(d)) {
			defined = append(defined, d)
		}
	}
	s.Defined = len(defined)
	if s.Defined == 0 {
		nan := float32(math.NaN())
		s.Min, s.Max, s.Mean, s.StdDev, s.Median, s.Dominant, s.Spread = nan, nan, nan, nan, nan, nan, nan
		return s, nil
	}

	vals := make([]float64, len(defined))
	s.Min, s.Max = defined[0], defined[0]
	for i, d := range defined {
		vals[i] = float64(d)
		if d < s.Min {
			s.Min = d
		}
		if d > s.Max {
			s.Max = d
		}
	}
	mean, std := stat.MeanStdDev(vals, nil)
	s.Mean, s.StdDev = float32(mean), float32(std)
	if len(vals) < 2 {
		s.StdDev = 0
	}
	s.Median = medianFloat32(defined)

	bins := make([]int32, statsBins)
	histogram(defined, m.ZNear, m.ZFar, bins)
	s.Dominant, s.Spread, err = modeStdDevFromHistogram(bins, m.ZNear, m.ZFar)
	return s, err
}

// Calculates a histogram of data between min and max into given bins. Values outside are clamped
func histogram(data []float32, min, max float32, bins []int32) {
	for i := range bins {
		bins[i] = 0
	}
	scale := float32(len(bins)) / (max - min)
	for _, d := range data {
		index := int((d - min) * scale)
		if index < 0 {
			index = 0
		} else if index >= len(bins) {
			index = len(bins) - 1
		}
		bins[index]++
	}
}

// Returns the center and the count of the fullest histogram bin
func histogramPeak(bins []int32, min, max float32) (x, y float32) {
	maxIndex, maxValue := 0, int32(math.MinInt32)
	for i, v := range bins {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}
	x = min + (float32(maxIndex)+0.5)*(max-min)/float32(len(bins))
	return x, float32(maxValue)
}

// Fits a normal distribution to the histogram, and returns its mode and standard deviation
func modeStdDevFromHistogram(bins []int32, min, max float32) (mode, stdDev float32, err error) {
	// educated initial guess: the fullest bin, one bin wide
	peak, peakVal := histogramPeak(bins, min, max)
	binWidth := float64(max-min) / float64(len(bins))

	x0 := []float64{float64(peakVal) * binWidth * math.Sqrt(2*math.Pi), float64(peak), binWidth}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := x[0], x[1], math.Abs(x[2])+1e-12
			scaler := alpha / (sigma * math.Sqrt(2*math.Pi))
			sumSqDiff := float64(0)
			for i, y := range bins {
				x := float64(min) + (float64(i)+0.5)*binWidth
				xmusig := (x - mu) / sigma
				diff := float64(y) - scaler*math.Exp(-0.5*xmusig*xmusig)
				sumSqDiff += diff * diff
			}
			return math.Sqrt(sumSqDiff / float64(len(bins)))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return peak, float32(binWidth), err
	}
	mode, stdDev = float32(result.X[1]), float32(math.Abs(result.X[2]))
	if mode < min || mode > max {
		return peak, float32(binWidth), nil // fit escaped the depth range, fall back to the peak
	}
	return mode, stdDev, nil
}

// Returns the median of a float32 slice, averaging the two middle elements for even lengths.
// Partially reorders the slice, which must not contain NaN
func medianFloat32(a []float32) float32 {
	n := len(a)
	hi := selectFloat32(a, n/2+1)
	if n&1 != 0 {
		return hi
	}
	// after selection, all elements left of the (n/2+1)-th position are <= hi
	lo := a[0]
	for _, v := range a[1 : n/2] {
		if v > lo {
			lo = v
		}
	}
	return 0.5 * (lo + hi)
}

// Selects the kth lowest element (1-based) of a float32 slice with quickselect.
// Partially reorders the slice, so that a[k-1] holds the result
func selectFloat32(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	k--
	for left < right {
		pivot := a[(left+right)>>1]
		l, r := left, right
		for l <= r {
			for a[l] < pivot {
				l++
			}
			for a[r] > pivot {
				r--
			}
			if l <= r {
				a[l], a[r] = a[r], a[l]
				l++
				r--
			}
		}
		switch {
		case k <= r:
			right = r
		case k >= l:
			left = l
		default:
			return a[k]
		}
	}
	return a[k]
}

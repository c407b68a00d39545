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

package sweep

import (
	"math"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/geom"
	"github.com/mlnoga/planesweep/internal/winstats"
)

// Per source view cost volume state. Sweeps all depth hypotheses for one view
// at a time and keeps the best NCC and its depth per reference pixel.
// Reference statistics are computed once and shared across views.
type costVolume struct {
	c   *compute.Context
	cfg Config

	ref     *compute.Buffer[float32] // reference intensities
	refMean *compute.Buffer[float32]
	refStd  *compute.Buffer[float32]

	src     *compute.Buffer[float32] // current source intensities
	warped  *compute.Buffer[float32] // source resampled through the plane homography, NaN outside
	prod    *compute.Buffer[float32] // ref*warped
	tmp     *compute.Buffer[float32]
	wMean   *compute.Buffer[float32]
	wStd    *compute.Buffer[float32] // holds the mean of squares until StdDev runs
	cross   *compute.Buffer[float32] // windowed mean of ref*warped
	ncc     *compute.Buffer[float32]

	best  *compute.Buffer[float32] // best NCC so far, -Inf initially
	depth *compute.Buffer[float32] // depth of the best NCC, NaN initially
}

func newCostVolume(c *compute.Context, cfg Config, ref *compute.Buffer[float32]) *costVolume {
	w, h := ref.Width, ref.Height
	cv := &costVolume{c: c, cfg: cfg, ref: ref}
	cv.refMean, cv.refStd, cv.tmp = compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
	cv.src, cv.warped, cv.prod = compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
	cv.wMean, cv.wStd, cv.cross = compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
	cv.ncc, cv.best, cv.depth = compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)

	// reference statistics, once
	winstats.Mean(c, cv.refMean, cv.tmp, ref, cfg.WinSize, false)
	winstats.Mean(c, cv.refStd, cv.tmp, ref, cfg.WinSize, true)
	winstats.StdDev(c, cv.refStd, cv.refMean, cv.refStd)
	return cv
}

// Resets the per view best NCC and depth
func (cv *costVolume) reset() {
	cv.best.Fill(float32(math.Inf(-1)))
	cv.depth.Fill(float32(math.NaN()))
}

// Sweeps all depth hypotheses in ascending order for the given source image
// and relative pose. Leaves the per pixel best NCC and depth in cv.best, cv.depth.
// Planes through the source camera center map the reference onto a line and are
// skipped. Returns the number of skipped planes
func (cv *costVolume) sweepView(pixels []float32, in geom.Intrinsics, rel geom.Pose) (skipped int) {
	cv.src.Upload(pixels)
	cv.reset()
	for k := 0; k < cv.cfg.NumberPlanes; k++ {
		d := cv.cfg.Depth(k)
		h := geom.PlaneHomography(in, rel, float64(d))
		if _, ok := h.Inverse(); !ok {
			skipped++
			continue
		}
		cv.evaluate(&h)
		cv.update(d)
	}
	return skipped
}

// Computes the NCC between reference and source warped through h for every pixel
func (cv *costVolume) evaluate(h *geom.Homography) {
	c, win := cv.c, cv.cfg.WinSize
	warp(c, cv.warped, cv.src, h)
	winstats.Mean(c, cv.wMean, cv.tmp, cv.warped, win, false)
	winstats.Mean(c, cv.wStd, cv.tmp, cv.warped, win, true)
	winstats.StdDev(c, cv.wStd, cv.wMean, cv.wStd)
	winstats.Product(c, cv.prod, cv.ref, cv.warped)
	winstats.Mean(c, cv.cross, cv.tmp, cv.prod, win, false)
	ncc(c, cv.ncc, cv.cross, cv.refMean, cv.refStd, cv.wMean, cv.wStd, cv.cfg.StdThresh)
}

// Keeps the strictly better NCC and its depth. Ties keep the earlier, nearer hypothesis
func (cv *costVolume) update(d float32) {
	cv.c.Rows("update", cv.best.Height, func(y int) {
		n, b, dd := cv.ncc.Row(y), cv.best.Row(y), cv.depth.Row(y)
		for x := range n {
			if n[x] > b[x] {
				b[x] = n[x]
				dd[x] = d
			}
		}
	})
}

// Resamples src through the homography into dst with bilinear interpolation.
// Samples outside the source image are NaN
func warp(c *compute.Context, dst, src *compute.Buffer[float32], h *geom.Homography) {
	nan := float32(math.NaN())
	c.Pixels("warp", dst.Width, dst.Height, func(x, y int) {
		xs, ys := h.Apply(float64(x), float64(y))
		dst.Set(x, y, compute.Bilinear(src, xs, ys, nan))
	})
}

// Normalized cross correlation from windowed statistics,
// (E[RW]-E[R]E[W])/(sigmaR sigmaW). Pixels where either deviation is below
// stdThresh, or any input is NaN, get NaN
func ncc(c *compute.Context, dst, cross, refMean, refStd, wMean, wStd *compute.Buffer[float32], stdThresh float32) {
	nan := float32(math.NaN())
	c.Rows("ncc", dst.Height, func(y int) {
		out := dst.Row(y)
		cr, rm, rs, wm, ws := cross.Row(y), refMean.Row(y), refStd.Row(y), wMean.Row(y), wStd.Row(y)
		for x := range out {
			if !(rs[x] >= stdThresh) || !(ws[x] >= stdThresh) || rs[x] == 0 || ws[x] == 0 {
				out[x] = nan
				continue
			}
			v := (cr[x] - rm[x]*wm[x]) / (rs[x] * ws[x])
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			out[x] = v // NaN propagates from cross or means
		}
	})
}

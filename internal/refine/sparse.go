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

package refine

import (
	"math"

	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/pkg/errors"
)

// Settings for TGV2 fusion of a sparse depth prior
type SparseParams struct {
	TensorParams
	NIter      int     `json:"niter"`
	Alpha0     float32 `json:"alpha0"`
	Alpha1     float32 `json:"alpha1"`
	Tau        float32 `json:"tau"`
	Sigma      float32 `json:"sigma"`
	Theta      float32 `json:"theta"`
	Confidence float32 `json:"confidence"` // data weight of valid prior samples

	// Optional per pixel confidence, replacing Confidence where the prior is valid
	Weights []float32 `json:"-"`
}

func DefaultSparseParams() SparseParams {
	return SparseParams{
		TensorParams: DefaultTensorParams(),
		NIter:        200,
		Alpha0:       2,
		Alpha1:       1,
		Tau:          0.28,
		Sigma:        0.28,
		Theta:        1,
		Confidence:   1,
	}
}

func (p *SparseParams) Validate() error {
	if err := p.TensorParams.Validate(); err != nil {
		return err
	}
	if p.NIter < 0 {
		return errors.Errorf("niter %d must not be negative", p.NIter)
	}
	if !(p.Alpha0 > 0) || !(p.Alpha1 > 0) {
		return errors.Errorf("weights alpha0 %g alpha1 %g must be positive", p.Alpha0, p.Alpha1)
	}
	if !(p.Tau > 0) || !(p.Sigma > 0) {
		return errors.Errorf("step sizes tau %g and sigma %g must be positive", p.Tau, p.Sigma)
	}
	if !(p.Theta >= 0 && p.Theta <= 1) {
		return errors.Errorf("theta %g outside [0,1]", p.Theta)
	}
	if !(p.Confidence >= 0) {
		return errors.Errorf("confidence %g must not be negative", p.Confidence)
	}
	return nil
}

// Returns the per pixel data weights. Prior samples that are undefined or not
// positive get weight zero, as do invalid per pixel confidences
func (p *SparseParams) weights(prior *depth.Map) ([]float32, error) {
	if p.Weights != nil && len(p.Weights) != len(prior.Data) {
		return nil, errors.Errorf("confidence has %d elements, prior has %d", len(p.Weights), len(prior.Data))
	}
	w := make([]float32, len(prior.Data))
	for i, d := range prior.Data {
		if math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) || !(d > 0) {
			continue
		}
		c := p.Confidence
		if p.Weights != nil {
			c = p.Weights[i]
		}
		if c > 0 && !math.IsInf(float64(c), 0) {
			w[i] = c
		}
	}
	return w, nil
}

// Solution of the sparse fusion problem in normalized depth units, with the
// auxiliary field and the data it was fitted to
type sparseSolution struct {
	width, height int
	u, v1, v2     []float32
	prior, weight []float32
}

// Fuses a sparse or noisy depth prior into a dense map by minimizing
// alpha1 |T(grad u - v)| + alpha0 |E v| + sum w/2 (u-D)^2 in normalized units,
// where D is the prior and w its confidence. Pixels with zero weight follow
// the regularizer only. The solver starts from initial when given, else from the
// prior where it has weight and the weighted prior mean elsewhere.
func TGVSparse(c *compute.Context, t *Tensor, initial, prior *depth.Map, p SparseParams) (*depth.Map, error) {
	sol, err := solveSparse(c, t, initial, prior, p)
	if err != nil {
		return nil, err
	}
	return depth.FromNormalized(sol.width, sol.height, sol.u, prior.ZNear, prior.ZFar), nil
}

func solveSparse(c *compute.Context, t *Tensor, initial, prior *depth.Map, p SparseParams) (*sparseSolution, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if prior == nil || len(prior.Data) == 0 {
		return nil, errors.New("no depth prior")
	}
	w, h := prior.Width, prior.Height
	if initial != nil && (initial.Width != w || initial.Height != h) {
		return nil, errors.Errorf("initial depth is %s, prior is %s", initial.DimensionsToString(), prior.DimensionsToString())
	}
	weight, err := p.weights(prior)
	if err != nil {
		return nil, err
	}
	d := prior.Normalized()

	start := make([]float32, len(d))
	if initial != nil {
		filled := initial.Filled(initial.MeanDefined(0.5*(prior.ZNear+prior.ZFar)))
		filled.ZNear, filled.ZFar = prior.ZNear, prior.ZFar
		start = filled.Normalized()
	} else {
		sum, sumW := float64(0), float64(0)
		for i, wt := range weight {
			if wt > 0 {
				sum += float64(wt) * float64(d[i])
				sumW += float64(wt)
			}
		}
		mean := float32(0.5)
		if sumW > 0 {
			mean = float32(sum / sumW)
		}
		for i, wt := range weight {
			if wt > 0 {
				start[i] = d[i]
			} else {
				start[i] = mean
			}
		}
	}

	sol := &sparseSolution{width: w, height: h, prior: d, weight: weight}
	err = c.Run("tgv sparse", func() error {
		t, err := tensorFor(c, t, w, h)
		if err != nil {
			return err
		}
		st := newTGVState(c, w, h)
		st.u.Upload(start)
		st.restart()
		db, wb := compute.Floats(c, w, h), compute.Floats(c, w, h)
		db.Upload(d)
		wb.Upload(weight)

		for it := 0; it < p.NIter; it++ {
			st.dual(c, t, p.Sigma, p.Alpha0, p.Alpha1, nil)
			st.primal(c, t, p.Tau, p.Theta, func(y int) func(x int, u float32) float32 {
				dr, wr := db.Row(y), wb.Row(y)
				return func(x int, u float32) float32 {
					if wr[x] == 0 {
						return u
					}
					tw := p.Tau * wr[x]
					return (u + tw*dr[x]) / (1 + tw)
				}
			})
		}

		sol.u, sol.v1, sol.v2 = st.u.Download(nil), st.v1.Download(nil), st.v2.Download(nil)
		st.release()
		db.Release()
		wb.Release()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sol, nil
}

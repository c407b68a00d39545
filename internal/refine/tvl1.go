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
	"github.com/mlnoga/planesweep/internal/compute"
	"github.com/mlnoga/planesweep/internal/depth"
	"github.com/pkg/errors"
)

// Settings for the single view TV-L1 denoiser
type TVL1Params struct {
	TensorParams
	NIter  int     `json:"niter"`  // fixed number of iterations, no convergence test
	Lambda float32 `json:"lambda"` // data term weight
	Tau    float32 `json:"tau"`    // primal step size
	Sigma  float32 `json:"sigma"`  // dual step size
	Theta  float32 `json:"theta"`  // over-relaxation
}

func DefaultTVL1Params() TVL1Params {
	return TVL1Params{
		TensorParams: DefaultTensorParams(),
		NIter:        200,
		Lambda:       1,
		Tau:          0.33,
		Sigma:        0.33,
		Theta:        1,
	}
}

func (p *TVL1Params) Validate() error {
	if err := p.TensorParams.Validate(); err != nil {
		return err
	}
	if p.NIter < 0 {
		return errors.Errorf("niter %d must not be negative", p.NIter)
	}
	if !(p.Lambda > 0) {
		return errors.Errorf("lambda %g must be positive", p.Lambda)
	}
	if !(p.Tau > 0) || !(p.Sigma > 0) {
		return errors.Errorf("step sizes tau %g and sigma %g must be positive", p.Tau, p.Sigma)
	}
	if !(p.Theta >= 0 && p.Theta <= 1) {
		return errors.Errorf("theta %g outside [0,1]", p.Theta)
	}
	return nil
}

// Checks that the tensor covers a width x height map, or substitutes the identity if nil
func tensorFor(c *compute.Context, t *Tensor, width, height int) (*Tensor, error) {
	if t == nil {
		return Isotropic(c, width, height), nil
	}
	if !t.T11.Valid() {
		return nil, errors.New("tensor buffers have been released")
	}
	if t.Width() != width || t.Height() != height {
		return nil, errors.Errorf("tensor is %dx%d, depth map is %dx%d", t.Width(), t.Height(), width, height)
	}
	return t, nil
}

// Denoises a raw depth map by minimizing sum |T grad u| + lambda sum |u-f| with the
// primal-dual algorithm of Chambolle and Pock. f is the raw map with undefined pixels
// set to zfar, normalized to [0,1]. The first iteration uses a dual step of 1+sigma.
// A nil tensor means isotropic regularization. With niter 0 a copy of the raw map
// is returned, undefined pixels included.
func TVL1(c *compute.Context, t *Tensor, raw *depth.Map, p TVL1Params) (*depth.Map, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if raw == nil || len(raw.Data) == 0 {
		return nil, errors.New("no raw depth map")
	}
	if p.NIter == 0 {
		return raw.Clone(), nil
	}
	filled := raw.Filled(raw.ZFar)

	var result *depth.Map
	err := c.Run("tvl1", func() error {
		w, h := raw.Width, raw.Height
		t, err := tensorFor(c, t, w, h)
		if err != nil {
			return err
		}
		f := compute.Floats(c, w, h)
		f.Upload(filled.Normalized())
		u, ubar := compute.Floats(c, w, h), compute.Floats(c, w, h)
		u.CopyFrom(f)
		ubar.CopyFrom(f)
		px, py, r := compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
		tpx, tpy := compute.Floats(c, w, h), compute.Floats(c, w, h)

		for it := 0; it < p.NIter; it++ {
			sigmaP := p.Sigma
			if it == 0 {
				sigmaP = 1 + p.Sigma
			}

			c.Rows("tvl1 dual", h, func(y int) {
				_, uc, un := rows3(ubar, y)
				t11, t12, t21, t22 := t.T11.Row(y), t.T12.Row(y), t.T21.Row(y), t.T22.Row(y)
				ax, ay, rr, ff := px.Row(y), py.Row(y), r.Row(y), f.Row(y)
				for x := range uc {
					gx, gy := applyT(t11, t12, t21, t22, x, dxf(uc, x), dyf(uc, un, x))
					ax[x], ay[x] = project2(ax[x]+sigmaP*gx, ay[x]+sigmaP*gy, 1)
					rr[x] = clamp(rr[x]+p.Sigma*(uc[x]-ff[x]), -p.Lambda, p.Lambda)
				}
			})

			tensorTransposed(c, t, tpx, tpy, px, py)

			c.Rows("tvl1 primal", h, func(y int) {
				a := tpx.Row(y)
				bp, bc, bn := rows3(tpy, y)
				uu, ub, rr := u.Row(y), ubar.Row(y), r.Row(y)
				for x := range uu {
					old := uu[x]
					uu[x] = old + p.Tau*(dxb(a, x)+dyb(bp, bc, bn, x)-rr[x])
					ub[x] = uu[x] + p.Theta*(uu[x]-old)
				}
			})
		}

		result = depth.FromNormalized(w, h, u.Download(nil), raw.ZNear, raw.ZFar)
		for _, b := range []buf{f, u, ubar, px, py, r, tpx, tpy} {
			b.Release()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

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
	"github.com/mlnoga/planesweep/internal/geom"
	"github.com/mlnoga/planesweep/internal/scene"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Settings for the multi-view TGV2 refiner
type TGVParams struct {
	TensorParams
	NIter        int     `json:"niter"`        // iterations per warp
	Warps        int     `json:"warps"`        // outer re-linearizations of the data term
	NumberImages int     `json:"numberimages"` // maximum number of source views to use
	ZNear        float32 `json:"znear"`
	ZFar         float32 `json:"zfar"`
	Lambda       float32 `json:"lambda"` // photometric data term weight
	Alpha0       float32 `json:"alpha0"` // second order weight
	Alpha1       float32 `json:"alpha1"` // first order weight
	Tau          float32 `json:"tau"`
	Sigma        float32 `json:"sigma"`
}

func DefaultTGVParams() TGVParams {
	return TGVParams{
		TensorParams: DefaultTensorParams(),
		NIter:        100,
		Warps:        5,
		NumberImages: 16,
		ZNear:        1,
		ZFar:         10,
		Lambda:       1,
		Alpha0:       2,
		Alpha1:       1,
		Tau:          0.2,
		Sigma:        0.2,
	}
}

func (p *TGVParams) Validate() error {
	if err := p.TensorParams.Validate(); err != nil {
		return err
	}
	if p.NIter < 0 || p.Warps < 1 {
		return errors.Errorf("niter %d must not be negative and warps %d must be positive", p.NIter, p.Warps)
	}
	if !(p.ZNear > 0) || !(p.ZFar > p.ZNear) {
		return errors.Errorf("depth range [%g,%g] must satisfy 0<znear<zfar", p.ZNear, p.ZFar)
	}
	if !(p.Lambda > 0) || !(p.Alpha0 > 0) || !(p.Alpha1 > 0) {
		return errors.Errorf("weights lambda %g alpha0 %g alpha1 %g must be positive", p.Lambda, p.Alpha0, p.Alpha1)
	}
	if !(p.Tau > 0) || !(p.Sigma > 0) {
		return errors.Errorf("step sizes tau %g and sigma %g must be positive", p.Tau, p.Sigma)
	}
	return nil
}

// Returns the number of source views used out of n available
func (p *TGVParams) viewsUsed(n int) int {
	k := p.NumberImages
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// Primal and dual fields of a TGV2 solver. u is the depth, (v1,v2) the auxiliary
// first order field, (px,py) the dual of T(grad u - v) and (qx,qy,qz,qw) the dual
// of the symmetrized gradient of v. Bars denote over-relaxed copies
type tgvState struct {
	u, ubar              *compute.Buffer[float32]
	v1, v2, v1bar, v2bar *compute.Buffer[float32]
	px, py               *compute.Buffer[float32]
	qx, qy, qz, qw       *compute.Buffer[float32]
	tpx, tpy, mix        *compute.Buffer[float32] // scratch for T^T p and (qz+qw)/2
}

func newTGVState(c *compute.Context, w, h int) *tgvState {
	f := func() buf { return compute.Floats(c, w, h) }
	return &tgvState{
		u: f(), ubar: f(),
		v1: f(), v2: f(), v1bar: f(), v2bar: f(),
		px: f(), py: f(),
		qx: f(), qy: f(), qz: f(), qw: f(),
		tpx: f(), tpy: f(), mix: f(),
	}
}

func (s *tgvState) buffers() []buf {
	return []buf{s.u, s.ubar, s.v1, s.v2, s.v1bar, s.v2bar, s.px, s.py, s.qx, s.qy, s.qz, s.qw, s.tpx, s.tpy, s.mix}
}

// Sets the over-relaxed primal to u and clears v and all duals
func (s *tgvState) restart() {
	s.ubar.CopyFrom(s.u)
	for _, b := range []buf{s.v1, s.v2, s.v1bar, s.v2bar, s.px, s.py, s.qx, s.qy, s.qz, s.qw} {
		b.Fill(0)
	}
}

func (s *tgvState) release() {
	for _, b := range s.buffers() {
		b.Release()
	}
}

// Dual ascent on p and q from the over-relaxed primals, with projection onto the
// alpha1 and alpha0 balls. Calls extra for every row, to update data term duals
func (s *tgvState) dual(c *compute.Context, t *Tensor, sigma, alpha0, alpha1 float32, extra func(y int, ubar []float32)) {
	c.Rows("tgv dual", s.u.Height, func(y int) {
		_, uc, un := rows3(s.ubar, y)
		_, ac, an := rows3(s.v1bar, y)
		_, bc, bn := rows3(s.v2bar, y)
		t11, t12, t21, t22 := t.T11.Row(y), t.T12.Row(y), t.T21.Row(y), t.T22.Row(y)
		px, py := s.px.Row(y), s.py.Row(y)
		qx, qy, qz, qw := s.qx.Row(y), s.qy.Row(y), s.qz.Row(y), s.qw.Row(y)
		for x := range uc {
			gx, gy := applyT(t11, t12, t21, t22, x, dxf(uc, x)-ac[x], dyf(uc, un, x)-bc[x])
			px[x], py[x] = project2(px[x]+sigma*gx, py[x]+sigma*gy, alpha1)

			m := 0.5 * (dyf(ac, an, x) + dxf(bc, x))
			qx[x], qy[x], qz[x], qw[x] = project4(qx[x]+sigma*dxf(ac, x), qy[x]+sigma*dyf(bc, bn, x),
				qz[x]+sigma*m, qw[x]+sigma*m, alpha0)
		}
		if extra != nil {
			extra(y, uc)
		}
	})
}

// A proximal step on the data term. Called once per row, returns the
// function mapping the descended u of pixel x to the new u
type proxRow func(y int) func(x int, u float32) float32

// Primal descent. Computes T^T p and the mixed dual mean, then applies the
// data term prox to the descended u. v and the over-relaxed copies are
// updated with factor theta
func (s *tgvState) primal(c *compute.Context, t *Tensor, tau, theta float32, prox proxRow) {
	tensorTransposed(c, t, s.tpx, s.tpy, s.px, s.py)
	mixedMean(c, s.mix, s.qz, s.qw)
	c.Rows("tgv primal", s.u.Height, func(y int) {
		a := s.tpx.Row(y)
		bp, bc, bn := rows3(s.tpy, y)
		qxc := s.qx.Row(y)
		yp, yc, yn := rows3(s.qy, y)
		mp, mc, mn := rows3(s.mix, y)
		uu, ub := s.u.Row(y), s.ubar.Row(y)
		pr := prox(y)
		v1, v2, v1b, v2b := s.v1.Row(y), s.v2.Row(y), s.v1bar.Row(y), s.v2bar.Row(y)
		for x := range uu {
			old := uu[x]
			uu[x] = pr(x, old+tau*(dxb(a, x)+dyb(bp, bc, bn, x)))
			ub[x] = uu[x] + theta*(uu[x]-old)

			e1, e2 := symGradientAdjoint(qxc, yp, yc, yn, mp, mc, mn, x)
			o1, o2 := v1[x], v2[x]
			v1[x] = o1 + tau*(a[x]-e1)
			v2[x] = o2 + tau*(bc[x]-e2)
			v1b[x] = v1[x] + theta*(v1[x]-o1)
			v2b[x] = v2[x] + theta*(v2[x]-o2)
		}
	})
}

// Linearized photometric data term of one source view around depth u0:
// I_src(x_s(u)) - I_ref ~ It + Iu (u-u0), intensities scaled to [0,1]
type dataTerm struct {
	it, iu, r *compute.Buffer[float32]
}

// Computes It and Iu for one source view. Pixels whose projection falls outside the
// source image or behind the camera get It = Iu = 0. src, gx, gy are scratch buffers
func linearize(c *compute.Context, in geom.Intrinsics, rel geom.Pose, ref, u0 buf, view *scene.View, src, gx, gy buf, d *dataTerm) {
	w, h := src.Width, src.Height
	src.Upload(view.Pixels)
	c.Rows("source gradient", h, func(y int) {
		up, cur, down := src.Row(clampIndex(y-1, h)), src.Row(y), src.Row(clampIndex(y+1, h))
		ox, oy := gx.Row(y), gy.Row(y)
		for x := range cur {
			ox[x] = 0.5 * (cur[clampIndex(x+1, w)] - cur[clampIndex(x-1, w)])
			oy[x] = 0.5 * (down[x] - up[x])
		}
	})

	k := in.K.RawMatrix().Data
	nan := float32(math.NaN())
	const inv255 = 1.0 / 255
	c.Rows("linearize", h, func(y int) {
		rr, uu, it, iu := ref.Row(y), u0.Row(y), d.it.Row(y), d.iu.Row(y)
		for x := range uu {
			it[x], iu[x] = 0, 0
			ray := in.Ray(float64(x), float64(y))
			xs := geom.TransformPoint(rel, ray.Mul(float64(uu[x])))
			if xs.Z <= 1e-9 {
				continue
			}
			sx, sy, ok := in.Project(xs)
			if !ok {
				continue
			}
			is := compute.Bilinear(src, sx, sy, nan)
			isx := compute.Bilinear(gx, sx, sy, nan)
			isy := compute.Bilinear(gy, sx, sy, nan)
			if math.IsNaN(float64(is)) || math.IsNaN(float64(isx)) || math.IsNaN(float64(isy)) {
				continue
			}

			// derivative of the projection with respect to the reference depth
			dx := geom.RotateVector(rel, ray)
			z2 := xs.Z * xs.Z
			a := (dx.X*xs.Z - xs.X*dx.Z) / z2
			b := (dx.Y*xs.Z - xs.Y*dx.Z) / z2
			dfx := float32(k[0]*a + k[1]*b)
			dfy := float32(k[4] * b)

			it[x] = (is - rr[x]) * inv255
			iu[x] = (isx*dfx + isy*dfy) * inv255
		}
	})
}

// Refines a depth map against all source views of the scene by minimizing
// alpha1 |T(grad u - v)| + alpha0 |E v| + lambda sum_i |It_i + Iu_i (u-u0)|,
// with E the symmetrized gradient. The photometric term is re-linearized around
// the current depth at the start of each warp. The solver starts from initial when
// given, with undefined pixels set to its mean, else from the middle of the depth
// range. A nil tensor means isotropic regularization.
func TGV(c *compute.Context, s *scene.Scene, t *Tensor, initial *depth.Map, p TGVParams) (*depth.Map, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w, h := s.Ref.Width, s.Ref.Height
	if initial != nil && (initial.Width != w || initial.Height != h) {
		return nil, errors.Errorf("initial depth is %s, reference is %s", initial.DimensionsToString(), s.Ref.DimensionsToString())
	}

	start := make([]float32, w*h)
	mid := 0.5 * (p.ZNear + p.ZFar)
	if initial != nil {
		fill := initial.MeanDefined(mid)
		for i, d := range initial.Data {
			if math.IsNaN(float64(d)) {
				d = fill
			}
			start[i] = clamp(d, p.ZNear, p.ZFar)
		}
	} else {
		for i := range start {
			start[i] = mid
		}
	}

	var result *depth.Map
	err := c.Run("tgv", func() error {
		sv, err := newTGVSolver(c, s, t, start, p)
		if err != nil {
			return err
		}
		for warp := 0; warp < p.Warps; warp++ {
			sv.relinearize()
			sv.iterate(p.NIter)
		}
		result, err = depth.FromData(w, h, sv.st.u.Download(nil), p.ZNear, p.ZFar)
		sv.release()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Multi-view TGV2 solver state. The photometric term is linearized around u0
type tgvSolver struct {
	c    *compute.Context
	s    *scene.Scene
	t    *Tensor
	p    TGVParams
	rels []geom.Pose
	st   *tgvState
	data []dataTerm

	ref, u0, src, gx, gy buf
}

// Allocates a solver starting from the given depths. Must run inside c.Run
func newTGVSolver(c *compute.Context, s *scene.Scene, t *Tensor, start []float32, p TGVParams) (*tgvSolver, error) {
	w, h := s.Ref.Width, s.Ref.Height
	t, err := tensorFor(c, t, w, h)
	if err != nil {
		return nil, err
	}
	sv := &tgvSolver{c: c, s: s, t: t, p: p, rels: make([]geom.Pose, p.viewsUsed(len(s.Sources)))}
	for i := range sv.rels {
		if sv.rels[i], err = s.Relative(i); err != nil {
			return nil, errors.Wrapf(err, "relative pose of view %d", i)
		}
	}

	sv.st = newTGVState(c, w, h)
	sv.st.u.Upload(start)
	sv.ref, sv.u0 = compute.Floats(c, w, h), compute.Floats(c, w, h)
	sv.ref.Upload(s.Ref.Pixels)
	sv.src, sv.gx, sv.gy = compute.Floats(c, w, h), compute.Floats(c, w, h), compute.Floats(c, w, h)
	sv.data = make([]dataTerm, len(sv.rels))
	for i := range sv.data {
		sv.data[i] = dataTerm{it: compute.Floats(c, w, h), iu: compute.Floats(c, w, h), r: compute.Floats(c, w, h)}
	}
	return sv, nil
}

// Starts a warp: linearizes the data term around the current depth and restarts
// the auxiliary field and all duals
func (sv *tgvSolver) relinearize() {
	sv.u0.CopyFrom(sv.st.u)
	sv.st.restart()
	for i := range sv.data {
		linearize(sv.c, sv.s.Intrinsics, sv.rels[i], sv.ref, sv.u0, sv.s.Sources[i], sv.src, sv.gx, sv.gy, &sv.data[i])
		sv.data[i].r.Fill(0)
	}
}

// Runs n primal-dual iterations against the current linearization
func (sv *tgvSolver) iterate(n int) {
	p, data, u0 := sv.p, sv.data, sv.u0
	for it := 0; it < n; it++ {
		sv.st.dual(sv.c, sv.t, p.Sigma, p.Alpha0, p.Alpha1, func(y int, ubar []float32) {
			base := u0.Row(y)
			for i := range data {
				itr, iur, rr := data[i].it.Row(y), data[i].iu.Row(y), data[i].r.Row(y)
				for x := range rr {
					rr[x] = clamp(rr[x]+p.Sigma*(itr[x]+iur[x]*(ubar[x]-base[x])), -p.Lambda, p.Lambda)
				}
			}
		})
		sv.st.primal(sv.c, sv.t, p.Tau, 1, func(y int) func(x int, u float32) float32 {
			iu, r := make([][]float32, len(data)), make([][]float32, len(data))
			for i := range data {
				iu[i], r[i] = data[i].iu.Row(y), data[i].r.Row(y)
			}
			return func(x int, u float32) float32 {
				var prodsum float32
				for i := range iu {
					prodsum += iu[i][x] * r[i][x]
				}
				return clamp(u-p.Tau*prodsum, p.ZNear, p.ZFar)
			}
		})
	}
}

// Returns the energy of the current solution for the current linearization,
// the TGV2 regularizer plus lambda sum_i |It_i + Iu_i (u-u0)|
func (sv *tgvSolver) energy() float64 {
	w, h := sv.u0.Width, sv.u0.Height
	u, u0 := sv.st.u.Download(nil), sv.u0.Download(nil)
	reg := TGVRegularizer(sv.t, u, sv.st.v1.Download(nil), sv.st.v2.Download(nil), w, h, sv.p.Alpha0, sv.p.Alpha1)
	data := make([]float64, len(sv.data))
	for i := range sv.data {
		it, iu := sv.data[i].it.Download(nil), sv.data[i].iu.Download(nil)
		for j := range u {
			data[i] += math.Abs(float64(it[j] + iu[j]*(u[j]-u0[j])))
		}
	}
	return reg + float64(sv.p.Lambda)*floats.Sum(data)
}

func (sv *tgvSolver) release() {
	sv.st.release()
	for _, b := range []buf{sv.ref, sv.u0, sv.src, sv.gx, sv.gy} {
		b.Release()
	}
	for i := range sv.data {
		sv.data[i].it.Release()
		sv.data[i].iu.Release()
		sv.data[i].r.Release()
	}
}

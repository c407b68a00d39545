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
	"github.com/mlnoga/planesweep/internal/scene"
	"github.com/pkg/errors"
)

// Settings for the edge aware diffusion tensor
type TensorParams struct {
	Beta  float32 `json:"beta"`  // edge sensitivity, larger values weaken smoothing across smaller gradients
	Gamma float32 `json:"gamma"` // minimum smoothing weight across edges, in (0,1]
}

func DefaultTensorParams() TensorParams {
	return TensorParams{Beta: 10, Gamma: 0.1}
}

func (p *TensorParams) Validate() error {
	if !(p.Beta >= 0) {
		return errors.Errorf("beta %g must not be negative", p.Beta)
	}
	if !(p.Gamma > 0 && p.Gamma <= 1) {
		return errors.Errorf("gamma %g outside (0,1]", p.Gamma)
	}
	return nil
}

// A per pixel 2x2 diffusion tensor [T11 T12; T21 T22]. Symmetric and
// positive definite, with eigenvalues in [gamma,1].
type Tensor struct {
	T11, T12, T21, T22 *compute.Buffer[float32]
}

func newTensor(c *compute.Context, width, height int) *Tensor {
	return &Tensor{
		T11: compute.Floats(c, width, height),
		T12: compute.Floats(c, width, height),
		T21: compute.Floats(c, width, height),
		T22: compute.Floats(c, width, height),
	}
}

func (t *Tensor) Width() int  { return t.T11.Width }
func (t *Tensor) Height() int { return t.T11.Height }

// Returns the identity tensor, which turns all regularizers isotropic
func Isotropic(c *compute.Context, width, height int) *Tensor {
	t := newTensor(c, width, height)
	t.T11.Fill(1)
	t.T22.Fill(1)
	return t
}

// Builds the anisotropic tensor from the reference image. With the image
// gradient g = |grad I| and normal n = grad I/g, on intensities scaled to [0,1],
// T = w n n^T + n' n'^T with w = gamma + (1-gamma) exp(-beta g) and n' orthogonal
// to n. Flat pixels with g < 1e-6 get the identity.
func NewTensor(c *compute.Context, ref *scene.View, p TensorParams) (*Tensor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if ref == nil || len(ref.Pixels) != ref.Width*ref.Height || ref.Width == 0 {
		return nil, errors.New("tensor needs a reference image")
	}
	var t *Tensor
	err := c.Run("tensor", func() error {
		w, h := ref.Width, ref.Height
		img := compute.Floats(c, w, h)
		img.Upload(ref.Pixels)
		t = newTensor(c, w, h)

		const inv255 = 1.0 / 255
		c.Rows("tensor", h, func(y int) {
			up, cur, down := img.Row(clampIndex(y-1, h)), img.Row(y), img.Row(clampIndex(y+1, h))
			t11, t12, t21, t22 := t.T11.Row(y), t.T12.Row(y), t.T21.Row(y), t.T22.Row(y)
			for x := range cur {
				gx := 0.5 * (cur[clampIndex(x+1, w)] - cur[clampIndex(x-1, w)]) * inv255
				gy := 0.5 * (down[x] - up[x]) * inv255
				g := math.Sqrt(float64(gx*gx + gy*gy))
				if g < 1e-6 {
					t11[x], t12[x], t21[x], t22[x] = 1, 0, 0, 1
					continue
				}
				nx, ny := float32(float64(gx)/g), float32(float64(gy)/g)
				wt := p.Gamma + (1-p.Gamma)*float32(math.Exp(-float64(p.Beta)*g))
				// n' = (-ny, nx)
				t11[x] = wt*nx*nx + ny*ny
				t12[x] = (wt - 1) * nx * ny
				t21[x] = t12[x]
				t22[x] = wt*ny*ny + nx*nx
			}
		})
		img.Release()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Applies the tensor to the vector field (a,b) at pixel x of row y, given the tensor rows
func applyT(t11, t12, t21, t22 []float32, x int, a, b float32) (float32, float32) {
	return t11[x]*a + t12[x]*b, t21[x]*a + t22[x]*b
}

// Applies the transposed tensor
func applyTT(t11, t12, t21, t22 []float32, x int, a, b float32) (float32, float32) {
	return t11[x]*a + t21[x]*b, t12[x]*a + t22[x]*b
}

// Computes T^T (px,py) into (ox,oy)
func tensorTransposed(c *compute.Context, t *Tensor, ox, oy, px, py buf) {
	c.Rows("tensorT", ox.Height, func(y int) {
		t11, t12, t21, t22 := t.T11.Row(y), t.T12.Row(y), t.T21.Row(y), t.T22.Row(y)
		a, b, oa, ob := px.Row(y), py.Row(y), ox.Row(y), oy.Row(y)
		for x := range oa {
			oa[x], ob[x] = applyTT(t11, t12, t21, t22, x, a[x], b[x])
		}
	})
}

func (t *Tensor) Release() {
	t.T11.Release()
	t.T12.Release()
	t.T21.Release()
	t.T22.Release()
}

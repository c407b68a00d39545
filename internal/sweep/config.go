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
	"github.com/pkg/errors"
)

// Plane sweep settings
type Config struct {
	WinSize      int     `json:"winsize"`      // odd NCC window size in pixels
	NumberPlanes int     `json:"numberplanes"` // number of depth hypotheses, at least 2
	ZNear        float32 `json:"znear"`        // nearest depth hypothesis
	ZFar         float32 `json:"zfar"`         // farthest depth hypothesis
	NumberImages int     `json:"numberimages"` // maximum number of source views to use
	NCCThresh    float32 `json:"nccthresh"`    // minimum best NCC for a view to vote
	StdThresh    float32 `json:"stdthresh"`    // minimum windowed intensity deviation
}

func DefaultConfig() Config {
	return Config{
		WinSize:      7,
		NumberPlanes: 64,
		ZNear:        1,
		ZFar:         10,
		NumberImages: 16,
		NCCThresh:    0.8,
		StdThresh:    1,
	}
}

// Checks the settings for consistency
func (c *Config) Validate() error {
	if c.WinSize < 1 || c.WinSize%2 == 0 {
		return errors.Errorf("winsize %d must be odd and positive", c.WinSize)
	}
	if c.NumberPlanes < 2 {
		return errors.Errorf("numberplanes %d must be at least 2", c.NumberPlanes)
	}
	if !(c.ZNear > 0) || !(c.ZFar > c.ZNear) {
		return errors.Errorf("depth range [%g,%g] must satisfy 0<znear<zfar", c.ZNear, c.ZFar)
	}
	if c.NCCThresh < -1 || c.NCCThresh > 1 {
		return errors.Errorf("nccthresh %g outside [-1,1]", c.NCCThresh)
	}
	if c.StdThresh < 0 {
		return errors.Errorf("stdthresh %g must not be negative", c.StdThresh)
	}
	return nil
}

// Returns the distance between neighboring depth hypotheses
func (c *Config) DStep() float32 {
	return (c.ZFar - c.ZNear) / float32(c.NumberPlanes-1)
}

// Returns the kth depth hypothesis, k in [0,NumberPlanes). Computed from
// the index, so that the last hypothesis is zfar up to rounding
func (c *Config) Depth(k int) float32 {
	if k == c.NumberPlanes-1 {
		return c.ZFar
	}
	return c.ZNear + float32(k)*c.DStep()
}

// Returns the number of source views used out of n available,
// min(max(numberimages,1), n)
func (c *Config) ViewsUsed(n int) int {
	k := c.NumberImages
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

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

package compute

import (
	"sync"
)

// A row kernel. Processes all pixels of row y
type RowKernel func(y int)

// A pixel kernel. Processes the pixel at (x,y)
type PixelKernel func(x, y int)

// Applies the given row kernel to rows [0,height). Splits into 8*Threads work
// packages and limits parallelism to Threads. Blocks until all rows are done,
// so consecutive kernels are strictly ordered. A panic inside the kernel is
// re-raised on the calling goroutine as a compute failure.
func (c *Context) Rows(kernel string, height int, k RowKernel) {
	if height <= 0 {
		return
	}
	numBatches := 8 * c.Threads
	batchSize := (height + numBatches - 1) / numBatches
	sem := make(chan bool, c.Threads)

	var once sync.Once
	var failure error

	for lower := 0; lower < height; lower += batchSize {
		upper := lower + batchSize
		if upper > height {
			upper = height
		}

		sem <- true
		go func(lower, upper int) {
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { failure = recovered(kernel, r) })
				}
				<-sem
			}()
			for y := lower; y < upper; y++ {
				k(y)
			}
		}(lower, upper)
	}

	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}

	if failure != nil {
		panic(failure)
	}
}

// Applies the given pixel kernel to all pixels of a width x height grid
func (c *Context) Pixels(kernel string, width, height int, k PixelKernel) {
	c.Rows(kernel, height, func(y int) {
		for x := 0; x < width; x++ {
			k(x, y)
		}
	})
}

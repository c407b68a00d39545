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
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
)

// Options for opening a compute context
type Options struct {
	Threads   int       // worker goroutines, 0=GOMAXPROCS
	ScratchMB int       // scratch memory budget in MiB, 0=unlimited up to physical memory
	Log       io.Writer // optional, receives the device description
}

// Interface for anything the context releases on reset
type releaser interface {
	drop() bool
}

// An explicit compute context. Owns all scratch buffers allocated through it.
// Acquire one per top-level operation with Open, and release it with Close.
// Not reentrant: kernels of one context must be dispatched from a single goroutine.
type Context struct {
	Brand    string // CPU brand string
	Threads  int    // worker goroutines used for kernel dispatch
	AVX2     bool   // CPU supports AVX2
	MemoryMB int    // physical memory in MiB

	mu         sync.Mutex
	generation atomic.Uint64
	buffers    []releaser
	scratch    int64
	budget     int64
	closed     bool
}

// Opens a compute context on the CPU. Fails with ErrResourceUnavailable if
// no cores are usable or the requested scratch budget exceeds physical memory.
func Open(o Options) (*Context, error) {
	threads := o.Threads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	if cores := cpuid.CPU.LogicalCores; cores > 0 && threads > cores {
		threads = cores
	}
	if threads <= 0 {
		return nil, errors.Wrap(ErrResourceUnavailable, "no usable cores")
	}
	memoryMB := int(memory.TotalMemory() / 1024 / 1024)
	if o.ScratchMB > 0 && memoryMB > 0 && o.ScratchMB > memoryMB {
		return nil, errors.Wrapf(ErrResourceUnavailable, "scratch budget %d MiB exceeds physical memory %d MiB", o.ScratchMB, memoryMB)
	}
	c := &Context{
		Brand:    cpuid.CPU.BrandName,
		Threads:  threads,
		AVX2:     cpuid.CPU.AVX2(),
		MemoryMB: memoryMB,
		budget:   int64(o.ScratchMB) * 1024 * 1024,
	}
	c.generation.Store(1)
	if o.Log != nil {
		fmt.Fprintf(o.Log, "Using %s with %d threads, AVX2=%v, %d MiB memory\n", c.Brand, c.Threads, c.AVX2, c.MemoryMB)
	}
	return c, nil
}

// Returns the current buffer generation. Buffers from older generations are stale
func (c *Context) Generation() uint64 {
	return c.generation.Load()
}

// Returns the scratch memory currently allocated, in bytes
func (c *Context) Scratch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scratch
}

// Accounts for a new allocation. Raises a failure if closed or over budget
func (c *Context) reserve(bytes int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		raise("alloc", 2, "context is closed")
	}
	if c.budget > 0 && c.scratch+bytes > c.budget {
		raise("alloc", 2, "out of scratch memory, %d of %d bytes in use, %d requested", c.scratch, c.budget, bytes)
	}
	c.scratch += bytes
	return c.generation.Load()
}

func (c *Context) free(bytes int64) {
	c.mu.Lock()
	c.scratch -= bytes
	c.mu.Unlock()
}

func (c *Context) track(r releaser) {
	c.mu.Lock()
	c.buffers = append(c.buffers, r)
	c.mu.Unlock()
}

// Releases all buffers allocated on this context and invalidates outstanding
// handles. The context remains usable for new allocations.
func (c *Context) Reset() {
	c.mu.Lock()
	buffers := c.buffers
	c.buffers = nil
	c.scratch = 0
	c.generation.Add(1)
	c.mu.Unlock()
	for _, b := range buffers {
		b.drop()
	}
}

// Releases all buffers and closes the context. Idempotent
func (c *Context) Close() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Runs the given stage, converting compute failures raised inside it
// into an error. On failure the context is reset, releasing all buffers.
func (c *Context) Run(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(stage, r)
			c.Reset()
		}
	}()
	if err = fn(); err != nil {
		c.Reset()
	}
	return err
}

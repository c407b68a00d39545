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
	"runtime"
	"sync"
)

// Pool of constant sized slabs of a given element type, to reduce memory allocation
// overhead across repeated sweeps and solver runs. Keyed by slab length.
type slabPool[T Element] struct {
	sync.RWMutex
	m map[int]*sync.Pool
}

func newSlabPool[T Element]() *slabPool[T] {
	return &slabPool[T]{m: make(map[int]*sync.Pool)}
}

// Returns the pool for slabs of the given size, creating it on first use
func (p *slabPool[T]) sized(size int) *sync.Pool {
	p.RLock()
	pool := p.m[size]
	p.RUnlock()
	if pool == nil {
		pool = &sync.Pool{
			New: func() interface{} {
				return make([]T, size)
			},
		}
		p.Lock()
		p.m[size] = pool
		p.Unlock()
	}
	return pool
}

// Returns a zeroed slab of the given size
func (p *slabPool[T]) get(size int) []T {
	s := p.sized(size).Get().([]T)
	clear(s)
	return s
}

func (p *slabPool[T]) put(s []T) {
	if cap(s) == 0 {
		return
	}
	p.sized(cap(s)).Put(s[:cap(s)])
}

func (p *slabPool[T]) clear() {
	p.Lock()
	p.m = make(map[int]*sync.Pool)
	p.Unlock()
}

var (
	poolFloat32 = newSlabPool[float32]()
	poolUint8   = newSlabPool[uint8]()
)

// Returns a zeroed slab of the given element type and size from the pools
func getSlab[T Element](size int) []T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(poolFloat32.get(size)).([]T)
	default:
		return any(poolUint8.get(size)).([]T)
	}
}

// Returns a slab to the pools
func putSlab[T Element](s []T) {
	switch v := any(s).(type) {
	case []float32:
		poolFloat32.put(v)
	case []uint8:
		poolUint8.put(v)
	}
}

// Clears all memory pools and triggers garbage collection
func ClearPools() {
	poolFloat32.clear()
	poolUint8.clear()
	runtime.GC()
}

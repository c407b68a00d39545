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
	"unsafe"
)

// Element types storable in a buffer
type Element interface {
	float32 | uint8
}

// Memory kind of a buffer. Device buffers use a padded row pitch,
// host and managed buffers are densely packed.
type Kind int

const (
	Host Kind = iota
	Device
	Managed
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Device:
		return "device"
	case Managed:
		return "managed"
	}
	return "unknown"
}

// Row pitch alignment of device buffers, in elements
const deviceAlign = 16

// A 2D buffer of elements, owned by a compute context. Rows are Pitch elements apart.
// All buffers of a context are released when the context is reset or closed;
// access to a released buffer raises a compute failure.
type Buffer[T Element] struct {
	Width  int
	Height int
	Pitch  int
	Kind   Kind
	data   []T
	ctx    *Context
	gen    uint64
	bytes  int64
}

// Allocates a zeroed buffer of the given dimensions and kind on the context.
// Raises a failure if the context is closed or the scratch budget is exceeded.
func Alloc[T Element](c *Context, width, height int, kind Kind) *Buffer[T] {
	if width <= 0 || height <= 0 {
		raise("alloc", 1, "invalid buffer dimensions %dx%d", width, height)
	}
	pitch := width
	if kind == Device {
		pitch = (width + deviceAlign - 1) / deviceAlign * deviceAlign
	}
	var zero T
	bytes := int64(pitch) * int64(height) * int64(unsafe.Sizeof(zero))
	gen := c.reserve(bytes)
	b := &Buffer[T]{
		Width:  width,
		Height: height,
		Pitch:  pitch,
		Kind:   kind,
		data:   getSlab[T](pitch * height),
		ctx:    c,
		gen:    gen,
		bytes:  bytes,
	}
	c.track(b)
	return b
}

// Allocates a float32 device buffer. Shorthand used by the kernels
func Floats(c *Context, width, height int) *Buffer[float32] {
	return Alloc[float32](c, width, height, Device)
}

func (b *Buffer[T]) check(op string) {
	if b.data == nil || b.gen != b.ctx.Generation() {
		raise(op, 2, "use of released %dx%d %s buffer", b.Width, b.Height, b.Kind)
	}
}

// Returns the given row, Width elements long
func (b *Buffer[T]) Row(y int) []T {
	b.check("row")
	o := y * b.Pitch
	return b.data[o : o+b.Width]
}

// Returns the element at (x,y)
func (b *Buffer[T]) At(x, y int) T {
	b.check("at")
	return b.data[y*b.Pitch+x]
}

// Sets the element at (x,y)
func (b *Buffer[T]) Set(x, y int, v T) {
	b.check("set")
	b.data[y*b.Pitch+x] = v
}

// Sets all elements to the given value
func (b *Buffer[T]) Fill(v T) {
	b.check("fill")
	for y := 0; y < b.Height; y++ {
		row := b.data[y*b.Pitch : y*b.Pitch+b.Width]
		for x := range row {
			row[x] = v
		}
	}
}

// Copies the contents of another buffer of identical dimensions, honoring both pitches
func (b *Buffer[T]) CopyFrom(src *Buffer[T]) {
	b.check("copy")
	src.check("copy")
	if src.Width != b.Width || src.Height != b.Height {
		raise("copy", 1, "dimension mismatch %dx%d vs %dx%d", src.Width, src.Height, b.Width, b.Height)
	}
	for y := 0; y < b.Height; y++ {
		copy(b.data[y*b.Pitch:y*b.Pitch+b.Width], src.data[y*src.Pitch:y*src.Pitch+src.Width])
	}
}

// Uploads densely packed row-major host data into the buffer
func (b *Buffer[T]) Upload(src []T) {
	b.check("upload")
	if len(src) != b.Width*b.Height {
		raise("upload", 1, "host data has %d elements, want %d", len(src), b.Width*b.Height)
	}
	for y := 0; y < b.Height; y++ {
		copy(b.data[y*b.Pitch:y*b.Pitch+b.Width], src[y*b.Width:(y+1)*b.Width])
	}
}

// Downloads the buffer into densely packed row-major host data. Allocates if dst is nil
func (b *Buffer[T]) Download(dst []T) []T {
	b.check("download")
	if dst == nil {
		dst = make([]T, b.Width*b.Height)
	}
	if len(dst) != b.Width*b.Height {
		raise("download", 1, "host data has %d elements, want %d", len(dst), b.Width*b.Height)
	}
	for y := 0; y < b.Height; y++ {
		copy(dst[y*b.Width:(y+1)*b.Width], b.data[y*b.Pitch:y*b.Pitch+b.Width])
	}
	return dst
}

// Releases the buffer memory back to the pools. Idempotent
func (b *Buffer[T]) Release() {
	if b.drop() {
		b.ctx.free(b.bytes)
	}
}

// Returns the slab to the pools without touching the context accounting.
// Returns false if the buffer was already released.
func (b *Buffer[T]) drop() bool {
	if b.data == nil {
		return false
	}
	putSlab(b.data)
	b.data = nil
	return true
}

// Returns true if the buffer has not been released
func (b *Buffer[T]) Valid() bool {
	return b.data != nil && b.gen == b.ctx.Generation()
}

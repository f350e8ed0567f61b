/*
Copyright 2025 The goARRG Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package buffer is the compute-buffer abstraction (C5): a thin,
// noCopy-guarded wrapper over a backend.Device buffer handle that tracks
// its own size, kind, visibility and mapped state the way the reference's
// ComputeBuffer wraps a VkBuffer/VmaAllocation pair.
package buffer

import (
	"fmt"
	"sync"

	"goarrg.com/debug"

	"github.com/vxgpu/compute/backend"
	"github.com/vxgpu/compute/internal/util"
)

var logger = debug.NewLogger("compute", "buffer")

type Kind = backend.BufferKind
type Visibility = backend.BufferVisibility

const (
	KindUniform = backend.BufferKindUniform
	KindStorage = backend.BufferKindStorage

	VisibilityShared      = backend.BufferVisibilityShared
	VisibilityDeviceLocal = backend.BufferVisibilityDeviceLocal
)

// Buffer is a resizable compute buffer bound to one backend.Device. It is
// not safe to copy; embed util.NoCopy catches accidental by-value use.
type Buffer struct {
	util.NoCopy

	mu         sync.Mutex
	device     backend.Device
	kind       Kind
	visibility Visibility

	handle    backend.BufferHandle
	allocated bool
	size      uint64

	mapped      []byte
	sizeChanged bool
}

// New constructs an unallocated buffer. Call Resize (or Allocate) before
// use.
func New(device backend.Device, kind Kind, visibility Visibility) *Buffer {
	b := &Buffer{device: device, kind: kind, visibility: visibility}
	b.Init()
	return b
}

// Allocate is a convenience for New(device, kind, visibility) followed by
// Resize(size).
func Allocate(device backend.Device, kind Kind, visibility Visibility, size uint64) (*Buffer, error) {
	b := New(device, kind, visibility)
	if err := b.Resize(size); err != nil {
		return nil, err
	}
	return b, nil
}

// Resize (re)allocates the backing buffer to exactly size bytes and flags
// a size change. Every call reallocates, including one with the current
// size; there is no slack capacity, mirroring the reference's VMA-backed
// ComputeBuffer::resize.
func (b *Buffer) Resize(size uint64) error {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allocated {
		if b.mapped != nil {
			b.device.UnmapBuffer(b.handle)
			b.mapped = nil
		}
		b.device.DestroyBuffer(b.handle)
		b.allocated = false
	}

	handle, err := b.device.CreateBuffer(size, b.kind, b.visibility)
	if err != nil {
		return fmt.Errorf("buffer: resize to %d bytes: %w", size, err)
	}

	b.handle = handle
	b.size = size
	b.allocated = true
	b.sizeChanged = true
	return nil
}

// Map returns the buffer's host-visible memory. Only valid for buffers
// created with VisibilityShared.
func (b *Buffer) Map() ([]byte, error) {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.allocated {
		return nil, fmt.Errorf("buffer: map of unallocated buffer")
	}
	if b.mapped != nil {
		return b.mapped, nil
	}

	data, err := b.device.MapBuffer(b.handle)
	if err != nil {
		return nil, fmt.Errorf("buffer: map: %w", err)
	}
	b.mapped = data
	return data, nil
}

// Unmap releases any host mapping. Safe to call on an unmapped buffer.
func (b *Buffer) Unmap() {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mapped == nil {
		return
	}
	b.device.UnmapBuffer(b.handle)
	b.mapped = nil
}

// Handle returns the backend handle for binding into a descriptor set.
func (b *Buffer) Handle() backend.BufferHandle {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

func (b *Buffer) Size() uint64 {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Kind() Kind { return b.kind }

func (b *Buffer) Visibility() Visibility { return b.visibility }

// ConsumeSizeChanged reports whether the buffer has been reallocated since
// the last call and clears the flag. Callers that cache a descriptor write
// or a recorded command buffer use this to know when they must re-bind.
func (b *Buffer) ConsumeSizeChanged() bool {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := b.sizeChanged
	b.sizeChanged = false
	return changed
}

// Destroy releases the backend buffer. The Buffer must not be used again.
func (b *Buffer) Destroy() {
	b.Check()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.allocated {
		b.Close()
		return
	}
	if b.mapped != nil {
		b.device.UnmapBuffer(b.handle)
		b.mapped = nil
	}
	b.device.DestroyBuffer(b.handle)
	b.allocated = false
	b.Close()
}

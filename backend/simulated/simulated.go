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

// Package simulated is a deterministic, CPU-only implementation of the
// backend.Instance/Device contract (C4). It exists so the dispatcher's
// concurrency, refcounting and lifecycle logic can be exercised in tests
// without a real GPU, mirroring how the reference's own test suite
// (compute_tests.cpp) drives ComputeJob against a real but single,
// deterministic Vulkan device.
//
// A "shader module" here is not SPIR-V: it is a kernel name, registered
// with RegisterKernel, encoded to a word stream with EncodeKernelID the
// same way shaderbin encodes any other byte stream. Submit executes the
// registered kernel synchronously against the bound buffers and signals
// the fence immediately, so WaitFence never actually blocks.
package simulated

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/vxgpu/compute/backend"
)

// Kernel is a CPU stand-in for a compute shader's main(): it receives the
// buffers bound at each binding slot and the dispatched workgroup count.
type Kernel func(buffers map[uint32][]byte, wgX, wgY, wgZ uint32)

var (
	registryMu sync.Mutex
	registry   = map[string]Kernel{}
)

// RegisterKernel makes a kernel available to shader modules created from
// EncodeKernelID(name).
func RegisterKernel(name string, k Kernel) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = k
}

func lookupKernel(name string) (Kernel, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	k, ok := registry[name]
	return k, ok
}

// EncodeKernelID packs a kernel name into the []uint32 word stream shape
// the backend.Device.CreateShaderModule contract expects, zero-padded to
// a 4-byte boundary exactly like shaderbin.Load does for real bytecode.
func EncodeKernelID(name string) []uint32 {
	data := []byte(name)
	if pad := len(data) % 4; pad != 0 {
		data = append(data, make([]byte, 4-pad)...)
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words
}

func decodeKernelID(code []uint32) string {
	data := make([]byte, len(code)*4)
	for i, w := range code {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return string(data)
}

type Instance struct {
	devices []backend.DeviceInfo
}

// NewInstance returns a backend.Instance exposing one simulated device.
func NewInstance() backend.Instance {
	return &Instance{
		devices: []backend.DeviceInfo{
			{
				Index: 0,
				Name:  "Simulated Compute Device",
				Limits: backend.DeviceLimits{
					MaxLocalSize:           [3]uint32{1024, 1024, 64},
					MaxDispatchSize:        [3]uint32{65535, 65535, 65535},
					MaxBoundDescriptorSets: 4,
				},
			},
		},
	}
}

func (i *Instance) EnumerateDevices() ([]backend.DeviceInfo, error) {
	return i.devices, nil
}

func (i *Instance) CreateDevice(deviceIndex uint32, maxJobs uint32) (backend.Device, error) {
	for _, d := range i.devices {
		if d.Index == deviceIndex {
			return newDevice(d), nil
		}
	}
	return nil, fmt.Errorf("simulated: no device at index %d", deviceIndex)
}

func (i *Instance) Close() error { return nil }

type bufferState struct {
	data       []byte
	kind       backend.BufferKind
	visibility backend.BufferVisibility
}

type pipelineState struct {
	kernel Kernel
}

type descriptorSetState struct {
	mu     sync.Mutex
	writes map[uint32]backend.DescriptorWrite
}

type commandBufferState struct {
	mu            sync.Mutex
	recorded      bool
	layout        backend.PipelineLayoutHandle
	pipeline      *pipelineState
	set           *descriptorSetState
	wgX, wgY, wgZ uint32
}

type fenceState struct {
	mu        sync.Mutex
	signalled bool
}

type device struct {
	info backend.DeviceInfo

	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64]*bufferState
}

func newDevice(info backend.DeviceInfo) *device {
	return &device{info: info, buffers: map[uint64]*bufferState{}}
}

func (d *device) Info() backend.DeviceInfo { return d.info }

func (d *device) id() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *device) CreateBuffer(size uint64, kind backend.BufferKind, visibility backend.BufferVisibility) (backend.BufferHandle, error) {
	id := d.id()
	b := &bufferState{data: make([]byte, size), kind: kind, visibility: visibility}
	d.mu.Lock()
	d.buffers[id] = b
	d.mu.Unlock()
	return id, nil
}

func (d *device) DestroyBuffer(h backend.BufferHandle) {
	d.mu.Lock()
	delete(d.buffers, h.(uint64))
	d.mu.Unlock()
}

func (d *device) lookupBuffer(h backend.BufferHandle) *bufferState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[h.(uint64)]
}

func (d *device) MapBuffer(h backend.BufferHandle) ([]byte, error) {
	b := d.lookupBuffer(h)
	if b == nil {
		return nil, fmt.Errorf("simulated: unknown buffer handle")
	}
	return b.data, nil
}

func (d *device) UnmapBuffer(backend.BufferHandle) {}

func (d *device) CreateShaderModule(code []uint32) (backend.ShaderModuleHandle, error) {
	name := decodeKernelID(code)
	if _, ok := lookupKernel(name); !ok {
		return nil, fmt.Errorf("simulated: no kernel registered for %q", name)
	}
	return name, nil
}

func (d *device) DestroyShaderModule(backend.ShaderModuleHandle) {}

func (d *device) CreateDescriptorSetLayout(bindings []backend.DescriptorBinding) (backend.DescriptorSetLayoutHandle, error) {
	return bindings, nil
}

func (d *device) DestroyDescriptorSetLayout(backend.DescriptorSetLayoutHandle) {}

func (d *device) CreatePipeline(module backend.ShaderModuleHandle, layout backend.DescriptorSetLayoutHandle) (backend.PipelineLayoutHandle, backend.PipelineHandle, error) {
	name := module.(string)
	kernel, ok := lookupKernel(name)
	if !ok {
		return nil, nil, fmt.Errorf("simulated: no kernel registered for %q", name)
	}
	return layout, &pipelineState{kernel: kernel}, nil
}

func (d *device) DestroyPipeline(backend.PipelineHandle)       {}
func (d *device) DestroyPipelineLayout(backend.PipelineLayoutHandle) {}

func (d *device) AllocateDescriptorSet(layout backend.DescriptorSetLayoutHandle) (backend.DescriptorSetHandle, error) {
	return &descriptorSetState{writes: map[uint32]backend.DescriptorWrite{}}, nil
}

func (d *device) UpdateDescriptorSet(set backend.DescriptorSetHandle, writes []backend.DescriptorWrite) {
	s := set.(*descriptorSetState)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		s.writes[w.Binding] = w
	}
}

func (d *device) FreeDescriptorSet(backend.DescriptorSetHandle) {}

func (d *device) AllocateCommandBuffer() (backend.CommandBufferHandle, error) {
	return &commandBufferState{}, nil
}

func (d *device) ResetCommandBuffer(cb backend.CommandBufferHandle) {
	c := cb.(*commandBufferState)
	c.mu.Lock()
	c.recorded = false
	c.mu.Unlock()
}

func (d *device) RecordDispatch(cb backend.CommandBufferHandle, layout backend.PipelineLayoutHandle, pipeline backend.PipelineHandle, set backend.DescriptorSetHandle, wgX, wgY, wgZ uint32) error {
	c := cb.(*commandBufferState)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layout = layout
	c.pipeline = pipeline.(*pipelineState)
	c.set = set.(*descriptorSetState)
	c.wgX, c.wgY, c.wgZ = wgX, wgY, wgZ
	c.recorded = true
	return nil
}

func (d *device) FreeCommandBuffer(backend.CommandBufferHandle) {}

func (d *device) CreateFence() (backend.FenceHandle, error) {
	return &fenceState{}, nil
}

func (d *device) ResetFence(f backend.FenceHandle) {
	fs := f.(*fenceState)
	fs.mu.Lock()
	fs.signalled = false
	fs.mu.Unlock()
}

func (d *device) WaitFence(f backend.FenceHandle, timeout time.Duration) (backend.WaitResult, error) {
	fs := f.(*fenceState)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.signalled {
		return backend.WaitOk, nil
	}
	return backend.WaitTimeout, nil
}

func (d *device) DestroyFence(backend.FenceHandle) {}

// Submit runs the command buffer's kernel synchronously against the
// buffers bound in its descriptor set and signals fence. The caller (the
// compute core) is responsible for serializing calls to Submit.
func (d *device) Submit(cb backend.CommandBufferHandle, fence backend.FenceHandle) error {
	c := cb.(*commandBufferState)
	c.mu.Lock()
	if !c.recorded {
		c.mu.Unlock()
		return fmt.Errorf("simulated: command buffer has no recorded dispatch")
	}
	kernel := c.pipeline.kernel
	set := c.set
	wgX, wgY, wgZ := c.wgX, c.wgY, c.wgZ
	c.mu.Unlock()

	set.mu.Lock()
	buffers := make(map[uint32][]byte, len(set.writes))
	for binding, w := range set.writes {
		b := d.lookupBuffer(w.Buffer)
		if b != nil {
			buffers[binding] = b.data
		}
	}
	set.mu.Unlock()

	kernel(buffers, wgX, wgY, wgZ)

	fs := fence.(*fenceState)
	fs.mu.Lock()
	fs.signalled = true
	fs.mu.Unlock()
	return nil
}

func (d *device) Close() error { return nil }

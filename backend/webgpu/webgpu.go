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

// Package webgpu implements the backend.Instance/Device contract (C4) on
// top of github.com/openfluke/webgpu, the way the reference binds the
// same seam to Vulkan. Adapter/device selection takes the enumerated
// adapter at the requested index; when there is none it follows the
// fallback chain openfluke-loom/gpu/context.go uses (prefer an NVIDIA
// adapter by name match, then high-performance, then low-power, then
// whatever the platform hands back); buffer mapping follows
// gpu/buffer.go's MapAsync-then-poll pattern.
package webgpu

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/vxgpu/compute/backend"
)

type Instance struct {
	inst *wgpu.Instance
}

// NewInstance creates the shared wgpu.Instance. enableValidation is not
// used: no backend-side diagnostic logging or validation is enabled,
// whatever its value.
func NewInstance(enableValidation bool) (backend.Instance, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("webgpu: failed to create instance")
	}
	return &Instance{inst: inst}, nil
}

func (i *Instance) adapters() []*wgpu.Adapter {
	return i.inst.EnumerateAdapters(nil)
}

func (i *Instance) EnumerateDevices() ([]backend.DeviceInfo, error) {
	adapters := i.adapters()
	infos := make([]backend.DeviceInfo, len(adapters))
	for idx, a := range adapters {
		info := a.GetInfo()
		limits := a.GetLimits()
		infos[idx] = backend.DeviceInfo{
			Index: uint32(idx),
			Name:  fmt.Sprintf("%s (%s)", info.Name, info.VendorName),
			Limits: backend.DeviceLimits{
				MaxLocalSize:           [3]uint32{uint32(limits.MaxComputeWorkgroupSizeX), uint32(limits.MaxComputeWorkgroupSizeY), uint32(limits.MaxComputeWorkgroupSizeZ)},
				MaxDispatchSize:        [3]uint32{limits.MaxComputeWorkgroupsPerDimension, limits.MaxComputeWorkgroupsPerDimension, limits.MaxComputeWorkgroupsPerDimension},
				MaxBoundDescriptorSets: limits.MaxBindGroups,
			},
		}
	}
	return infos, nil
}

// selectAdapter returns the enumerated adapter at deviceIndex when one
// exists. Otherwise it mirrors gpu/context.go's fallback chain: an NVIDIA
// adapter found by name, else high-performance, else low-power, else
// whatever the platform defaults to.
func (i *Instance) selectAdapter(deviceIndex uint32) (*wgpu.Adapter, error) {
	adapters := i.adapters()
	if int(deviceIndex) < len(adapters) {
		return adapters[deviceIndex], nil
	}

	for _, a := range adapters {
		info := a.GetInfo()
		if strings.Contains(strings.ToLower(info.Name), "nvidia") || strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			return a, nil
		}
	}

	if a, err := i.inst.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance}); err == nil && a != nil {
		return a, nil
	}
	if a, err := i.inst.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceLowPower}); err == nil && a != nil {
		return a, nil
	}
	a, err := i.inst.RequestAdapter(nil)
	if err != nil || a == nil {
		return nil, fmt.Errorf("webgpu: no adapter available: %w", err)
	}
	return a, nil
}

func (i *Instance) CreateDevice(deviceIndex uint32, maxJobs uint32) (backend.Device, error) {
	adapter, err := i.selectAdapter(deviceIndex)
	if err != nil {
		return nil, err
	}

	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}

	info := adapter.GetInfo()
	return &device{
		dev:   dev,
		queue: dev.GetQueue(),
		info: backend.DeviceInfo{
			Index: deviceIndex,
			Name:  fmt.Sprintf("%s (%s)", info.Name, info.VendorName),
		},
	}, nil
}

func (i *Instance) Close() error { return nil }

type bufferHandle struct {
	buf  *wgpu.Buffer
	size uint64
}

type device struct {
	dev   *wgpu.Device
	queue *wgpu.Queue
	info  backend.DeviceInfo
}

func (d *device) Info() backend.DeviceInfo { return d.info }

func usageFor(kind backend.BufferKind, visibility backend.BufferVisibility) wgpu.BufferUsage {
	usage := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	switch kind {
	case backend.BufferKindUniform:
		usage |= wgpu.BufferUsageUniform
	case backend.BufferKindStorage:
		usage |= wgpu.BufferUsageStorage
	}
	if visibility == backend.BufferVisibilityShared {
		usage |= wgpu.BufferUsageMapRead | wgpu.BufferUsageMapWrite
	}
	return usage
}

func (d *device) CreateBuffer(size uint64, kind backend.BufferKind, visibility backend.BufferVisibility) (backend.BufferHandle, error) {
	buf, err := d.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Size:  size,
		Usage: usageFor(kind, visibility),
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create buffer: %w", err)
	}
	return &bufferHandle{buf: buf, size: size}, nil
}

func (d *device) DestroyBuffer(h backend.BufferHandle) {
	h.(*bufferHandle).buf.Destroy()
}

// MapBuffer mirrors gpu/buffer.go's ReadBuffer: MapAsync then poll the
// device until the callback fires, bounded by a fixed timeout.
func (d *device) MapBuffer(h backend.BufferHandle) ([]byte, error) {
	bh := h.(*bufferHandle)

	done := make(chan struct{})
	var mapErr error
	err := bh.buf.MapAsync(wgpu.MapModeRead|wgpu.MapModeWrite, 0, bh.size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("webgpu: map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: MapAsync: %w", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		d.dev.Poll(false, nil)
		select {
		case <-done:
			if mapErr != nil {
				return nil, mapErr
			}
			return bh.buf.GetMappedRange(0, uint(bh.size)), nil
		case <-deadline:
			return nil, fmt.Errorf("webgpu: map timed out")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (d *device) UnmapBuffer(h backend.BufferHandle) {
	h.(*bufferHandle).buf.Unmap()
}

type shaderModule struct{ mod *wgpu.ShaderModule }

// CreateShaderModule treats code as SPIR-V words padded to a 4-byte
// boundary by shaderbin.Load, matching the reference's own shader
// pipeline (the core never compiles WGSL from source).
func (d *device) CreateShaderModule(code []uint32) (backend.ShaderModuleHandle, error) {
	mod, err := d.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		SPIRVDescriptor: &wgpu.ShaderModuleSPIRVDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create shader module: %w", err)
	}
	return &shaderModule{mod: mod}, nil
}

func (d *device) DestroyShaderModule(h backend.ShaderModuleHandle) {
	h.(*shaderModule).mod.Release()
}

type descriptorSetLayout struct {
	layout   *wgpu.BindGroupLayout
	bindings []backend.DescriptorBinding
}

func (d *device) CreateDescriptorSetLayout(bindings []backend.DescriptorBinding) (backend.DescriptorSetLayoutHandle, error) {
	entries := make([]wgpu.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		bufferType := wgpu.BufferBindingTypeStorage
		if b.Kind == backend.BufferKindUniform {
			bufferType = wgpu.BufferBindingTypeUniform
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: bufferType},
		}
	}

	layout, err := d.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create bind group layout: %w", err)
	}
	return &descriptorSetLayout{layout: layout, bindings: bindings}, nil
}

func (d *device) DestroyDescriptorSetLayout(h backend.DescriptorSetLayoutHandle) {
	h.(*descriptorSetLayout).layout.Release()
}

type pipelineLayout struct{ layout *wgpu.PipelineLayout }
type pipeline struct{ pipe *wgpu.ComputePipeline }

func (d *device) CreatePipeline(moduleHandle backend.ShaderModuleHandle, layoutHandle backend.DescriptorSetLayoutHandle) (backend.PipelineLayoutHandle, backend.PipelineHandle, error) {
	mod := moduleHandle.(*shaderModule).mod
	bgLayout := layoutHandle.(*descriptorSetLayout).layout

	pl, err := d.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgLayout},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("webgpu: create pipeline layout: %w", err)
	}

	pipe, err := d.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Layout:  pl,
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		pl.Release()
		return nil, nil, fmt.Errorf("webgpu: create compute pipeline: %w", err)
	}

	return &pipelineLayout{layout: pl}, &pipeline{pipe: pipe}, nil
}

func (d *device) DestroyPipeline(h backend.PipelineHandle) { h.(*pipeline).pipe.Release() }
func (d *device) DestroyPipelineLayout(h backend.PipelineLayoutHandle) {
	h.(*pipelineLayout).layout.Release()
}

type descriptorSet struct {
	layout *descriptorSetLayout
	group  *wgpu.BindGroup
}

func (d *device) AllocateDescriptorSet(layoutHandle backend.DescriptorSetLayoutHandle) (backend.DescriptorSetHandle, error) {
	// wgpu bind groups are immutable once created; UpdateDescriptorSet
	// recreates the group, so allocation here only remembers the layout.
	return &descriptorSet{layout: layoutHandle.(*descriptorSetLayout)}, nil
}

func (d *device) UpdateDescriptorSet(h backend.DescriptorSetHandle, writes []backend.DescriptorWrite) {
	ds := h.(*descriptorSet)
	if ds.group != nil {
		ds.group.Release()
		ds.group = nil
	}

	entries := make([]wgpu.BindGroupEntry, len(writes))
	for i, w := range writes {
		bh := w.Buffer.(*bufferHandle)
		entries[i] = wgpu.BindGroupEntry{Binding: w.Binding, Buffer: bh.buf, Offset: 0, Size: w.Size}
	}

	group, err := d.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  ds.layout.layout,
		Entries: entries,
	})
	if err != nil {
		return
	}
	ds.group = group
}

func (d *device) FreeDescriptorSet(h backend.DescriptorSetHandle) {
	ds := h.(*descriptorSet)
	if ds.group != nil {
		ds.group.Release()
	}
}

type commandBuffer struct {
	dev      *device
	encoder  *wgpu.CommandEncoder
	finished *wgpu.CommandBuffer
}

func (d *device) AllocateCommandBuffer() (backend.CommandBufferHandle, error) {
	return &commandBuffer{dev: d}, nil
}

func (d *device) ResetCommandBuffer(h backend.CommandBufferHandle) {
	cb := h.(*commandBuffer)
	cb.encoder = nil
	cb.finished = nil
}

func (d *device) RecordDispatch(h backend.CommandBufferHandle, layoutHandle backend.PipelineLayoutHandle, pipelineHandle backend.PipelineHandle, setHandle backend.DescriptorSetHandle, wgX, wgY, wgZ uint32) error {
	cb := h.(*commandBuffer)
	pipe := pipelineHandle.(*pipeline).pipe
	set := setHandle.(*descriptorSet)

	encoder, err := d.dev.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("webgpu: create command encoder: %w", err)
	}

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, set.group, nil)
	pass.DispatchWorkgroups(wgX, wgY, wgZ)
	pass.End()

	finished, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("webgpu: finish command encoder: %w", err)
	}

	cb.encoder = encoder
	cb.finished = finished
	return nil
}

func (d *device) FreeCommandBuffer(h backend.CommandBufferHandle) {}

type fence struct {
	signalled bool
}

func (d *device) CreateFence() (backend.FenceHandle, error) {
	return &fence{}, nil
}

func (d *device) ResetFence(h backend.FenceHandle) {
	h.(*fence).signalled = false
}

func (d *device) WaitFence(h backend.FenceHandle, timeout time.Duration) (backend.WaitResult, error) {
	f := h.(*fence)
	deadline := time.Now().Add(timeout)
	for !f.signalled {
		d.dev.Poll(false, nil)
		if timeout >= 0 && time.Now().After(deadline) {
			return backend.WaitTimeout, nil
		}
		time.Sleep(time.Millisecond)
	}
	return backend.WaitOk, nil
}

func (d *device) DestroyFence(h backend.FenceHandle) {}

// Submit queues cb's finished command buffer and marks fence signalled
// once the queue's OnSubmittedWorkDone callback fires. The caller
// serializes calls to Submit with the core's own submit mutex.
func (d *device) Submit(cbHandle backend.CommandBufferHandle, fenceHandle backend.FenceHandle) error {
	cb := cbHandle.(*commandBuffer)
	f := fenceHandle.(*fence)

	if cb.finished == nil {
		return fmt.Errorf("webgpu: command buffer has no recorded dispatch")
	}

	d.queue.Submit(cb.finished)
	d.queue.OnSubmittedWorkDone(func(status wgpu.QueueWorkDoneStatus) {
		f.signalled = true
	})
	return nil
}

func (d *device) Close() error {
	d.dev.Release()
	return nil
}

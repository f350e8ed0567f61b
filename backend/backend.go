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

// Package backend is the narrow seam (C4) the compute core talks to
// instead of a concrete graphics API. The reference binds this directly
// to Vulkan; this module ships two implementations instead:
// backend/simulated for deterministic tests and backend/webgpu for a real GPU.
package backend

import "time"

type BufferKind int

const (
	BufferKindUniform BufferKind = iota
	BufferKindStorage
)

func (k BufferKind) String() string {
	switch k {
	case BufferKindUniform:
		return "Uniform"
	case BufferKindStorage:
		return "Storage"
	default:
		return "Unknown"
	}
}

type BufferVisibility int

const (
	// BufferVisibilityShared is host-visible and host-coherent.
	BufferVisibilityShared BufferVisibility = iota
	BufferVisibilityDeviceLocal
)

func (v BufferVisibility) String() string {
	switch v {
	case BufferVisibilityShared:
		return "Shared"
	case BufferVisibilityDeviceLocal:
		return "DeviceLocal"
	default:
		return "Unknown"
	}
}

type WaitResult int

const (
	WaitOk WaitResult = iota
	WaitTimeout
	WaitError
)

func (r WaitResult) String() string {
	switch r {
	case WaitOk:
		return "Ok"
	case WaitTimeout:
		return "Timeout"
	case WaitError:
		return "Error"
	default:
		return "Unknown"
	}
}

// DeviceLimits carries the compute-relevant subset of device limits a job
// needs to validate a workgroup configuration against.
type DeviceLimits struct {
	MaxLocalSize           [3]uint32
	MaxDispatchSize        [3]uint32
	MaxBoundDescriptorSets uint32
}

type DeviceInfo struct {
	Index  uint32
	Name   string
	Limits DeviceLimits
}

// Opaque handles. Concrete backends define their own underlying types;
// the core never inspects them.
type (
	BufferHandle              any
	ShaderModuleHandle        any
	DescriptorSetLayoutHandle any
	PipelineLayoutHandle      any
	PipelineHandle            any
	DescriptorSetHandle       any
	CommandBufferHandle       any
	FenceHandle               any
)

// DescriptorBinding describes one binding slot of a descriptor-set layout.
type DescriptorBinding struct {
	Binding uint32
	Kind    BufferKind
}

// DescriptorWrite binds a concrete buffer to a binding slot.
type DescriptorWrite struct {
	Binding uint32
	Buffer  BufferHandle
	Kind    BufferKind
	Size    uint64
}

// Instance is the backend-wide entry point: enumerate devices, then open
// one as a Device.
type Instance interface {
	EnumerateDevices() ([]DeviceInfo, error)
	CreateDevice(deviceIndex uint32, maxJobs uint32) (Device, error)
	Close() error
}

// Device is everything the compute core needs from one opened GPU: buffer,
// shader, descriptor, command-buffer and fence primitives, plus the single
// Submit entry point the core serializes with its own submit mutex.
type Device interface {
	Info() DeviceInfo

	CreateBuffer(size uint64, kind BufferKind, visibility BufferVisibility) (BufferHandle, error)
	DestroyBuffer(BufferHandle)
	MapBuffer(BufferHandle) ([]byte, error)
	UnmapBuffer(BufferHandle)

	CreateShaderModule(code []uint32) (ShaderModuleHandle, error)
	DestroyShaderModule(ShaderModuleHandle)

	CreateDescriptorSetLayout(bindings []DescriptorBinding) (DescriptorSetLayoutHandle, error)
	DestroyDescriptorSetLayout(DescriptorSetLayoutHandle)

	CreatePipeline(module ShaderModuleHandle, layout DescriptorSetLayoutHandle) (PipelineLayoutHandle, PipelineHandle, error)
	DestroyPipeline(PipelineHandle)
	DestroyPipelineLayout(PipelineLayoutHandle)

	AllocateDescriptorSet(layout DescriptorSetLayoutHandle) (DescriptorSetHandle, error)
	UpdateDescriptorSet(set DescriptorSetHandle, writes []DescriptorWrite)
	FreeDescriptorSet(DescriptorSetHandle)

	AllocateCommandBuffer() (CommandBufferHandle, error)
	ResetCommandBuffer(CommandBufferHandle)
	RecordDispatch(cb CommandBufferHandle, layout PipelineLayoutHandle, pipeline PipelineHandle, set DescriptorSetHandle, wgX, wgY, wgZ uint32) error
	FreeCommandBuffer(CommandBufferHandle)

	CreateFence() (FenceHandle, error)
	ResetFence(FenceHandle)
	WaitFence(fence FenceHandle, timeout time.Duration) (WaitResult, error)
	DestroyFence(FenceHandle)

	// Submit enqueues cb with fence. The caller (the compute core) is
	// responsible for serializing calls to Submit across all jobs of
	// this device with its own per-instance mutex; the backend does not
	// lock internally.
	Submit(cb CommandBufferHandle, fence FenceHandle) error

	Close() error
}

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

package compute

import (
	"sync"
	"time"

	"github.com/vxgpu/compute/backend"
	"github.com/vxgpu/compute/buffer"
	"github.com/vxgpu/compute/internal/util"
)

// ShaderInstance is the per-job wiring of a shared shaderProgram to a
// specific ordered list of buffers, descriptor set, command buffer and
// fence, per §3's "Shader instance" data-model entry.
type ShaderInstance struct {
	util.NoCopy

	mu sync.Mutex

	ci      *computeInstance
	path    string
	program *shaderProgram

	buffers   []*buffer.Buffer
	workgroup [3]uint32

	set      backend.DescriptorSetHandle
	cmd      backend.CommandBufferHandle
	fence    backend.FenceHandle
	recorded bool
}

// NewShaderInstance acquires (or joins) the shared program for path on
// instanceHandle's device, allocates a descriptor set/command buffer/
// fence, and writes buffers into the descriptor set in binding order.
// Any allocation failure rolls back everything already created.
func NewShaderInstance(instanceHandle InstanceHandle, path string, code []uint32, buffers []*buffer.Buffer, workgroup [3]uint32) (*ShaderInstance, error) {
	ci, err := lookupInstance(instanceHandle)
	if err != nil {
		return nil, err
	}

	bindings := make([]backend.DescriptorBinding, len(buffers))
	for i, b := range buffers {
		bindings[i] = backend.DescriptorBinding{Binding: uint32(i), Kind: b.Kind()}
	}

	program, err := acquireShaderProgram(ci, path, bindings, code)
	if err != nil {
		return nil, err
	}

	si := &ShaderInstance{ci: ci, path: path, program: program, buffers: buffers, workgroup: workgroup}
	si.Init()

	if err := si.allocate(); err != nil {
		releaseShaderProgram(ci, path, program)
		return nil, err
	}

	return si, nil
}

func (si *ShaderInstance) allocate() error {
	set, err := si.ci.device.AllocateDescriptorSet(si.program.layout)
	if err != nil {
		return wrapError(ErrorKindFail, "compute: allocate descriptor set for "+si.path, err)
	}

	cmd, err := si.ci.device.AllocateCommandBuffer()
	if err != nil {
		si.ci.device.FreeDescriptorSet(set)
		return wrapError(ErrorKindFail, "compute: allocate command buffer for "+si.path, err)
	}

	fence, err := si.ci.device.CreateFence()
	if err != nil {
		si.ci.device.FreeCommandBuffer(cmd)
		si.ci.device.FreeDescriptorSet(set)
		return wrapError(ErrorKindFail, "compute: create fence for "+si.path, err)
	}

	si.set = set
	si.cmd = cmd
	si.fence = fence
	si.writeDescriptors()
	return nil
}

func (si *ShaderInstance) writeDescriptors() {
	writes := make([]backend.DescriptorWrite, len(si.buffers))
	for i, b := range si.buffers {
		writes[i] = backend.DescriptorWrite{Binding: uint32(i), Buffer: b.Handle(), Kind: b.Kind(), Size: b.Size()}
	}
	si.ci.device.UpdateDescriptorSet(si.set, writes)
}

// RecordIfNeeded re-records the command buffer when it has never been
// recorded, or when any bound buffer was resized since the last record
// (buffer.Buffer.ConsumeSizeChanged), per §4.5's resize-invalidates-
// command-buffer rule.
func (si *ShaderInstance) RecordIfNeeded() error {
	si.Check()
	si.mu.Lock()
	defer si.mu.Unlock()

	changed := false
	for _, b := range si.buffers {
		if b.ConsumeSizeChanged() {
			changed = true
		}
	}

	if si.recorded && !changed {
		return nil
	}

	if changed {
		si.writeDescriptors()
	}

	si.ci.device.ResetCommandBuffer(si.cmd)
	if err := si.ci.device.RecordDispatch(si.cmd, si.program.pipelineLayout, si.program.pipeline, si.set, si.workgroup[0], si.workgroup[1], si.workgroup[2]); err != nil {
		return wrapError(ErrorKindFail, "compute: record dispatch for "+si.path, err)
	}

	si.recorded = true
	return nil
}

// Submit resets the fence and enqueues the recorded command buffer.
// Callers must already hold the owning instance's submit mutex (job.go's
// runJobStages does this for the "submit" stage).
func (si *ShaderInstance) Submit() error {
	si.Check()
	si.mu.Lock()
	defer si.mu.Unlock()

	si.ci.device.ResetFence(si.fence)
	if err := si.ci.device.Submit(si.cmd, si.fence); err != nil {
		return wrapError(ErrorKindFail, "compute: submit "+si.path, err)
	}
	return nil
}

// WaitFence blocks on the shader instance's fence. Per §7, a fence
// timeout is a non-fatal warning: the fence is left unreset so a
// subsequent, longer wait may still observe completion.
func (si *ShaderInstance) WaitFence(timeout time.Duration) (backend.WaitResult, error) {
	si.Check()
	si.mu.Lock()
	fence := si.fence
	path := si.path
	si.mu.Unlock()

	result, err := si.ci.device.WaitFence(fence, timeout)
	if err != nil {
		return result, wrapError(ErrorKindFail, "compute: wait fence for "+path, err)
	}
	if result == backend.WaitTimeout {
		logger.WPrintf("fence wait timed out for %s", path)
	}
	return result, nil
}

// Destroy frees the descriptor set, command buffer and fence, then
// releases this shader instance's reference on the shared program.
func (si *ShaderInstance) Destroy() {
	si.Check()
	si.mu.Lock()
	si.ci.device.DestroyFence(si.fence)
	si.ci.device.FreeCommandBuffer(si.cmd)
	si.ci.device.FreeDescriptorSet(si.set)
	si.mu.Unlock()

	releaseShaderProgram(si.ci, si.path, si.program)
	si.Close()
}

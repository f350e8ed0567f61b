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

	"github.com/vxgpu/compute/backend"
)

// programKey identifies a shader program by shader path and device. The
// reference keys programs by C++ type (one ComputeInstance per shader
// class); design note §9 calls that out as a limitation to drop, so the
// cache here is a plain process-wide map keyed by (instance, path), so
// each compute instance builds its own program for a given path.
type programKey struct {
	instance InstanceHandle
	path     string
}

// shaderProgram is the shared, reference-counted GPU state for one
// shader path on one device: module, descriptor-set layout, pipeline,
// pipeline layout. mu guards both construction (the "late arrivers
// block" race in §4.6) and the 1→0 teardown so a resurrection can never
// observe a half-torn-down program.
type shaderProgram struct {
	mu          sync.Mutex
	constructed bool
	refCount    uint32

	bindings       []backend.DescriptorBinding
	module         backend.ShaderModuleHandle
	layout         backend.DescriptorSetLayoutHandle
	pipelineLayout backend.PipelineLayoutHandle
	pipeline       backend.PipelineHandle
}

var (
	programsMu sync.Mutex
	programs   = map[programKey]*shaderProgram{}
)

func acquireShaderProgram(ci *computeInstance, path string, bindings []backend.DescriptorBinding, code []uint32) (*shaderProgram, error) {
	key := programKey{instance: ci.handle, path: path}

	programsMu.Lock()
	p, ok := programs[key]
	if !ok {
		p = &shaderProgram{bindings: bindings}
		programs[key] = p
	}
	programsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.constructed {
		module, err := ci.device.CreateShaderModule(code)
		if err != nil {
			return nil, wrapError(ErrorKindFail, "compute: create shader module for "+path, err)
		}

		layout, err := ci.device.CreateDescriptorSetLayout(bindings)
		if err != nil {
			ci.device.DestroyShaderModule(module)
			return nil, wrapError(ErrorKindFail, "compute: create descriptor set layout for "+path, err)
		}

		pipelineLayout, pipeline, err := ci.device.CreatePipeline(module, layout)
		if err != nil {
			ci.device.DestroyDescriptorSetLayout(layout)
			ci.device.DestroyShaderModule(module)
			return nil, wrapError(ErrorKindFail, "compute: create pipeline for "+path, err)
		}

		p.module = module
		p.layout = layout
		p.pipelineLayout = pipelineLayout
		p.pipeline = pipeline
		p.constructed = true

		logger.IPrintf("pipeline created for %s", path)
	}

	p.refCount++
	return p, nil
}

func releaseShaderProgram(ci *computeInstance, path string, p *shaderProgram) {
	p.mu.Lock()
	if p.refCount > 0 {
		p.refCount--
	}
	remaining := p.refCount
	// destroyInstancePrograms may already have torn this program down (and
	// removed it from the cache) if the owning instance was released while
	// this ShaderInstance was still alive; constructed guards against a
	// second destroy of already-freed backend handles.
	shouldDestroy := remaining == 0 && p.constructed
	if shouldDestroy {
		ci.device.DestroyPipeline(p.pipeline)
		ci.device.DestroyPipelineLayout(p.pipelineLayout)
		ci.device.DestroyDescriptorSetLayout(p.layout)
		ci.device.DestroyShaderModule(p.module)
		p.pipeline = nil
		p.pipelineLayout = nil
		p.layout = nil
		p.module = nil
		p.constructed = false
	}
	p.mu.Unlock()

	if shouldDestroy {
		key := programKey{instance: ci.handle, path: path}
		programsMu.Lock()
		delete(programs, key)
		programsMu.Unlock()
		logger.IPrintf("pipeline destroyed for %s", path)
	}
}

// destroyInstancePrograms tears down and evicts every shader program built
// for ci, regardless of refCount. Called from Release's last-reference
// teardown so no program outlives the backend device it was built on; a
// ShaderInstance that is destroyed afterward sees releaseShaderProgram
// no-op rather than touching a closed device's handles.
func destroyInstancePrograms(ci *computeInstance) {
	programsMu.Lock()
	var keys []programKey
	for key := range programs {
		if key.instance == ci.handle {
			keys = append(keys, key)
		}
	}
	programsMu.Unlock()

	for _, key := range keys {
		programsMu.Lock()
		p, ok := programs[key]
		if ok {
			delete(programs, key)
		}
		programsMu.Unlock()
		if !ok {
			continue
		}

		p.mu.Lock()
		if p.constructed {
			if p.refCount > 0 {
				logger.WPrintf("instance %d released with %d live shader-instance(s) still using %s; forcing teardown", ci.handle, p.refCount, key.path)
			}
			ci.device.DestroyPipeline(p.pipeline)
			ci.device.DestroyPipelineLayout(p.pipelineLayout)
			ci.device.DestroyDescriptorSetLayout(p.layout)
			ci.device.DestroyShaderModule(p.module)
			p.pipeline = nil
			p.pipelineLayout = nil
			p.layout = nil
			p.module = nil
			p.constructed = false
			logger.IPrintf("pipeline destroyed for %s", key.path)
		}
		p.mu.Unlock()
	}
}

// programRefCount reports the live shader-instance count of the program
// cached for path on instanceHandle, or 0 when no such program is cached.
func programRefCount(instanceHandle InstanceHandle, path string) uint32 {
	programsMu.Lock()
	p, ok := programs[programKey{instance: instanceHandle, path: path}]
	programsMu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

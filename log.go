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

// Package compute is a GPU compute job dispatcher: it owns an instance
// registry bound to a backend.Instance, a shared shader-program cache,
// and a workerpool.Pool that drives the bind/init/presubmit/submit/
// postsubmit/destroy lifecycle of a Job while serializing GPU queue
// submission per instance.
//
// The package is structured the way the reference structures vxr: a
// package-global state singleton initialized once by Init, private
// lowercase helpers operating on that singleton, and a public API
// surface of exported functions and handle types rather than an object
// users construct themselves.
package compute

import (
	"sync"

	"goarrg.com/debug"

	"github.com/vxgpu/compute/backend"
	"github.com/vxgpu/compute/workerpool"
)

var logger = debug.NewLogger("compute")

func abort(format string, args ...any) {
	logger.EPrintf(format, args...)
	panic("Fatal Error")
}

type state struct {
	mu      sync.Mutex
	config  config
	backend backend.Instance
	pool    *workerpool.Pool

	instances          map[InstanceHandle]*computeInstance
	nextInstanceHandle uint32

	initialized bool
}

var instanceInitOnce sync.Once

var instance = state{
	instances: map[InstanceHandle]*computeInstance{},
}

// Init wires the package to backendInstance and must be called exactly
// once before Acquire. Subsequent calls are no-ops, mirroring the
// reference's InitInstance/InitDevice idempotency via sync.Once.
func Init(cfg Config, backendInstance backend.Instance) {
	instanceInitOnce.Do(func() {
		cfg.validate()
		logger.IPrintf("Initializing with config: %+v", cfg)

		instance.mu.Lock()
		instance.config.use(cfg)
		instance.backend = backendInstance
		instance.pool = workerpool.New("jobs", 0, cfg.NumWorkers, cfg.QueueDepth)
		instance.initialized = true
		instance.mu.Unlock()

		logger.IPrintf("Initialization completed")
	})
}

// Shutdown releases every still-acquired instance and tears down the
// shared worker pool. It is test/process-teardown tooling, not a named
// lifecycle operation of the job model itself.
func Shutdown() {
	instance.mu.Lock()
	if !instance.initialized {
		instance.mu.Unlock()
		return
	}
	handles := make([]InstanceHandle, 0, len(instance.instances))
	for h := range instance.instances {
		handles = append(handles, h)
	}
	pool := instance.pool
	instance.mu.Unlock()

	for _, h := range handles {
		_ = Release(h)
	}

	if pool != nil {
		pool.Destroy()
	}

	instance.mu.Lock()
	instance.initialized = false
	instance.pool = nil
	instance.backend = nil
	instance.mu.Unlock()

	instanceInitOnce = sync.Once{}
}

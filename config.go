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

import "time"

// Config is the user-facing tuning surface for Init, mirroring the
// reference's own Config/validate split: callers fill in a plain struct,
// Init normalizes and locks it into the package-private config.
type Config struct {
	EnableValidation bool
	PreferredDevice  uint32

	MaxInstances            uint32
	MaxJobs                 uint32
	MaxUniformBuffersPerJob uint32
	MaxStorageBuffersPerJob uint32
	MaxJobTimeout           time.Duration
	WorkgroupSize           uint32

	NumWorkers int
	QueueDepth int
}

// DefaultConfig returns the values the reference ships as its own
// builtin limits (VXGPU_MAX_INSTANCES, VXGPU_MAX_JOBS, and friends).
func DefaultConfig() Config {
	return Config{
		EnableValidation:        false,
		PreferredDevice:         0,
		MaxInstances:            2,
		MaxJobs:                 1024,
		MaxUniformBuffersPerJob: 1,
		MaxStorageBuffersPerJob: 2,
		MaxJobTimeout:           60 * time.Second,
		WorkgroupSize:           32,
		NumWorkers:              4,
		QueueDepth:              1024,
	}
}

func (c *Config) validate() {
	if c.MaxInstances == 0 {
		abort("Config.MaxInstances must be >= 1")
	}
	if c.MaxJobs == 0 {
		abort("Config.MaxJobs must be >= 1")
	}
	if c.MaxUniformBuffersPerJob == 0 && c.MaxStorageBuffersPerJob == 0 {
		abort("Config must allow at least one buffer binding per job")
	}
	if c.MaxJobTimeout <= 0 {
		abort("Config.MaxJobTimeout must be > 0")
	}
	if c.WorkgroupSize == 0 {
		abort("Config.WorkgroupSize must be >= 1")
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = int(c.MaxJobs)
	}
}

// config is the normalized, package-private mirror of Config that the
// rest of the package reads from, the same split the reference makes
// between its public Config and private config.
type config struct {
	enableValidation        bool
	maxInstances            uint32
	maxJobs                 uint32
	maxUniformBuffersPerJob uint32
	maxStorageBuffersPerJob uint32
	maxJobTimeout           time.Duration
	workgroupSize           uint32
}

func (c *config) use(user Config) {
	c.enableValidation = user.EnableValidation
	c.maxInstances = user.MaxInstances
	c.maxJobs = user.MaxJobs
	c.maxUniformBuffersPerJob = user.MaxUniformBuffersPerJob
	c.maxStorageBuffersPerJob = user.MaxStorageBuffersPerJob
	c.maxJobTimeout = user.MaxJobTimeout
	c.workgroupSize = user.WorkgroupSize
}

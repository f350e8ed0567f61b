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
	"github.com/vxgpu/compute/event"
)

type InstanceHandle uint32

const InvalidInstanceHandle InstanceHandle = 0xFFFFFFFF

// computeInstance is a logical binding to one GPU. The reference keeps
// this as a process-wide slot array with a free-list; here the slots are
// a map keyed by handle, protected by the package's state mutex for
// allocation and by the instance's own mu for per-instance state.
type computeInstance struct {
	handle      InstanceHandle
	deviceIndex uint32
	device      backend.Device
	maxJobs     uint32

	refCount uint32

	// submitMu serializes backend.Device.Submit across every job of this
	// instance, per §4.6 "Submit serialization".
	submitMu sync.Mutex

	mu           sync.Mutex
	activeJobs   map[JobHandle]*Job
	activeEvents map[JobHandle]*event.Event
	released     bool
}

func (ci *computeInstance) trackJob(handle JobHandle, job *Job, ev *event.Event) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.activeJobs[handle] = job
	ci.activeEvents[handle] = ev
}

func (ci *computeInstance) forgetJob(handle JobHandle) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	delete(ci.activeJobs, handle)
	delete(ci.activeEvents, handle)
}

func (ci *computeInstance) lookupEvent(handle JobHandle) (*event.Event, bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ev, ok := ci.activeEvents[handle]
	return ev, ok
}

func (ci *computeInstance) isReleased() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.released
}

// Acquire returns a handle to an instance bound to deviceIndex,
// constructing the backend device on first use and incrementing the
// instance's reference count on every call. Fails with ErrNoCapacity if
// every instance slot is already bound to a different device.
func Acquire(deviceIndex uint32) (InstanceHandle, error) {
	instance.mu.Lock()
	defer instance.mu.Unlock()

	if !instance.initialized {
		return InvalidInstanceHandle, newError(ErrorKindFail, "compute: Init was not called")
	}

	for _, ci := range instance.instances {
		if ci.deviceIndex == deviceIndex {
			ci.mu.Lock()
			ci.refCount++
			ci.mu.Unlock()
			return ci.handle, nil
		}
	}

	if uint32(len(instance.instances)) >= instance.config.maxInstances {
		return InvalidInstanceHandle, ErrNoCapacity
	}

	device, err := instance.backend.CreateDevice(deviceIndex, instance.config.maxJobs)
	if err != nil {
		return InvalidInstanceHandle, wrapError(ErrorKindFail, "compute: create device", err)
	}

	handle := InstanceHandle(instance.nextInstanceHandle)
	instance.nextInstanceHandle++

	ci := &computeInstance{
		handle:       handle,
		deviceIndex:  deviceIndex,
		device:       device,
		maxJobs:      instance.config.maxJobs,
		refCount:     1,
		activeJobs:   map[JobHandle]*Job{},
		activeEvents: map[JobHandle]*event.Event{},
	}
	instance.instances[handle] = ci

	logger.IPrintf("Acquired instance %d on device %d (%s), limits %+v", handle, deviceIndex, device.Info().Name, device.Info().Limits)
	return handle, nil
}

func lookupInstance(handle InstanceHandle) (*computeInstance, error) {
	instance.mu.Lock()
	defer instance.mu.Unlock()
	ci, ok := instance.instances[handle]
	if !ok {
		return nil, newError(ErrorKindNotOwned, "compute: unknown instance handle")
	}
	return ci, nil
}

// Release decrements the instance's reference count. At zero it marks
// the instance released — waking any pending wait_for_job with
// ErrInstanceReleased — drains its active jobs, reclaims every shader
// program built for this instance, tears down the backend device, and
// frees the slot. Instance handles are never reused, so a shader program
// left in the process-wide cache after the device closes would leak
// forever and any later release would touch closed-device handles;
// destroyInstancePrograms prevents both.
func Release(handle InstanceHandle) error {
	instance.mu.Lock()
	ci, ok := instance.instances[handle]
	if !ok {
		instance.mu.Unlock()
		return newError(ErrorKindNotOwned, "compute: unknown instance handle")
	}
	instance.mu.Unlock()

	ci.mu.Lock()
	ci.refCount--
	remaining := ci.refCount
	ci.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	ci.mu.Lock()
	ci.released = true
	for h, job := range ci.activeJobs {
		job.setLastErr(ErrInstanceReleased)
		if ev, ok := ci.activeEvents[h]; ok {
			ev.Set()
		}
	}
	ci.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ci.mu.Lock()
		drained := len(ci.activeJobs) == 0
		ci.mu.Unlock()
		if drained || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	destroyInstancePrograms(ci)

	if err := ci.device.Close(); err != nil {
		logger.WPrintf("instance %d: error closing device: %v", handle, err)
	}

	instance.mu.Lock()
	delete(instance.instances, handle)
	instance.mu.Unlock()

	logger.IPrintf("Released instance %d", handle)
	return nil
}

// MaxJobs returns the per-instance job-slot capacity configured at Init.
func MaxJobs(handle InstanceHandle) (uint32, error) {
	ci, err := lookupInstance(handle)
	if err != nil {
		return 0, err
	}
	return ci.maxJobs, nil
}

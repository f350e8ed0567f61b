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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vxgpu/compute/backend"
	"github.com/vxgpu/compute/event"
	"github.com/vxgpu/compute/internal/util"
	"github.com/vxgpu/compute/workerpool"
)

type JobHandle uint32

const InvalidJobHandle JobHandle = 0xFFFFFFFF

var nextJobHandle atomic.Uint32

// JobContext is handed to every stage function: the instance the job is
// bound to, its backend device, the worker-pool tid that ran it, and the
// worker's context.Context. A stage that itself needs to wait on another
// job (e.g. a fan-out/fan-in job graph) must pass this Context to
// WaitForJob rather than context.Background(), so the deadlock guard can
// see it was called from inside a worker.
type JobContext struct {
	Instance InstanceHandle
	Device   backend.Device
	TID      uint32
	Context  context.Context
}

// JobFuncs is the four-capability contract design note §9 calls for in
// place of the reference's virtual-inheritance job hierarchy: a job is a
// value holding function pointers, not a class the caller subtypes.
type JobFuncs struct {
	Init       func(*JobContext) error
	Presubmit  func(*JobContext) error
	Submit     func(*JobContext) error
	Postsubmit func(*JobContext) error
}

// Job is the unit the application owns and resubmits. The library
// borrows it for the duration of the worker-driven stages; WaitForJob
// returns once that borrow ends.
type Job struct {
	util.NoCopy

	funcs JobFuncs

	mu             sync.Mutex
	handle         JobHandle
	instanceHandle InstanceHandle
	ev             *event.Event
	lastErr        error
}

// NewJob constructs an unbound job from its four stage functions. Any of
// the four may be nil, in which case that stage is skipped.
func NewJob(funcs JobFuncs) *Job {
	j := &Job{
		funcs:          funcs,
		handle:         InvalidJobHandle,
		instanceHandle: InvalidInstanceHandle,
		ev:             event.New(),
	}
	j.Init()
	return j
}

func (j *Job) setLastErr(err error) {
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
}

// LastErr returns the error (if any) captured by the most recent run of
// the job's stages. A non-nil LastErr after a successful wait means the
// job's completion event fired despite a stage failure, per §7's
// propagation policy.
func (j *Job) LastErr() error {
	j.Check()
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// BindJob associates job with instance handle. NewJob returns an unbound
// job, and SubmitJob rejects a job that is not bound to the instance it
// is submitted to, so BindJob must be called before the first SubmitJob.
func BindJob(job *Job, handle InstanceHandle) error {
	job.Check()
	if _, err := lookupInstance(handle); err != nil {
		return err
	}
	job.mu.Lock()
	job.instanceHandle = handle
	job.mu.Unlock()
	return nil
}

// SubmitJob assigns (or reuses, on resubmission) the job's monotonically
// unique handle, resets its completion event, and enqueues a worker task
// running init→presubmit→submit→postsubmit. blocking controls whether
// a full job queue blocks the caller or fails fast with ErrBusy. A job
// not bound to handle via BindJob fails with ErrorKindInvalidArg.
func SubmitJob(job *Job, handle InstanceHandle, blocking bool) (JobHandle, error) {
	job.Check()

	ci, err := lookupInstance(handle)
	if err != nil {
		return InvalidJobHandle, err
	}
	if ci.isReleased() {
		return InvalidJobHandle, ErrInstanceReleased
	}

	job.mu.Lock()
	if job.instanceHandle != handle {
		job.mu.Unlock()
		return InvalidJobHandle, newError(ErrorKindInvalidArg, "compute: job is not bound to this instance")
	}
	if job.handle == InvalidJobHandle {
		job.handle = JobHandle(nextJobHandle.Add(1) - 1)
	}
	job.lastErr = nil
	jobHandle := job.handle
	ev := job.ev
	job.mu.Unlock()

	ev.Reset()
	ci.trackJob(jobHandle, job, ev)

	_, err = instance.pool.Submit(func(ctx context.Context, tid uint32) {
		runJobStages(ctx, job, ci, jobHandle, tid)
		ev.Set()
	}, blocking)
	if err != nil {
		ci.forgetJob(jobHandle)
		if errors.Is(err, workerpool.ErrBusy) {
			return InvalidJobHandle, ErrBusy
		}
		return InvalidJobHandle, wrapError(ErrorKindFail, "compute: submit job", err)
	}

	return jobHandle, nil
}

func runJobStages(ctx context.Context, job *Job, ci *computeInstance, handle JobHandle, tid uint32) {
	jctx := &JobContext{Instance: ci.handle, Device: ci.device, TID: tid, Context: ctx}

	run := func(name string, fn func(*JobContext) error) bool {
		if fn == nil {
			return true
		}
		if err := fn(jctx); err != nil {
			logger.WPrintf("job [%d] %s failed: %v", handle, name, err)
			job.setLastErr(wrapError(ErrorKindFail, "compute: job "+name+" failed", err))
			return false
		}
		return true
	}

	if !run("init", job.funcs.Init) {
		return
	}
	if !run("presubmit", job.funcs.Presubmit) {
		return
	}

	// Submit serialization (§4.6): the submit stage alone runs under the
	// instance's submit mutex. init/presubmit/postsubmit run concurrently
	// across workers.
	ci.submitMu.Lock()
	ok := run("submit", job.funcs.Submit)
	ci.submitMu.Unlock()
	if !ok {
		return
	}

	run("postsubmit", job.funcs.Postsubmit)
}

// WaitForJob blocks the caller on the job's completion event. It fails
// with ErrDeadlockGuard if called from inside one of the dispatcher's
// own worker invokables, and with ErrNotOwned if the job handle is not
// tracked by instanceHandle.
func WaitForJob(ctx context.Context, job *Job, instanceHandle InstanceHandle, timeout time.Duration) error {
	job.Check()

	if instance.pool != nil && instance.pool.IsWorkerContext(ctx) {
		return ErrDeadlockGuard
	}

	job.mu.Lock()
	handle := job.handle
	ev := job.ev
	job.mu.Unlock()

	if handle == InvalidJobHandle {
		return newError(ErrorKindInvalidArg, "compute: job was never submitted")
	}

	ci, err := lookupInstance(instanceHandle)
	if err != nil {
		return ErrNotOwned
	}
	if _, ok := ci.lookupEvent(handle); !ok {
		return ErrNotOwned
	}

	result := ev.Wait(timeout)
	if result == event.Timeout {
		return ErrTimeout
	}

	ci.forgetJob(handle)

	if lastErr := job.LastErr(); lastErr != nil {
		if errors.Is(lastErr, ErrInstanceReleased) {
			return ErrInstanceReleased
		}
		return lastErr
	}
	return nil
}

// WorkgroupCount computes the (x, y, 1) dispatch size from output
// dimensions and a workgroup-size hint, per the glossary's
// (ceil(W/wg), ceil(H/wg), 1) formula.
func WorkgroupCount(width, height, workgroupSize uint32) [3]uint32 {
	if workgroupSize == 0 {
		workgroupSize = 1
	}
	ceilDiv := func(a, b uint32) uint32 { return (a + b - 1) / b }
	return [3]uint32{ceilDiv(width, workgroupSize), ceilDiv(height, workgroupSize), 1}
}

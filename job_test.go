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

package compute_test

import (
	"context"
	"testing"
	"time"

	"github.com/vxgpu/compute"
	"github.com/vxgpu/compute/backend/simulated"
)

// TestWaitForJobFromWorkerIsDeadlockGuarded covers the case where a job's
// own stage body calls WaitForJob on a sibling job: it must fail fast with
// ErrDeadlockGuard instead of blocking a worker that could be needed to
// run the sibling.
func TestWaitForJobFromWorkerIsDeadlockGuarded(t *testing.T) {
	cfg := compute.DefaultConfig()
	cfg.NumWorkers = 2
	compute.Init(cfg, simulated.NewInstance())
	defer compute.Shutdown()

	handle, err := compute.Acquire(0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer compute.Release(handle)

	sibling := compute.NewJob(compute.JobFuncs{
		Submit: func(ctx *compute.JobContext) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})
	if err := compute.BindJob(sibling, handle); err != nil {
		t.Fatal(err)
	}

	var innerErr error
	waiter := compute.NewJob(compute.JobFuncs{
		Submit: func(ctx *compute.JobContext) error {
			innerErr = compute.WaitForJob(ctx.Context, sibling, handle, time.Second)
			return nil
		},
	})
	if err := compute.BindJob(waiter, handle); err != nil {
		t.Fatal(err)
	}

	if _, err := compute.SubmitJob(sibling, handle, true); err != nil {
		t.Fatalf("sibling submit: %v", err)
	}
	if _, err := compute.SubmitJob(waiter, handle, true); err != nil {
		t.Fatalf("waiter submit: %v", err)
	}
	if err := compute.WaitForJob(context.Background(), waiter, handle, time.Second); err != nil {
		t.Fatalf("waiter wait: %v", err)
	}
	if err := compute.WaitForJob(context.Background(), sibling, handle, time.Second); err != nil {
		t.Fatalf("sibling wait: %v", err)
	}

	if innerErr != compute.ErrDeadlockGuard {
		t.Fatalf("inner WaitForJob = %v, want ErrDeadlockGuard", innerErr)
	}
}

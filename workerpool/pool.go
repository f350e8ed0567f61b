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

// Package workerpool runs a fixed number of worker goroutines draining a
// shared job queue, tracking per-job completion events and per-group
// counters, and refusing to wait from inside a worker's own invokable.
//
// Ported from the reference thread_pool: workers block on queue.Receive,
// run the invokable with an informational tid, then signal completion
// under the pool's mutex. The one behavior that can't be ported literally
// is the deadlock guard, which the reference implements by comparing
// std::this_thread::get_id() against a recorded set of worker thread IDs.
// Go does not expose a stable, comparable goroutine identity, so the guard
// is implemented by tagging the context.Context handed to every invokable
// with this pool's identity; WaitForJob rejects any caller presenting that
// same context.
package workerpool

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"goarrg.com/debug"

	"github.com/vxgpu/compute/event"
	"github.com/vxgpu/compute/queue"
)

type JobHandle uint64
type GroupHandle uint64

const (
	InvalidJobHandle   JobHandle   = math.MaxUint64
	InvalidGroupHandle GroupHandle = math.MaxUint64
)

var (
	ErrDeadlockGuard = errors.New("workerpool: wait called from one of the pool's own worker threads")
	ErrNotOwned      = errors.New("workerpool: job handle is not owned by this pool")
	ErrTimeout       = errors.New("workerpool: timed out waiting for job")
	ErrBusy          = errors.New("workerpool: job queue is full")
	ErrShuttingDown  = errors.New("workerpool: pool is shutting down")
)

// JobFunc is the invokable contract: a function pointer plus whatever
// context it closed over. tid is (poolIndex<<16 | workerIndex), purely
// informational.
type JobFunc func(ctx context.Context, tid uint32)

type job struct {
	handle JobFunc
	self   JobHandle
	group  GroupHandle
}

type workerCtxKey struct{}

type worker struct {
	index        uint32
	jobsExecuted uint64
	startTick    time.Time
	stopTick     time.Time
}

// Pool is a fixed-size worker pool. Create with New; always Destroy to
// join workers and flush perf counters.
type Pool struct {
	logger *debug.Logger

	index uint32 // pool index, packed into tid's high bits
	q     *queue.Queue[job]

	mu             sync.Mutex
	events         map[JobHandle]*event.Event
	groupRemaining map[GroupHandle]*uint32
	groupEvents    map[GroupHandle]*event.Event

	nextJobHandle atomic.Uint64
	shouldExit    atomic.Bool

	wg      sync.WaitGroup
	workers []*worker
}

func New(name string, poolIndex uint32, numWorkers, queueDepth int) *Pool {
	p := &Pool{
		logger:         debug.NewLogger("compute", "workerpool", name),
		index:          poolIndex,
		q:              queue.New[job](queueDepth),
		events:         map[JobHandle]*event.Event{},
		groupRemaining: map[GroupHandle]*uint32{},
		groupEvents:    map[GroupHandle]*event.Event{},
	}

	p.workers = make([]*worker, numWorkers)
	for i := range p.workers {
		w := &worker{index: uint32(i)}
		p.workers[i] = w
		p.wg.Add(1)
		go p.workerLoop(w)
	}

	return p
}

// IsWorkerContext reports whether ctx is one handed by this pool to an
// invokable currently running on one of its own worker goroutines.
func (p *Pool) IsWorkerContext(ctx context.Context) bool {
	v, _ := ctx.Value(workerCtxKey{}).(*Pool)
	return v == p
}

func (p *Pool) workerLoop(w *worker) {
	defer p.wg.Done()

	w.startTick = time.Now()
	ctx := context.WithValue(context.Background(), workerCtxKey{}, p)
	tid := (p.index << 16) | w.index

	for !p.shouldExit.Load() {
		j, res := p.q.Receive(-1)
		if res != queue.Ok {
			continue
		}
		if p.shouldExit.Load() {
			break
		}

		p.runJob(ctx, j, tid, w)
	}

	w.stopTick = time.Now()
}

func (p *Pool) runJob(ctx context.Context, j job, tid uint32, w *worker) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.EPrintf("job [%d] panicked: %v", j.self, r)
		}
	}()

	j.handle(ctx, tid)
	w.jobsExecuted++

	p.mu.Lock()
	defer p.mu.Unlock()

	if ev, ok := p.events[j.self]; ok {
		ev.Set()
	}

	if j.group != InvalidGroupHandle {
		if remaining, ok := p.groupRemaining[j.group]; ok {
			*remaining--
			if *remaining == 0 {
				if gev, ok := p.groupEvents[j.group]; ok {
					gev.Set()
				}
			}
		}
	}
}

// Submit enqueues fn, resetting its completion event under the pool
// mutex before handing the job to the queue so a concurrent WaitForJob
// cannot observe a stale signal. It never holds the mutex while the
// queue might block.
func (p *Pool) Submit(fn JobFunc, blocking bool) (JobHandle, error) {
	return p.submit(fn, InvalidGroupHandle, blocking)
}

func (p *Pool) submit(fn JobFunc, group GroupHandle, blocking bool) (JobHandle, error) {
	handle := JobHandle(p.nextJobHandle.Add(1) - 1)

	p.mu.Lock()
	if ev, ok := p.events[handle]; ok {
		ev.Reset()
	} else {
		p.events[handle] = event.New()
	}
	p.mu.Unlock()

	j := job{handle: fn, self: handle, group: group}

	if blocking {
		if res := p.q.SendBlocking(j); res != queue.Ok {
			p.forgetJob(handle)
			return InvalidJobHandle, ErrShuttingDown
		}
		return handle, nil
	}

	if err := p.q.Send(j); err != nil {
		p.forgetJob(handle)
		return InvalidJobHandle, ErrBusy
	}
	return handle, nil
}

// SubmitGroup submits every fn under a shared group handle that signals
// once the last job in the group completes.
func (p *Pool) SubmitGroup(fns []JobFunc, blocking bool) (GroupHandle, []JobHandle, error) {
	group := GroupHandle(p.nextJobHandle.Add(1) - 1)
	remaining := uint32(len(fns))

	p.mu.Lock()
	p.groupRemaining[group] = &remaining
	p.groupEvents[group] = event.New()
	p.mu.Unlock()

	handles := make([]JobHandle, 0, len(fns))
	for _, fn := range fns {
		h, err := p.submit(fn, group, blocking)
		if err != nil {
			return InvalidGroupHandle, handles, err
		}
		handles = append(handles, h)
	}
	return group, handles, nil
}

func (p *Pool) forgetJob(handle JobHandle) {
	p.mu.Lock()
	delete(p.events, handle)
	p.mu.Unlock()
}

// WaitForJob blocks on the job's completion event. It fails fast with
// ErrDeadlockGuard if ctx is the context this pool hands to its own
// worker invokables. On success the job's event is forgotten; after
// ErrTimeout it is kept so the caller can wait again.
func (p *Pool) WaitForJob(ctx context.Context, handle JobHandle, timeout time.Duration) error {
	if p.IsWorkerContext(ctx) {
		return ErrDeadlockGuard
	}

	p.mu.Lock()
	ev, ok := p.events[handle]
	p.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}

	result := ev.Wait(timeout)
	if result == event.Timeout {
		return ErrTimeout
	}

	p.mu.Lock()
	delete(p.events, handle)
	p.mu.Unlock()
	return nil
}

// WaitForJobs blocks until every job submitted under group has completed.
func (p *Pool) WaitForJobs(ctx context.Context, group GroupHandle, timeout time.Duration) error {
	if p.IsWorkerContext(ctx) {
		return ErrDeadlockGuard
	}

	p.mu.Lock()
	ev, ok := p.groupEvents[group]
	p.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}

	result := ev.Wait(timeout)

	p.mu.Lock()
	delete(p.groupEvents, group)
	delete(p.groupRemaining, group)
	p.mu.Unlock()

	if result == event.Timeout {
		return ErrTimeout
	}
	return nil
}

// Destroy signals every worker to exit, wakes anyone blocked on the
// queue, joins all workers, and logs per-worker throughput the way the
// reference pool does at shutdown.
func (p *Pool) Destroy() {
	p.shouldExit.Store(true)
	p.q.NotifyAll()
	p.wg.Wait()

	for _, w := range p.workers {
		elapsed := w.stopTick.Sub(w.startTick).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(w.jobsExecuted) / elapsed
		}
		p.logger.IPrintf("Thread [%d:%d] %d jobs %.3f seconds %.1f jobs/second", p.index, w.index, w.jobsExecuted, elapsed, rate)
	}
}

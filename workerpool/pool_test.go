package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitForJob(t *testing.T) {
	p := New("test", 0, 4, 16)
	defer p.Destroy()

	var ran atomic.Bool
	handle, err := p.Submit(func(ctx context.Context, tid uint32) {
		ran.Store(true)
	}, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := p.WaitForJob(context.Background(), handle, time.Second); err != nil {
		t.Fatalf("WaitForJob: %v", err)
	}
	if !ran.Load() {
		t.Fatal("job never ran")
	}
}

func TestWaitForJobZeroTimeoutAlreadyComplete(t *testing.T) {
	p := New("test", 0, 1, 16)
	defer p.Destroy()

	done := make(chan struct{})
	handle, err := p.Submit(func(ctx context.Context, tid uint32) {
		close(done)
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	<-done
	time.Sleep(5 * time.Millisecond)

	if err := p.WaitForJob(context.Background(), handle, 0); err != nil {
		t.Fatalf("WaitForJob(0) on completed job: %v", err)
	}
}

func TestWaitForForeignHandleNotOwned(t *testing.T) {
	p := New("test", 0, 1, 16)
	defer p.Destroy()

	if err := p.WaitForJob(context.Background(), JobHandle(99999), time.Second); err != ErrNotOwned {
		t.Fatalf("WaitForJob(foreign) = %v, want ErrNotOwned", err)
	}
}

func TestDeadlockGuard(t *testing.T) {
	p := New("test", 0, 2, 16)
	defer p.Destroy()

	outerDone := make(chan struct{})
	var innerErr error
	var sibling JobHandle

	sibling, err := p.Submit(func(ctx context.Context, tid uint32) {
		time.Sleep(50 * time.Millisecond)
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Submit(func(ctx context.Context, tid uint32) {
		innerErr = p.WaitForJob(ctx, sibling, time.Second)
		close(outerDone)
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-outerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("outer job never completed")
	}

	if innerErr != ErrDeadlockGuard {
		t.Fatalf("inner WaitForJob = %v, want ErrDeadlockGuard", innerErr)
	}

	if err := p.WaitForJob(context.Background(), sibling, time.Second); err != nil {
		t.Fatalf("outer wait on sibling from main goroutine: %v", err)
	}
}

func TestSaturationAllJobsComplete(t *testing.T) {
	p := New("test", 0, 8, 32)
	defer p.Destroy()

	const n = 200
	handles := make([]JobHandle, n)
	var completed atomic.Int64

	for i := 0; i < n; i++ {
		h, err := p.Submit(func(ctx context.Context, tid uint32) {
			completed.Add(1)
		}, true)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		handles[i] = h
	}

	for _, h := range handles {
		if err := p.WaitForJob(context.Background(), h, 60*time.Second); err != nil {
			t.Fatalf("WaitForJob: %v", err)
		}
	}

	if got := completed.Load(); got != n {
		t.Fatalf("completed = %d, want %d", got, n)
	}
}

func TestSubmitGroupWaitForJobs(t *testing.T) {
	p := New("test", 0, 4, 32)
	defer p.Destroy()

	var completed atomic.Int64
	fns := make([]JobFunc, 5)
	for i := range fns {
		fns[i] = func(ctx context.Context, tid uint32) { completed.Add(1) }
	}

	group, _, err := p.SubmitGroup(fns, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.WaitForJobs(context.Background(), group, time.Second); err != nil {
		t.Fatalf("WaitForJobs: %v", err)
	}
	if got := completed.Load(); got != int64(len(fns)) {
		t.Fatalf("completed = %d, want %d", got, len(fns))
	}
}

func TestNonBlockingSubmitBusyWhenFull(t *testing.T) {
	p := New("test", 0, 1, 1)
	defer p.Destroy()

	block := make(chan struct{})
	started := make(chan struct{})
	_, err := p.Submit(func(ctx context.Context, tid uint32) {
		close(started)
		<-block
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	// Fill the single queue slot while the lone worker is busy.
	_, err = p.Submit(func(ctx context.Context, tid uint32) {}, false)
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Submit(func(ctx context.Context, tid uint32) {}, false)
	if err != ErrBusy {
		t.Fatalf("non-blocking Submit on full queue = %v, want ErrBusy", err)
	}

	close(block)
}

package queue

import (
	"testing"
	"time"
)

func TestSendReceiveFIFO(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		if err := q.Send(i); err != nil {
			t.Fatalf("Send(%d) = %v", i, err)
		}
	}
	if err := q.Send(4); err != ErrFull {
		t.Fatalf("Send on full queue = %v, want ErrFull", err)
	}

	for i := 0; i < 4; i++ {
		item, res := q.Receive(0)
		if res != Ok {
			t.Fatalf("Receive = %s, want Ok", res)
		}
		if item != i {
			t.Fatalf("Receive = %d, want %d", item, i)
		}
	}
}

func TestReceiveTimeout(t *testing.T) {
	q := New[int](1)
	_, res := q.Receive(10 * time.Millisecond)
	if res != Timeout {
		t.Fatalf("Receive on empty queue = %s, want Timeout", res)
	}
}

func TestSendBlockingUnblocksOnReceive(t *testing.T) {
	q := New[int](1)
	if err := q.Send(1); err != nil {
		t.Fatal(err)
	}

	done := make(chan Result, 1)
	go func() { done <- q.SendBlocking(2) }()

	time.Sleep(10 * time.Millisecond)
	item, res := q.Receive(0)
	if res != Ok || item != 1 {
		t.Fatalf("Receive = (%d, %s)", item, res)
	}

	select {
	case r := <-done:
		if r != Ok {
			t.Fatalf("SendBlocking = %s, want Ok", r)
		}
	case <-time.After(time.Second):
		t.Fatal("SendBlocking never unblocked after space freed")
	}
}

func TestNotifyAllWakesReceivers(t *testing.T) {
	q := New[int](1)
	done := make(chan Result, 1)
	go func() {
		_, res := q.Receive(-1)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	q.NotifyAll()

	select {
	case r := <-done:
		if r != Notified {
			t.Fatalf("Receive = %s, want Notified", r)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive never woke on NotifyAll")
	}
}

func TestNotifyAllWakesBlockedSender(t *testing.T) {
	q := New[int](1)
	if err := q.Send(1); err != nil {
		t.Fatal(err)
	}

	done := make(chan Result, 1)
	go func() { done <- q.SendBlocking(2) }()

	time.Sleep(10 * time.Millisecond)
	q.NotifyAll()

	select {
	case r := <-done:
		if r != Notified {
			t.Fatalf("SendBlocking = %s, want Notified", r)
		}
	case <-time.After(time.Second):
		t.Fatal("SendBlocking never woke on NotifyAll")
	}
}

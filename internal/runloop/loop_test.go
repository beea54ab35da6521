package runloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTasksRunInOrderOnOneGoroutine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(16)
	go l.Run(ctx)

	var got []int
	var wg sync.WaitGroup
	wg.Add(1)
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(wg.Done)
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestCallReturnsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(1)
	go l.Run(ctx)

	want := errors.New("x")
	if err := l.Call(ctx, func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(1)
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	if err := l.Call(ctx, func() error { return nil }); err != nil {
		t.Fatalf("loop should survive a panic: %v", err)
	}
}

func TestCallAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(0)
	go l.Run(ctx)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
	if err := l.Call(context.Background(), func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	// must not block
	l.Post(func() {})
}

func TestPostFromLoopWithFullQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(1)
	go l.Run(ctx)

	finished := make(chan struct{})
	l.Post(func() {
		for i := 0; i < 8; i++ {
			l.Post(func() {})
		}
		l.Post(func() { close(finished) })
	})

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("task posting from the loop blocked")
	}
}

func TestPostedFromLoopKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(1)
	go l.Run(ctx)

	var got []int
	finished := make(chan struct{})
	l.Post(func() {
		for i := 0; i < 5; i++ {
			l.Post(func() { got = append(got, i) })
		}
		l.Post(func() { close(finished) })
	})

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("posted tasks did not run")
	}
	if len(got) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order: %v", got)
		}
	}
}

package dbpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p := New([]int{1, 2, 3})
	ctx := context.Background()

	h, release, err := p.Scoped(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h < 1 || h > 3 {
		t.Fatalf("unexpected handle %d", h)
	}
	release()

	// releasing must make the handle acquirable again without blocking.
	done := make(chan struct{})
	go func() {
		p.Acquire(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire after release blocked unexpectedly")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New([]int{1, 2})
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan int, 1)
	go func() {
		h, err := p.Acquire(ctx)
		if err == nil {
			acquired <- h
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while pool of 2 is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(h1)
	select {
	case h := <-acquired:
		if h != h1 {
			t.Fatalf("expected released handle %d, got %d", h1, h)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
	p.Release(h2)
}

func TestPoolScopedReleasesOnPanic(t *testing.T) {
	p := New([]int{1})
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		_, release, err := p.Scoped(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		panic("simulated failure mid-work")
	}()

	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected handle to be released after panic: %v", err)
	}
	p.Release(h)
}

func TestPoolCloseUnblocksWaiters(t *testing.T) {
	p := New([]int{1})
	ctx := context.Background()
	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = h

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Acquire(ctx)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()
	wg.Wait()

	if err := <-errs; err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/duckmesh/duckfilter/internal/filter"
)

type fakeRunner struct {
	closed atomic.Int32
}

func (f *fakeRunner) Add(context.Context, arrow.Record) (arrow.Record, error) { return nil, nil }

func (f *fakeRunner) Close() error {
	f.closed.Add(1)
	return nil
}

func countingPool(size int) (*SessionPool, *atomic.Int32) {
	var opened atomic.Int32
	pool := NewSessionPool(size, func(context.Context) (Runner, error) {
		opened.Add(1)
		return &fakeRunner{}, nil
	})
	return pool, &opened
}

func TestSessionPoolReusesIdleSessions(t *testing.T) {
	pool, opened := countingPool(2)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := pool.Release(first, nil); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if second != first || opened.Load() != 1 {
		t.Fatalf("opened = %d, reused = %v", opened.Load(), second == first)
	}
	if err := pool.Release(second, errors.New("query failed")); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if first.(*fakeRunner).closed.Load() != 0 {
		t.Fatal("session closed after a query-level failure")
	}
}

func TestSessionPoolClosesBrokenSessions(t *testing.T) {
	pool, opened := countingPool(1)
	ctx := context.Background()

	runner, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := pool.Release(runner, &filter.ConnectionError{Op: "connect", Err: errors.New("down")}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if runner.(*fakeRunner).closed.Load() != 1 {
		t.Fatal("broken session not closed")
	}
	next, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = pool.Release(next, nil) }()
	if opened.Load() != 2 {
		t.Fatalf("opened = %d", opened.Load())
	}
}

func TestSessionPoolBoundsConcurrentSessions(t *testing.T) {
	pool, _ := countingPool(1)
	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if err := pool.Release(held, nil); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestSessionPoolClose(t *testing.T) {
	pool, _ := countingPool(2)
	ctx := context.Background()
	idle, _ := pool.Acquire(ctx)
	busy, _ := pool.Acquire(ctx)
	_ = pool.Release(idle, nil)

	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if idle.(*fakeRunner).closed.Load() != 1 {
		t.Fatal("idle session not closed")
	}
	_ = pool.Release(busy, nil)
	if busy.(*fakeRunner).closed.Load() != 1 {
		t.Fatal("busy session not closed on release")
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, errPoolClosed) {
		t.Fatalf("Acquire() error = %v", err)
	}
}

func TestOpenErrorFreesSlot(t *testing.T) {
	attempts := 0
	pool := NewSessionPool(1, func(context.Context) (Runner, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("engine unavailable")
		}
		return &fakeRunner{}, nil
	})
	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	runner, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	_ = pool.Release(runner, nil)
}

package api

import (
	"context"
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/duckmesh/duckfilter/internal/filter"
)

var errPoolClosed = errors.New("session pool is closed")

// Runner is an open filter session.
type Runner interface {
	Add(ctx context.Context, record arrow.Record) (arrow.Record, error)
	Close() error
}

// SessionPool bounds the engine sessions of one task and reuses idle ones.
type SessionPool struct {
	open  func(ctx context.Context) (Runner, error)
	slots chan struct{}
	idle  chan Runner

	mu     sync.Mutex
	closed bool
}

func NewSessionPool(size int, open func(ctx context.Context) (Runner, error)) *SessionPool {
	if size < 1 {
		size = 1
	}
	return &SessionPool{
		open:  open,
		slots: make(chan struct{}, size),
		idle:  make(chan Runner, size),
	}
}

// Acquire waits for a free slot and returns an idle session or opens one.
func (p *SessionPool) Acquire(ctx context.Context) (Runner, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.isClosed() {
		<-p.slots
		return nil, errPoolClosed
	}
	select {
	case runner := <-p.idle:
		return runner, nil
	default:
	}
	runner, err := p.open(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return runner, nil
}

// Release hands runner back. Sessions that failed below the query level are
// closed instead of reused.
func (p *SessionPool) Release(runner Runner, err error) error {
	defer func() { <-p.slots }()
	switch filter.FailureKind(err) {
	case "connection", "canceled":
		return runner.Close()
	}
	if p.isClosed() {
		return runner.Close()
	}
	p.idle <- runner
	return nil
}

// Close closes idle sessions. Sessions still in use are closed on release.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case runner := <-p.idle:
			errs = append(errs, runner.Close())
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

package client

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is returned by a query replaced by a newer one
var ErrSuperseded = errors.New("query superseded by a newer one")

// LatestQuery runs lookups where only the most recent one counts. Starting
// a query cancels the one before it, and a result that arrives after a
// newer query started is discarded.
type LatestQuery[T any] struct {
	fn func(ctx context.Context, query string) (T, error)

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func NewLatestQuery[T any](fn func(ctx context.Context, query string) (T, error)) *LatestQuery[T] {
	return &LatestQuery[T]{fn: fn}
}

// Run executes query. It returns ErrSuperseded when another Run started
// before this one finished.
func (q *LatestQuery[T]) Run(ctx context.Context, query string) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.seq++
	seq := q.seq
	q.cancel = cancel
	q.mu.Unlock()

	res, err := q.fn(ctx, query)

	q.mu.Lock()
	defer q.mu.Unlock()
	if seq != q.seq {
		var zero T
		return zero, ErrSuperseded
	}
	q.cancel = nil
	return res, err
}

// Cancel abandons the running query, if any
func (q *LatestQuery[T]) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
}

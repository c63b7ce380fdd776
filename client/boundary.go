package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"zenchat/logging"
)

// Boundary contains panics raised while handling events or rendering
// conversation state. A recovered panic marks the boundary failed and is
// reported to OnFatal; Reset clears local state so the user can start over.
type Boundary struct {
	state *LocalState

	mu      sync.Mutex
	failure error
	onFatal func(error)
}

func NewBoundary(state *LocalState) *Boundary {
	return &Boundary{state: state}
}

// OnFatal registers the callback for recovered panics
func (b *Boundary) OnFatal(fn func(error)) {
	b.mu.Lock()
	b.onFatal = fn
	b.mu.Unlock()
}

// Run calls fn and converts a panic into an error
func (b *Boundary) Run(name string, fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("%s: panic: %v", name, r)
		logging.Error().
			Str("stack", string(debug.Stack())).
			Str("where", name).
			Msgf("Recovered panic: %v", r)

		b.mu.Lock()
		b.failure = err
		cb := b.onFatal
		b.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	}()
	fn()
	return nil
}

// Failed returns the last recovered panic, or nil
func (b *Boundary) Failed() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Reset wipes local state and clears the failure
func (b *Boundary) Reset(ctx context.Context) error {
	if b.state != nil {
		if err := b.state.Reset(ctx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.failure = nil
	b.mu.Unlock()
	return nil
}

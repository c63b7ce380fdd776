package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLatestQueryWins(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	q := NewLatestQuery(func(ctx context.Context, query string) (string, error) {
		started <- struct{}{}
		if query == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return "result:" + query, nil
	})

	slowErr := make(chan error, 1)
	go func() {
		_, err := q.Run(context.Background(), "slow")
		slowErr <- err
	}()
	<-started

	got, err := q.Run(context.Background(), "fast")
	if err != nil || got != "result:fast" {
		t.Fatalf("latest query: got %q, %v", got, err)
	}
	close(release)

	select {
	case err := <-slowErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("older query should be superseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("older query never returned")
	}
}

func TestLatestQueryCancel(t *testing.T) {
	t.Parallel()

	q := NewLatestQuery(func(ctx context.Context, _ string) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		_, err := q.Run(context.Background(), "x")
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		q.Cancel()
		select {
		case err := <-done:
			if !errors.Is(err, ErrSuperseded) {
				t.Fatalf("expected ErrSuperseded, got %v", err)
			}
			return
		case <-deadline:
			t.Fatal("cancelled query never returned")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

package query

import (
	"context"
	"sync"

	"cashcompass/internal/log"
	"cashcompass/internal/store"
)

// Live is a handle on a continuously recomputed query. It yields one
// result immediately and a fresh one after every committed write to a
// collection the query depends on. Each delivered result reflects a
// store state no older than the previous one; an undelivered result is
// replaced rather than queued, so a slow consumer always reads the
// latest materialization.
type Live[T any] struct {
	results   chan T
	done      chan struct{}
	sub       *store.Subscription
	closeOnce sync.Once
}

// computeFunc materializes the query. refresh is false only for the
// initial computation, which may be served from cache.
type computeFunc[T any] func(ctx context.Context, refresh bool) (T, error)

func newLive[T any](sub *store.Subscription, compute computeFunc[T], logger *log.Logger) *Live[T] {
	l := &Live[T]{
		results: make(chan T, 1),
		done:    make(chan struct{}),
		sub:     sub,
	}
	go l.run(compute, logger)
	return l
}

// Results returns the result channel. It is never closed; callers stop
// reading after Close.
func (l *Live[T]) Results() <-chan T {
	return l.results
}

// Close cancels the live query and releases its change subscription.
// An in-flight recomputation may finish, but its result is dropped
// instead of delivered. Safe to call at any time, more than once.
func (l *Live[T]) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.sub.Close()
	})
}

func (l *Live[T]) run(compute computeFunc[T], logger *log.Logger) {
	ctx := context.Background()

	l.emit(ctx, compute, false, logger)
	for {
		select {
		case <-l.done:
			return
		case _, ok := <-l.sub.C():
			if !ok {
				return
			}
			l.emit(ctx, compute, true, logger)
		}
	}
}

func (l *Live[T]) emit(ctx context.Context, compute computeFunc[T], refresh bool, logger *log.Logger) {
	result, err := compute(ctx, refresh)
	if err != nil {
		logger.ErrorContext(ctx, "Live query recomputation failed", log.FieldError, err)
		return
	}

	for {
		// Checked on its own first: a combined select would pick at
		// random between done and a free buffer slot, letting a result
		// land after Close.
		select {
		case <-l.done:
			return
		default:
		}
		select {
		case <-l.done:
			return
		case l.results <- result:
			return
		default:
		}
		// Buffer full: drop the stale undelivered result and retry
		// with the fresh one.
		select {
		case <-l.results:
		default:
		}
	}
}

// Package runctx holds channel helpers that give up when a context ends.
package runctx

import (
	"context"

	"tunesync/internal/logging"
)

func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (T, bool) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	var zero T
	select {
	case <-ctx.Done():
		logger.Debug(name+" stopped", logging.Field("reason", "context done"), logging.Field("error", ctx.Err()))
		return zero, false
	case v, ok := <-in:
		if !ok {
			logger.Debug(name+" stopped", logging.Field("reason", "channel closed"))
			return zero, false
		}
		return v, true
	}
}

func SendOrDone[T any](ctx context.Context, name string, logger *logging.Logger, out chan<- T, value T) bool {
	if logger == nil {
		panic("runctx.SendOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug(name+" dropped value", logging.Field("reason", "context done"), logging.Field("error", ctx.Err()))
		return false
	case out <- value:
		return true
	}
}

// Consume calls fn for every value received from in until ctx ends or in is
// closed. It returns the number of values handled.
func Consume[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T, fn func(T)) int {
	if fn == nil {
		panic("runctx.Consume: callback must not be nil")
	}
	handled := 0
	for {
		v, ok := RecvOrDone(ctx, name, logger, in)
		if !ok {
			return handled
		}
		fn(v)
		handled++
	}
}

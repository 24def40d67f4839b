package iterator

import (
	"context"

	"github.com/saylorsolutions/nomroute/pkg/entries"
)

// Filter wraps an Iterator with a function that - when it returns true - will allow the entry through.
// Errors from the wrapped Iterator are always passed through.
func Filter(iter Iterator, filter func(entry entries.LogEntry, i int) bool) Iterator {
	return Func(func() (entries.LogEntry, int, error) {
		for {
			entry, idx, err := iter.Next()
			if err != nil {
				return entry, idx, err
			}
			if filter(entry, idx) {
				return entry, idx, nil
			}
		}
	})
}

// Cancellable wraps an iterator and makes it cancellable by context.
// Once the context is done, Next reports the end of the stream and the remainder of the wrapped Iterator is drained.
// Next will still block until the wrapped Iterator yields, so blocking sources should watch ctx themselves.
func Cancellable(ctx context.Context, iter Iterator) Iterator {
	var drained bool
	return Func(func() (entries.LogEntry, int, error) {
		if ctx.Err() != nil {
			if !drained {
				drained = true
				Drain(iter)
			}
			return End()
		}
		return iter.Next()
	})
}

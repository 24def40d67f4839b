// Package iterator provides the stream abstraction that sources use to hand log entries to the router.
package iterator

import (
	"errors"

	"github.com/saylorsolutions/nomroute/pkg/entries"
)

var (
	ErrAtEnd = errors.New("end of iteration")
)

type Iterator interface {
	// Next returns the next LogEntry and its offset in the stream.
	// Returns ErrAtEnd when the end of the stream is reached.
	Next() (entries.LogEntry, int, error)
	// Iterate will progress through all LogEntry items in the stream, calling iter for each one along with the offset.
	// If iter returns ErrAtEnd, then iteration will cease, returning nil.
	// If any other error is returned, then iteration will cease, and the error will be returned.
	Iterate(iter func(entry entries.LogEntry, i int) error) error
}

// Func adapts a next function into an Iterator.
func Func(next func() (entries.LogEntry, int, error)) Iterator {
	return funcIterator(next)
}

type funcIterator func() (entries.LogEntry, int, error)

func (f funcIterator) Next() (entries.LogEntry, int, error) {
	return f()
}

func (f funcIterator) Iterate(iter func(entry entries.LogEntry, i int) error) error {
	return iterate(f, iter)
}

func iterate(it Iterator, iter func(entry entries.LogEntry, i int) error) error {
	for {
		entry, i, err := it.Next()
		if err == nil {
			err = iter(entry, i)
		}
		if err != nil {
			if IsEnd(err) {
				return nil
			}
			return err
		}
	}
}

// End is the return value of Next for an exhausted stream.
func End() (entries.LogEntry, int, error) {
	return nil, -1, ErrAtEnd
}

// Err is the return value of Next for a failed stream.
func Err(err error) (entries.LogEntry, int, error) {
	return nil, -1, err
}

func IsEnd(err error) bool {
	return errors.Is(err, ErrAtEnd)
}

// Empty returns an Iterator that is already exhausted.
func Empty() Iterator {
	return Func(End)
}

func FromSlice(entries []entries.LogEntry) Iterator {
	return &entrySlice{entries: entries}
}

func FromChannel(entries <-chan entries.LogEntry) Iterator {
	return &entryChannel{ch: entries}
}

// Drain will drain all entries from an Iterator in a new goroutine.
// Sources use this as an error fallback to prevent upstream blocking.
func Drain(iter Iterator) {
	go func() {
		for {
			if _, _, err := iter.Next(); err != nil {
				return
			}
		}
	}()
}

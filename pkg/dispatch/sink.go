package dispatch

import (
	"context"
	"errors"
)

var (
	ErrRejected     = errors.New("destination is not accepting records")
	ErrInvalidState = errors.New("invalid state")
	ErrDuplicate    = errors.New("duplicate destination")
	ErrNoSink       = errors.New("destination has no sink")
)

// Sink is the write side of a destination.
//
// WriteBatch is called from a single goroutine per destination, and must not retain the batch after returning.
// A nil error means every record in the batch was written.
// Errors are retried unless they are wrapped with Permanent.
// The context passed to WriteBatch is cancelled when the destination's drain timeout runs out.
type Sink interface {
	Open(ctx context.Context) error
	WriteBatch(ctx context.Context, batch *Batch) error
	Flush(ctx context.Context) error
	Close() error
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent marks err as a failure that retrying won't fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

package dispatch

import (
	"fmt"
	"sync/atomic"
)

// DrainState is the lifecycle state of a destination.
type DrainState int32

const (
	// Open destinations accept and write records.
	Open DrainState = iota
	// Draining destinations reject new records and keep writing the ones already admitted.
	Draining
	// Closed destinations have resolved every admitted record.
	Closed
)

func (s DrainState) String() string {
	switch s {
	case Open:
		return "open"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("DrainState(%d)", int32(s))
	}
}

type drainState struct {
	val atomic.Int32
}

func (s *drainState) Load() DrainState {
	return DrainState(s.val.Load())
}

// advance moves the state forward to next, returning false if the state is already at or past next.
func (s *drainState) advance(next DrainState) bool {
	for {
		cur := s.val.Load()
		if DrainState(cur) >= next {
			return false
		}
		if s.val.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// PendingCounter counts records that left a destination's queue and haven't been resolved yet.
type PendingCounter struct {
	n atomic.Int64
}

func (p *PendingCounter) Add(n int) {
	p.n.Add(int64(n))
}

// Done resolves n records. Resolving more records than are pending is a programming error, and panics.
func (p *PendingCounter) Done(n int) {
	if v := p.n.Add(-int64(n)); v < 0 {
		panic(fmt.Sprintf("pending counter dropped below zero: %d", v))
	}
}

func (p *PendingCounter) Load() int64 {
	return p.n.Load()
}

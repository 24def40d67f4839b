package dispatch

import (
	"context"
	"sync"

	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
)

type item struct {
	entry entries.LogEntry
	rule  route.RuleMeta
}

// Queue is a bounded FIFO of records waiting for one destination.
// Any number of goroutines may send, a single worker receives.
type Queue struct {
	items  chan item
	done   chan struct{}
	mux    sync.RWMutex
	closed bool
	once   sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		items: make(chan item, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue admits entry, waiting while the queue is full.
// ErrRejected is returned once CloseSend has been called, including to callers that were waiting at that moment.
func (q *Queue) Enqueue(ctx context.Context, entry entries.LogEntry, rule route.RuleMeta) error {
	q.mux.RLock()
	defer q.mux.RUnlock()
	if q.closed {
		return ErrRejected
	}
	select {
	case <-q.done:
		return ErrRejected
	default:
	}
	select {
	case q.items <- item{entry: entry, rule: rule}:
		return nil
	case <-q.done:
		return ErrRejected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue admits entry only if there is room, reporting whether it was admitted.
func (q *Queue) TryEnqueue(entry entries.LogEntry, rule route.RuleMeta) (bool, error) {
	q.mux.RLock()
	defer q.mux.RUnlock()
	if q.closed {
		return false, ErrRejected
	}
	select {
	case <-q.done:
		return false, ErrRejected
	default:
	}
	select {
	case q.items <- item{entry: entry, rule: rule}:
		return true, nil
	default:
		return false, nil
	}
}

// CloseSend stops the queue from admitting records. Records already admitted can still be received.
func (q *Queue) CloseSend() {
	q.once.Do(func() {
		close(q.done)
		q.mux.Lock()
		q.closed = true
		close(q.items)
		q.mux.Unlock()
	})
}

// Closed reports whether CloseSend has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}

// receive exposes the receive side to the owning worker. The channel is closed after CloseSend.
func (q *Queue) receive() <-chan item {
	return q.items
}

// discard empties a closed queue, returning how many records were removed.
func (q *Queue) discard() int {
	var n int
	for range q.items {
		n++
	}
	return n
}

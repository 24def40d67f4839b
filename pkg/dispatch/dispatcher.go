package dispatch

import (
	"context"
	"errors"

	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
)

// Dispatcher fans records out to the destinations that select them.
// A Dispatcher is not safe for concurrent use, each dispatching goroutine gets its own from Supervisor.Dispatcher.
type Dispatcher struct {
	sup     *Supervisor
	scratch *route.Scratch
	copies  []entries.LogEntry
	full    []int
}

// Dispatch delivers entry to every selected destination, each receiving its own copy.
// The caller must not use entry afterward.
// A full destination blocks Dispatch only after every other selected destination has received the record.
// Destinations skipped because they were draining are treated as if they rejected the record.
// An error is only returned if ctx is cancelled while waiting.
func (d *Dispatcher) Dispatch(ctx context.Context, entry entries.LogEntry, rule route.RuleMeta) error {
	decision := d.sup.eval.Evaluate(entry, rule, d.scratch)
	skipped := d.scratch.Skipped()
	if len(decision) == 0 && len(skipped) == 0 {
		d.sup.countUnrouted()
		return nil
	}
	d.copies = d.copies[:0]
	last := len(decision) + len(skipped) - 1
	for i := 0; i <= last; i++ {
		if i == last {
			d.copies = append(d.copies, entry)
			continue
		}
		d.copies = append(d.copies, entry.Clone())
	}
	for i, target := range decision {
		if len(target.Tags) > 0 {
			d.copies[i].Merge(target.Tags)
		}
	}
	defer clear(d.copies)

	d.full = d.full[:0]
	for i, target := range decision {
		w := d.sup.workers[target.Dest]
		ok, err := w.TryEnqueue(d.copies[i], rule)
		if err != nil {
			if err := d.rejected(ctx, w, d.copies[i], rule); err != nil {
				return err
			}
			continue
		}
		if !ok {
			d.full = append(d.full, i)
		}
	}
	for j, dest := range skipped {
		if err := d.rejected(ctx, d.sup.workers[dest], d.copies[len(decision)+j], rule); err != nil {
			return err
		}
	}
	for _, i := range d.full {
		w := d.sup.workers[decision[i].Dest]
		err := w.Enqueue(ctx, d.copies[i], rule)
		switch {
		case err == nil:
		case errors.Is(err, ErrRejected):
			if err := d.rejected(ctx, w, d.copies[i], rule); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// rejected offers a record turned away by w to the miss destination, counting it as rejected by w if that isn't possible.
func (d *Dispatcher) rejected(ctx context.Context, w *Worker, entry entries.LogEntry, rule route.RuleMeta) error {
	miss := d.sup.miss
	if miss != nil && miss != w && miss.Accepting() {
		err := miss.Enqueue(ctx, entry, rule)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRejected) {
			return err
		}
	}
	w.countRejected()
	return nil
}

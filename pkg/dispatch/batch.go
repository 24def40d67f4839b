package dispatch

import (
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
)

// Batch is a run of consecutive records admitted to one destination under the same rule, in admission order.
// Sinks must treat a Batch as read-only, the same Batch is passed to every retry of a write.
type Batch struct {
	Rule    route.RuleMeta
	Entries []entries.LogEntry
}

func (b *Batch) Len() int {
	return len(b.Entries)
}

// accumulator groups queued records into batches.
// A record with a different rule than the batch being built is carried over to start the next batch.
type accumulator struct {
	size  int
	carry *item
}

func (a *accumulator) start(it item) *Batch {
	b := &Batch{
		Rule:    it.rule,
		Entries: make([]entries.LogEntry, 1, a.size),
	}
	b.Entries[0] = it.entry
	return b
}

// add appends it to b, returning false if it belongs to a different rule and was carried instead.
func (a *accumulator) add(b *Batch, it item) bool {
	if it.rule != b.Rule {
		a.carry = &it
		return false
	}
	b.Entries = append(b.Entries, it.entry)
	return true
}

func (a *accumulator) full(b *Batch) bool {
	return len(b.Entries) >= a.size
}

// takeCarry returns the carried record, if any.
func (a *accumulator) takeCarry() (item, bool) {
	if a.carry == nil {
		return item{}, false
	}
	it := *a.carry
	a.carry = nil
	return it, true
}

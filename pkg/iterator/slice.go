package iterator

import (
	"github.com/saylorsolutions/nomroute/pkg/entries"
)

var _ Iterator = (*entrySlice)(nil)

type entrySlice struct {
	entries []entries.LogEntry
	next    int
}

func (e *entrySlice) Next() (entries.LogEntry, int, error) {
	cur := e.next
	if cur >= len(e.entries) {
		return End()
	}
	e.next++
	return e.entries[cur], cur, nil
}

func (e *entrySlice) Iterate(iter func(entry entries.LogEntry, i int) error) error {
	return iterate(e, iter)
}

package iterator

import (
	"github.com/saylorsolutions/nomroute/pkg/entries"
)

// Tag appends tag to the standard tag field of every entry passing through.
// Sources use this to mark where an entry came from, so rules can select on it.
func Tag(iter Iterator, tag string) Iterator {
	if len(tag) == 0 {
		return iter
	}
	return Func(func() (entries.LogEntry, int, error) {
		entry, i, err := iter.Next()
		if err != nil {
			return Err(err)
		}
		entry.Tag(tag)
		return entry, i, nil
	})
}

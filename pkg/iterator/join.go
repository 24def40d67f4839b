package iterator

import (
	"fmt"
	"regexp"

	"github.com/saylorsolutions/nomroute/pkg/entries"
)

// Joiner will traverse an Iterator, combining multi-line messages into a single entry.
// A start pattern defines what a @message value must look like to be interpreted as the start of a log message.
// Subsequent messages that do not match any pattern will have their @message field appended to the last start line.
// If the stream starts with an entry that doesn't match, it will be used as a start anyway.
func Joiner(iter Iterator, startPatterns ...string) (Iterator, error) {
	j := &joinerState{iter: iter, idx: -1}
	for _, p := range startPatterns {
		r, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid join pattern %q: %w", p, err)
		}
		j.starts = append(j.starts, r)
	}
	return Func(j.next), nil
}

type joinerState struct {
	iter   Iterator
	starts []*regexp.Regexp
	start  entries.LogEntry
	msg    string
	idx    int
}

func (j *joinerState) isStart(entry entries.LogEntry) bool {
	msg, ok := entry.AsString(entries.StandardMessageField)
	if !ok {
		return false
	}
	for _, r := range j.starts {
		if r.MatchString(msg) {
			return true
		}
	}
	return false
}

func (j *joinerState) begin(entry entries.LogEntry, idx int) {
	j.start, j.idx = entry, idx
	j.msg, _ = entry.AsString(entries.StandardMessageField)
}

func (j *joinerState) finish() (entries.LogEntry, int) {
	start, idx := j.start, j.idx
	start[entries.StandardMessageField] = j.msg
	j.start, j.idx, j.msg = nil, -1, ""
	return start, idx
}

func (j *joinerState) next() (entries.LogEntry, int, error) {
	for {
		entry, i, err := j.iter.Next()
		switch {
		case err != nil:
			if j.start != nil {
				final, idx := j.finish()
				return final, idx, nil
			}
			return nil, -1, err
		case j.start == nil:
			j.begin(entry, i)
		case j.isStart(entry):
			final, idx := j.finish()
			j.begin(entry, i)
			return final, idx, nil
		default:
			if msg, ok := entry.AsString(entries.StandardMessageField); ok {
				j.msg += "\n" + msg
			}
		}
	}
}

package iterator

import (
	"context"
	"errors"
	"testing"

	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/stretchr/testify/assert"
)

func testEntries() []entries.LogEntry {
	return []entries.LogEntry{
		{"A": "A"},
		{"B": "B"},
		{"C": "C"},
	}
}

func TestFilter(t *testing.T) {
	iter := Filter(FromSlice(testEntries()), func(entry entries.LogEntry, i int) bool {
		return entry.HasField("C")
	})

	el, i, err := iter.Next()
	assert.NoError(t, err)
	assert.Equal(t, 2, i)
	s, ok := el.AsString("C")
	assert.True(t, ok, "Field 'C' should exist in this entry")
	assert.Equal(t, "C", s)

	_, _, err = iter.Next()
	assert.ErrorIs(t, err, ErrAtEnd)
}

func TestCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	iter := Cancellable(ctx, FromSlice(testEntries()))

	el, _, err := iter.Next()
	assert.NoError(t, err)
	assert.True(t, el.HasField("A"))

	cancel()
	_, _, err = iter.Next()
	assert.ErrorIs(t, err, ErrAtEnd)
}

func TestTag(t *testing.T) {
	iter := Tag(FromSlice(testEntries()), "src")
	count := 0
	err := iter.Iterate(func(entry entries.LogEntry, i int) error {
		count++
		assert.Equal(t, "src", entry[entries.StandardTagField])
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestIterate_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	count := 0
	err := FromSlice(testEntries()).Iterate(func(entry entries.LogEntry, i int) error {
		count++
		if i == 1 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, count)

	count = 0
	err = FromSlice(testEntries()).Iterate(func(entry entries.LogEntry, i int) error {
		count++
		return ErrAtEnd
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFromChannel(t *testing.T) {
	ch := make(chan entries.LogEntry, 3)
	for _, e := range testEntries() {
		ch <- e
	}
	close(ch)
	var got []int
	err := FromChannel(ch).Iterate(func(entry entries.LogEntry, i int) error {
		got = append(got, i)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)
}

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/saylorsolutions/nomroute/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqliteStore_Insert(t *testing.T) {
	batch := []entries.LogEntry{
		{
			"A":           "A",
			"other-field": "value",
		},
		{
			"A": "A",
			"B": "B",
		},
		{
			"A": "A",
			"B": "B",
			"C": 3,
		},
	}
	store := _tempStore(t)
	require.NoError(t, store.Insert(context.Background(), "test", batch))
	require.NoError(t, store.Insert(context.Background(), "test", batch[:1]))

	got := queryAll(t, store, "test")
	require.Len(t, got, 4)
	assert.Equal(t, "value", got[0]["other-field"])
	assert.False(t, got[1].HasField("other-field"), "Null columns aren't set on the entry")
	assert.Equal(t, "3", got[2]["C"])
	assert.Equal(t, int64(4), got[3][idColumn])
}

func TestSqliteStore_BadTable(t *testing.T) {
	store := _tempStore(t)
	err := store.Insert(context.Background(), "drop table x;", []entries.LogEntry{{"a": "a"}})
	assert.ErrorIs(t, err, ErrBadTable)
	_, err = store.QueryEntries(context.Background(), "a b")
	assert.ErrorIs(t, err, ErrBadTable)
}

func TestSink_RuleTables(t *testing.T) {
	file := filepath.Join(t.TempDir(), "store.db")
	sink := NewSink(hclog.NewNullLogger(), file, "logs_"+plugin.RulePlaceholder)
	require.NoError(t, sink.Open(context.Background()))

	web := route.NewRuleMeta("web")
	require.NoError(t, sink.WriteBatch(context.Background(), &dispatch.Batch{
		Rule:    web,
		Entries: []entries.LogEntry{{"path": "/"}, {"path": "/index.html"}},
	}))
	require.NoError(t, sink.WriteBatch(context.Background(), &dispatch.Batch{
		Rule:    route.Unmatched,
		Entries: []entries.LogEntry{{"@message": "?"}},
	}))
	require.NoError(t, sink.Flush(context.Background()))
	require.NoError(t, sink.Close())

	store, err := NewStore(hclog.NewNullLogger(), file)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	assert.Len(t, queryAll(t, store, "logs_web"), 2)
	assert.Len(t, queryAll(t, store, "logs_unmatched"), 1)
}

func TestSink_BadTableIsPermanent(t *testing.T) {
	sink := NewSink(hclog.NewNullLogger(), filepath.Join(t.TempDir(), "store.db"), "bad table")
	require.NoError(t, sink.Open(context.Background()))
	defer func() {
		_ = sink.Close()
	}()
	err := sink.WriteBatch(context.Background(), &dispatch.Batch{Entries: []entries.LogEntry{{"a": "a"}}})
	assert.True(t, dispatch.IsPermanent(err))
}

func TestPlugin_SourceReadsSinkOutput(t *testing.T) {
	reg := plugin.NewRegistration()
	p := Plugin()
	reg.Register(p)
	args := plugin.Args{
		"file":  filepath.Join(t.TempDir(), "store.db"),
		"table": "events",
	}

	sink, err := reg.NewSink(hclog.NewNullLogger(), "sqlite.Table", args)
	require.NoError(t, err)
	require.NoError(t, sink.Open(context.Background()))
	require.NoError(t, sink.WriteBatch(context.Background(), &dispatch.Batch{
		Entries: []entries.LogEntry{{"a": "1"}, {"a": "2"}},
	}))
	require.NoError(t, sink.Close())

	iter, err := reg.NewSource(context.Background(), hclog.NewNullLogger(), "sqlite.Table", args)
	require.NoError(t, err)
	var got []string
	require.NoError(t, iter.Iterate(func(entry entries.LogEntry, _ int) error {
		got = append(got, entry["a"].(string))
		return nil
	}))
	assert.Equal(t, []string{"1", "2"}, got)
	assert.NoError(t, p.Stopping())

	_, err = reg.NewSink(hclog.NewNullLogger(), "sqlite.Table", plugin.Args{"file": "x.db"})
	assert.ErrorIs(t, err, plugin.ErrArgs)
}

func queryAll(t *testing.T, store *SqliteStore, table string) []entries.LogEntry {
	t.Helper()
	iter, err := store.QueryEntries(context.Background(), table)
	require.NoError(t, err)
	var got []entries.LogEntry
	require.NoError(t, iter.Iterate(func(entry entries.LogEntry, _ int) error {
		got = append(got, entry)
		return nil
	}))
	return got
}

func _tempStore(t *testing.T) *SqliteStore {
	td := t.TempDir()
	t.Log("Using temp store:", td)
	log := hclog.New(&hclog.LoggerOptions{Level: hclog.Debug, Output: hclog.DefaultOutput})
	store, err := NewStore(log, filepath.Join(td, "store.db"))
	require.NoError(t, err, "Failed to create new store")
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Error("Failed to close DB")
		}
	})
	return store
}

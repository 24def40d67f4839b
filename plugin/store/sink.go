package store

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/plugin"
)

var _ dispatch.Sink = (*Sink)(nil)

// Sink lands each batch in a SQLite table, one transaction per batch.
// The table may contain plugin.RulePlaceholder to give each rule its own table.
type Sink struct {
	log   hclog.Logger
	file  string
	table string
	store *SqliteStore
}

func NewSink(log hclog.Logger, file, table string) *Sink {
	return &Sink{
		log:   log,
		file:  file,
		table: table,
	}
}

func (s *Sink) Open(ctx context.Context) error {
	store, err := NewStore(s.log, s.file)
	if err != nil {
		return err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return err
	}
	s.store = store
	return nil
}

func (s *Sink) WriteBatch(ctx context.Context, batch *dispatch.Batch) error {
	err := s.store.Insert(ctx, plugin.Expand(s.table, batch.Rule), batch.Entries)
	if errors.Is(err, ErrBadTable) {
		return dispatch.Permanent(err)
	}
	return err
}

// Flush is a no-op, every batch is committed as it's written.
func (s *Sink) Flush(context.Context) error {
	return nil
}

func (s *Sink) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

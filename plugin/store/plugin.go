package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
	"github.com/saylorsolutions/nomroute/plugin"
)

func Plugin() plugin.Plugin {
	return &sqlitePlugin{
		storeCache: map[string]*SqliteStore{},
	}
}

// sqlitePlugin shares one SqliteStore per file between the sources reading it.
type sqlitePlugin struct {
	mux        sync.Mutex
	storeCache map[string]*SqliteStore
}

func (p *sqlitePlugin) ID() string {
	return "sqlite"
}

func (p *sqlitePlugin) Stopping() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	var err error
	for file, store := range p.storeCache {
		if cerr := store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("error closing SQLite store %s: %w", file, cerr))
		}
	}
	p.storeCache = map[string]*SqliteStore{}
	return err
}

func (p *sqlitePlugin) store(log hclog.Logger, file string) (*SqliteStore, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if store, ok := p.storeCache[file]; ok {
		return store, nil
	}
	store, err := NewStore(log, file)
	if err != nil {
		return nil, err
	}
	p.storeCache[file] = store
	return store, nil
}

func tableArgs(args plugin.Args) (file, table string, err error) {
	file, err = args.Require("file")
	if err != nil {
		return "", "", err
	}
	table, err = args.Require("table")
	if err != nil {
		return "", "", err
	}
	return file, table, nil
}

func (p *sqlitePlugin) Register(reg *plugin.Registration) {
	reg.RegisterSource("sqlite", "Table", func(ctx context.Context, log hclog.Logger, args plugin.Args) (iterator.Iterator, error) {
		file, table, err := tableArgs(args)
		if err != nil {
			return nil, err
		}
		store, err := p.store(log, file)
		if err != nil {
			return nil, err
		}
		return store.QueryEntries(ctx, table)
	})
	reg.DocumentSource("sqlite", "Table", `sqlite.Table
  file  = FILE_NAME
  table = TABLE_NAME

This source will query all rows from a table and return each row as a log entry.
It may not return continuously added rows, so it should be used for tables that represent a static snapshot of log entries.`)
	reg.RegisterSink("sqlite", "Table", func(log hclog.Logger, args plugin.Args) (dispatch.Sink, error) {
		file, table, err := tableArgs(args)
		if err != nil {
			return nil, err
		}
		return NewSink(log, file, table), nil
	})
	reg.DocumentSink("sqlite", "Table", `sqlite.Table
  file  = FILE_NAME
  table = TABLE_NAME

This sink will land all log entries into the SQLite database table specified, committing each batch in one transaction. The table may be prefixed with a schema name like "my_schema.my_table".
The table may contain {rule} to land the records of each rule in their own table.
If the table does not exist, then it will be created with an integer primary key column called evt_id. Table columns will be created as needed, one for each log entry field.
This means that the table may trend toward being sparsely populated if the input entries are largely heterogeneous.`)
}

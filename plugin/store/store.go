package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
	_ "modernc.org/sqlite"
)

var (
	tablePattern = regexp.MustCompile(`^\w+(\.\w+)?$`)
	ErrBadTable  = errors.New("invalid table name")
)

// SqliteStore is a store for LogEntries using Sqlite3 as a storage engine.
type SqliteStore struct {
	db  *sql.DB
	log hclog.Logger
	// columns known per table, populated as tables are ensured.
	columns map[string]map[string]bool
}

func NewStore(log hclog.Logger, filename string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer, so the pool is kept to one connection.
	db.SetMaxOpenConns(1)
	return &SqliteStore{
		db:      db,
		log:     log.Named("sqlite-entry-store").With("file", filename),
		columns: map[string]map[string]bool{},
	}, nil
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// QueryEntries returns every row of table as a LogEntry. Iteration ends early if ctx is cancelled.
func (s *SqliteStore) QueryEntries(ctx context.Context, table string) (iterator.Iterator, error) {
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %s", ErrBadTable, table)
	}
	rows, err := s.db.QueryContext(ctx, "select * from "+table)
	if err != nil {
		return nil, err
	}
	iter, err := newQueryIterator(s.log, rows)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return iterator.Cancellable(ctx, iter), nil
}

// Insert lands every entry in table within a single transaction.
// The table is created if it's missing, and a column is added for each field not seen before.
func (s *SqliteStore) Insert(ctx context.Context, table string, batch []entries.LogEntry) error {
	if !tablePattern.MatchString(table) {
		return fmt.Errorf("%w: %s", ErrBadTable, table)
	}
	log := s.log.With("table", table)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	cols, fresh, err := s.ensureTable(ctx, tx, table)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	added := map[string]bool{}
	for _, entry := range batch {
		fields := sortedFields(entry)
		for _, f := range fields {
			if cols[f] || added[f] {
				continue
			}
			log.Debug("New field discovered, adding to table", "field", f)
			if err := addColumn(ctx, tx, table, f); err != nil {
				_ = tx.Rollback()
				log.Error("Failed to add field to table", "field", f, "error", err)
				return err
			}
			added[f] = true
		}
		if err := insert(ctx, tx, table, entry, fields); err != nil {
			_ = tx.Rollback()
			log.Error("Failed to insert into table", "error", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	// Tables and columns created in a rolled back transaction don't exist, so they're only remembered after commit.
	for f := range added {
		cols[f] = true
	}
	if fresh {
		s.columns[table] = cols
	}
	log.Debug("Inserted batch", "records", len(batch))
	return nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) ensureTable(ctx context.Context, tx *sql.Tx, table string) (cols map[string]bool, fresh bool, err error) {
	if cols, ok := s.columns[table]; ok {
		return cols, false, nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(createTable, table)); err != nil {
		return nil, false, err
	}
	names, err := tableColumns(ctx, tx, table)
	if err != nil {
		return nil, false, err
	}
	cols = map[string]bool{}
	for _, c := range names {
		cols[c] = true
	}
	return cols, true, nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "select * from "+table+" limit 0")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	return rows.Columns()
}

func addColumn(ctx context.Context, tx *sql.Tx, table string, colName string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("alter table %s add column %s text null", table, quoteIdent(colName)))
	return err
}

func insert(ctx context.Context, tx *sql.Tx, table string, entry entries.LogEntry, fields []string) error {
	if len(fields) == 0 {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("insert into %s default values", table))
		return err
	}
	var (
		into   strings.Builder
		params strings.Builder
		args   = make([]any, len(fields))
	)
	for i, f := range fields {
		if i > 0 {
			into.WriteString(",")
			params.WriteString(",")
		}
		into.WriteString(quoteIdent(f))
		params.WriteString("?")
		args[i], _ = entry.AsString(f)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("insert into %s (%s) values (%s)", table, into.String(), params.String()), args...)
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortedFields(entry entries.LogEntry) []string {
	fields := make([]string, 0, len(entry))
	for k := range entry {
		if k == idColumn {
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
)

const (
	idColumn    = "evt_id"
	createTable = `
create table if not exists %s (
	evt_id integer primary key
)`
)

var (
	ErrUnexpectedColumnType = errors.New("unexpected column type")
)

func newQueryIterator(log hclog.Logger, rows *sql.Rows) (iterator.Iterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		log.Error("Failed to query columns", "error", err)
		return nil, err
	}
	if len(cols) == 0 {
		_ = rows.Close()
		return iterator.Empty(), nil
	}

	var rowNum int
	return iterator.Func(func() (entries.LogEntry, int, error) {
		if !rows.Next() {
			err := rows.Err()
			_ = rows.Close()
			if err != nil {
				return iterator.Err(err)
			}
			return iterator.End()
		}
		var rowID int64
		vals := make([]any, len(cols))
		for i := range vals {
			if cols[i] == idColumn {
				vals[i] = &rowID
				continue
			}
			vals[i] = &sql.NullString{}
		}
		if err := rows.Scan(vals...); err != nil {
			_ = rows.Close()
			return iterator.Err(err)
		}

		entry := entries.LogEntry{}
		for i, v := range vals {
			switch s := v.(type) {
			case *sql.NullString:
				if s.Valid {
					entry[cols[i]] = s.String
				}
			case *int64:
				entry[cols[i]] = *s
			default:
				_ = rows.Close()
				return iterator.Err(fmt.Errorf("%w: %T", ErrUnexpectedColumnType, v))
			}
		}
		cur := rowNum
		rowNum++
		return entry, cur, nil
	}), nil
}

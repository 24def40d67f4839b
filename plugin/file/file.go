package file

import (
	"context"
	"time"

	"github.com/nxadm/tail"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
)

const (
	readTimeField = "@read_timestamp"
	readLineField = "@read_line_number"
)

// Source will create an iterator.Iterator that contains the lines of the provided log file, ending at the end of the file.
// If a line is structured as JSON data, then the individual fields of the line will be merged into the entries.LogEntry.
// Otherwise, a @message field will be populated with the entire line.
func Source(ctx context.Context, filename string) (iterator.Iterator, error) {
	_, i, err := ctxSource(ctx, filename, false)
	return i, err
}

// TailSource behaves like Source, except that it follows the file as it grows and is rotated until ctx is cancelled.
func TailSource(ctx context.Context, filename string) (iterator.Iterator, error) {
	_, i, err := ctxSource(ctx, filename, true)
	return i, err
}

func ctxSource(ctx context.Context, filename string, follow bool) (*tail.Tail, iterator.Iterator, error) {
	t, err := tail.TailFile(filename, tail.Config{
		ReOpen:    follow,
		MustExist: true,
		Follow:    follow,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan entries.LogEntry)
	go func() {
		defer close(ch)
		defer func() {
			_ = t.Stop()
			t.Cleanup()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-t.Lines:
				if !ok {
					return
				}
				if l.Err != nil {
					continue
				}
				entry := entries.FromString(l.Text)
				entry[readTimeField] = l.Time.Format(time.RFC3339)
				entry[readLineField] = l.Num
				select {
				case ch <- entry:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return t, iterator.FromChannel(ch), nil
}

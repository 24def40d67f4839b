package stdstream

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
	"github.com/saylorsolutions/nomroute/plugin"
)

var _ plugin.Plugin = (*stdplugin)(nil)

func Plugin() plugin.Plugin {
	return new(stdplugin)
}

type stdplugin struct {
}

func (s *stdplugin) ID() string {
	return "std"
}

func (s *stdplugin) Register(reg *plugin.Registration) {
	reg.RegisterSource("std", "In", SourceIn)
	reg.DocumentSource("std", "In", `std.In

Reads each line of STDIN as a log entry. The input may be a valid JSON object, or completely unstructured.`)
	reg.RegisterSink("std", "Out", SinkOut)
	reg.DocumentSink("std", "Out", `std.Out

Writes each log entry as a line to STDOUT.`)
	reg.RegisterSink("std", "Err", SinkErr)
	reg.DocumentSink("std", "Err", `std.Err

Writes each log entry as a line to STDERR.`)
}

func (s *stdplugin) Stopping() error {
	return nil
}

func SourceIn(ctx context.Context, _ hclog.Logger, _ plugin.Args) (iterator.Iterator, error) {
	return Reader(ctx, os.Stdin), nil
}

// Reader produces a log entry for each line read from r, until r is exhausted or ctx is cancelled.
func Reader(ctx context.Context, r io.Reader) iterator.Iterator {
	ch := make(chan entries.LogEntry)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case ch <- entries.FromString(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return iterator.FromChannel(ch)
}

func SinkOut(_ hclog.Logger, _ plugin.Args) (dispatch.Sink, error) {
	return NewSink(func() io.Writer { return os.Stdout }), nil
}

func SinkErr(_ hclog.Logger, _ plugin.Args) (dispatch.Sink, error) {
	return NewSink(func() io.Writer { return os.Stderr }), nil
}

var _ dispatch.Sink = (*Sink)(nil)

// Sink writes each record as a line of JSON to a stream, which isn't closed when the Sink is.
type Sink struct {
	stream func() io.Writer
	enc    entries.Encoder
	buf    *bufio.Writer
}

// NewSink creates a Sink for the stream returned by stream, which is resolved when the Sink is opened.
func NewSink(stream func() io.Writer) *Sink {
	enc, _ := entries.NewEncoder(entries.FormatJSON)
	return &Sink{stream: stream, enc: enc}
}

func (s *Sink) Open(context.Context) error {
	s.buf = bufio.NewWriter(s.stream())
	return nil
}

func (s *Sink) WriteBatch(_ context.Context, batch *dispatch.Batch) error {
	for _, entry := range batch.Entries {
		data, err := s.enc.Encode(entry)
		if err != nil {
			return dispatch.Permanent(err)
		}
		if _, err := s.buf.Write(data); err != nil {
			return err
		}
		if err := s.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Flush(context.Context) error {
	return s.buf.Flush()
}

func (s *Sink) Close() error {
	return s.buf.Flush()
}

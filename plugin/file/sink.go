package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/gzip"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/plugin"
)

var _ dispatch.Sink = (*Sink)(nil)

// Sink appends each record as a JSON document on its own line.
// The path may contain plugin.RulePlaceholder to write each rule to its own file.
// A batch that fails part way through is retried in full, so lines may be repeated after a write error.
type Sink struct {
	log      hclog.Logger
	path     string
	perms    os.FileMode
	compress bool
	encoder  entries.Encoder
	outputs  map[string]*output
}

type output struct {
	file *os.File
	gz   *gzip.Writer
	buf  *bufio.Writer
}

func (o *output) flush() error {
	if err := o.buf.Flush(); err != nil {
		return err
	}
	if o.gz != nil {
		return o.gz.Flush()
	}
	return nil
}

func (o *output) close() error {
	err := o.flush()
	if o.gz != nil {
		err = errors.Join(err, o.gz.Close())
	}
	return errors.Join(err, o.file.Close())
}

// NewSink creates a Sink writing to path, creating files with perms. Output is gzip compressed if compress is true.
func NewSink(log hclog.Logger, path string, perms os.FileMode, compress bool) *Sink {
	enc, _ := entries.NewEncoder(entries.FormatJSON)
	return &Sink{
		log:      log.Named("file-sink").With("path", path),
		path:     path,
		perms:    perms,
		compress: compress,
		encoder:  enc,
	}
}

// Open creates the parent directory of the output path. Paths without a rule placeholder are opened immediately, so problems surface at startup.
func (s *Sink) Open(context.Context) error {
	s.outputs = map[string]*output{}
	dir := filepath.Dir(s.path)
	if !strings.Contains(dir, plugin.RulePlaceholder) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if !strings.Contains(s.path, plugin.RulePlaceholder) {
		_, err := s.output(s.path)
		return err
	}
	return nil
}

func (s *Sink) output(path string) (*output, error) {
	if out, ok := s.outputs[path]; ok {
		return out, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, s.perms)
	if err != nil {
		return nil, err
	}
	out := &output{file: f}
	if s.compress {
		out.gz = gzip.NewWriter(f)
		out.buf = bufio.NewWriter(out.gz)
	} else {
		out.buf = bufio.NewWriter(f)
	}
	s.log.Debug("Opened output file", "file", path)
	s.outputs[path] = out
	return out, nil
}

func (s *Sink) WriteBatch(_ context.Context, batch *dispatch.Batch) error {
	path := plugin.Expand(s.path, batch.Rule)
	out, err := s.output(path)
	if err != nil {
		if os.IsPermission(err) {
			return dispatch.Permanent(err)
		}
		return err
	}
	for _, entry := range batch.Entries {
		data, err := s.encoder.Encode(entry)
		if err != nil {
			return dispatch.Permanent(fmt.Errorf("failed to encode record: %w", err))
		}
		if _, err := out.buf.Write(data); err != nil {
			s.discard(path, out, err)
			return err
		}
		if err := out.buf.WriteByte('\n'); err != nil {
			s.discard(path, out, err)
			return err
		}
	}
	return nil
}

// discard drops an output after a write error. A bufio.Writer keeps returning its first error, so the file is reopened on next use.
func (s *Sink) discard(path string, out *output, cause error) {
	delete(s.outputs, path)
	s.log.Warn("Write failed, reopening output on next write", "file", path, "error", cause)
	if err := out.close(); err != nil {
		s.log.Debug("Error closing failed output", "file", path, "error", err)
	}
}

func (s *Sink) Flush(context.Context) error {
	var err error
	for path, out := range s.outputs {
		if ferr := out.flush(); ferr != nil {
			s.discard(path, out, ferr)
			err = errors.Join(err, fmt.Errorf("%s: %w", path, ferr))
		}
	}
	return err
}

func (s *Sink) Close() error {
	var err error
	for path, out := range s.outputs {
		if cerr := out.close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", path, cerr))
		}
	}
	s.outputs = nil
	return err
}

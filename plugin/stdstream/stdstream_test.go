package stdstream

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
	"github.com/saylorsolutions/nomroute/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinkAll(sink dispatch.Sink, batch []entries.LogEntry) error {
	if err := sink.Open(context.Background()); err != nil {
		return err
	}
	if err := sink.WriteBatch(context.Background(), &dispatch.Batch{Entries: batch}); err != nil {
		return err
	}
	return sink.Close()
}

func ExampleSinkOut() {
	sink, _ := SinkOut(hclog.NewNullLogger(), nil)
	err := sinkAll(sink, []entries.LogEntry{
		{"a": "a"},
		{"b": "b"},
		{"c": "c"},
	})
	if err != nil {
		panic(err)
	}
	// Output:
	// {"a":"a"}
	// {"b":"b"}
	// {"c":"c"}
}

func TestSinkErr(t *testing.T) {
	sink, err := SinkErr(hclog.NewNullLogger(), nil)
	require.NoError(t, err)
	str, err := redirectErr(func() error {
		return sinkAll(sink, []entries.LogEntry{
			{"a": "a"},
			{"b": "b"},
			{"c": "c"},
		})
	})
	assert.NoError(t, err)
	expected := `{"a":"a"}
{"b":"b"}
{"c":"c"}
`
	assert.Equal(t, expected, str)
}

func TestSourceIn(t *testing.T) {
	input := `{"a":"a"}
plain
{"c":"c"}
`
	var iter iterator.Iterator
	err, cleanup := redirectIn(input, func() error {
		_iter, err := SourceIn(context.Background(), hclog.NewNullLogger(), nil)
		iter = _iter
		return err
	})
	defer cleanup()
	require.NoError(t, err)

	var got []entries.LogEntry
	require.NoError(t, iter.Iterate(func(entry entries.LogEntry, _ int) error {
		got = append(got, entry)
		return nil
	}))
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0]["a"])
	assert.Equal(t, "plain", got[1][entries.StandardMessageField])
	assert.Equal(t, "c", got[2]["c"])
}

func TestReader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	iter := Reader(ctx, strings.NewReader("a\nb\nc\n"))
	_, _, err := iter.Next()
	require.NoError(t, err)
	cancel()
	assert.NoError(t, iter.Iterate(func(entries.LogEntry, int) error {
		return nil
	}))
}

func TestPlugin_Registered(t *testing.T) {
	reg := plugin.NewRegistration()
	reg.Register(Plugin())
	for _, ref := range []string{"std.Out", "std.Err"} {
		_, err := reg.NewSink(hclog.NewNullLogger(), ref, nil)
		assert.NoError(t, err, ref)
	}
	_, _, ok := reg.Source("std", "In")
	assert.True(t, ok)
}

func redirectErr(fn func() error) (string, error) {
	var (
		oldErr = os.Stderr
		output strings.Builder
	)
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stderr = w
	defer func() {
		os.Stderr = oldErr
	}()
	err = fn()
	_ = w.Close()
	_, cperr := io.Copy(&output, r)
	if cperr != nil {
		err = cperr
	}
	return output.String(), err
}

func redirectIn(data string, fn func() error) (error, func()) {
	var (
		oldIn   = os.Stdin
		cleanup = func() {}
	)
	r, w, err := os.Pipe()
	if err != nil {
		return err, cleanup
	}
	os.Stdin = r
	cleanup = func() {
		os.Stdin = oldIn
	}
	_, err = io.Copy(w, strings.NewReader(data))
	_ = w.Close()
	if err != nil {
		return err, cleanup
	}
	if err := fn(); err != nil {
		return err, cleanup
	}
	return nil, cleanup
}

package entries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestLogEntry_AsInt(t *testing.T) {
	tests := map[string]struct {
		val      any
		expected int64
		exists   bool
	}{
		"int": {
			val:      5,
			expected: 5,
			exists:   true,
		},
		"int64": {
			val:      int64(5),
			expected: 5,
			exists:   true,
		},
		"json number": {
			val:      float64(5),
			expected: 5,
			exists:   true,
		},
		"fractional json number": {
			val:      5.5,
			expected: 0,
			exists:   false,
		},
		"int string": {
			val:      "5",
			expected: 5,
			exists:   true,
		},
		"something else": {
			val:      "blah",
			expected: 0,
			exists:   false,
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			entry := LogEntry{
				"val": tc.val,
			}
			got, ok := entry.AsInt("val")
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, tc.exists, ok)
		})
	}
}

func TestLogEntry_AsFloat(t *testing.T) {
	tests := map[string]struct {
		val      any
		expected float64
		exists   bool
	}{
		"float64": {
			val:      float64(5),
			expected: 5,
			exists:   true,
		},
		"float32": {
			val:      float32(5),
			expected: 5,
			exists:   true,
		},
		"float string": {
			val:      "5.0",
			expected: 5,
			exists:   true,
		},
		"something else": {
			val:      'a',
			expected: 0,
			exists:   false,
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			entry := LogEntry{
				"val": tc.val,
			}
			got, ok := entry.AsFloat("val")
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, tc.exists, ok)
		})
	}
}

func TestLogEntry_AsTime(t *testing.T) {
	now, err := time.Parse(time.RFC3339, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	entry := LogEntry{
		"time":   now,
		"string": now.Format(time.RFC3339),
		"other":  "blah",
	}
	got, ok := entry.AsTime("time")
	assert.True(t, ok)
	assert.Equal(t, now, got)

	got, ok = entry.AsTime("string")
	assert.True(t, ok)
	assert.Equal(t, now, got)

	_, ok = entry.AsTime("other", time.RFC822)
	assert.False(t, ok)
}

func TestLogEntry_Clone(t *testing.T) {
	entry := LogEntry{"a": "a"}
	clone := entry.Clone()
	clone["b"] = "b"
	assert.False(t, entry.HasField("b"), "Modifying a clone must not touch the original")
	assert.Equal(t, "a", clone["a"])
	assert.NotNil(t, LogEntry(nil).Clone())
}

func TestLogEntry_Tag(t *testing.T) {
	entry := LogEntry{}
	entry.Tag("first")
	entry.Tag(" ")
	entry.Tag("second")
	assert.Equal(t, "first.second", entry[StandardTagField])
}

func TestFromString(t *testing.T) {
	structured := FromString(`{"@message":"A","level":"info"}`)
	assert.Equal(t, "A", structured[StandardMessageField])
	assert.Equal(t, "info", structured["level"])

	unstructured := FromString("plain line")
	assert.Equal(t, "plain line", unstructured[StandardMessageField])

	broken := FromString(`{"half":`)
	assert.Equal(t, `{"half":`, broken[StandardMessageField])
	assert.Len(t, broken, 1)
}

func TestNewEncoder(t *testing.T) {
	entry := LogEntry{"a": "a"}

	enc, err := NewEncoder("")
	require.NoError(t, err)
	data, err := enc.Encode(entry)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"a"}`, string(data))

	enc, err = NewEncoder(FormatMsgpack)
	require.NoError(t, err)
	data, err = enc.Encode(entry)
	require.NoError(t, err)
	decoded := map[string]any{}
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, "a", decoded["a"])

	_, err = NewEncoder("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

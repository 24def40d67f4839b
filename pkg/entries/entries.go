package entries

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	StandardMessageField   = "@message"
	StandardTimestampField = "@timestamp"
	StandardLevelField     = "@level"
	StandardModuleField    = "@module"
	StandardTagField       = "@tag"
	StandardRuleField      = "@rule"
	StandardSourceField    = "@source"
)

// LogEntry is a single record moving through the router, with potentially many fields.
// Once a LogEntry has been handed to a destination queue it is owned by that destination and must not be modified by anyone else.
type LogEntry map[string]any

func (e LogEntry) HasField(name string) bool {
	_, ok := e[name]
	return ok
}

// Clone creates a shallow copy of the entry, so that each fanout target can own its own field map.
// Field values are shared, and are treated as immutable by the router.
func (e LogEntry) Clone() LogEntry {
	if e == nil {
		return LogEntry{}
	}
	return maps.Clone(e)
}

// Merge sets every field in fields on the entry, overwriting existing values.
func (e LogEntry) Merge(fields map[string]any) {
	for k, v := range fields {
		e[k] = v
	}
}

// Tag will append tag to the standard tag field, using a period separator if a tag is already present.
func (e LogEntry) Tag(tag string) {
	tag = strings.TrimSpace(tag)
	if len(tag) == 0 {
		return
	}
	cur, ok := e.AsString(StandardTagField)
	if !ok || len(cur) == 0 {
		e[StandardTagField] = tag
		return
	}
	e[StandardTagField] = cur + "." + tag
}

func (e LogEntry) AsString(name string) (string, bool) {
	v, ok := e[name]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	case error:
		return s.Error(), true
	}
	return fmt.Sprintf("%v", v), true
}

func (e LogEntry) AsInt(name string) (int64, bool) {
	v, ok := e[name]
	if !ok {
		return 0, false
	}
	switch i := v.(type) {
	case int:
		return int64(i), true
	case int32:
		return int64(i), true
	case int64:
		return i, true
	case uint32:
		return int64(i), true
	case float64:
		// JSON numbers decode as float64.
		if i == float64(int64(i)) {
			return int64(i), true
		}
	case string:
		parsed, err := strconv.ParseInt(i, 10, 64)
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func (e LogEntry) AsFloat(name string) (float64, bool) {
	v, ok := e[name]
	if !ok {
		return 0, false
	}
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// AsTime attempts to interpret the named field as a time, trying each format in order (RFC 3339 if none are given).
func (e LogEntry) AsTime(name string, format ...string) (time.Time, bool) {
	var none time.Time
	v, ok := e[name]
	if !ok {
		return none, false
	}
	if t, ok := v.(time.Time); ok {
		return t.UTC(), true
	}
	s, ok := e.AsString(name)
	if !ok {
		return none, false
	}
	if len(format) == 0 {
		format = []string{time.RFC3339}
	}
	for _, f := range format {
		t, err := time.Parse(f, s)
		if err == nil {
			return t.UTC(), true
		}
	}
	return none, false
}

// FromString creates a LogEntry from a line of input.
// If the line is a JSON object then its fields are used, otherwise the line is stored in the standard message field.
func FromString(line string) LogEntry {
	entry := LogEntry{}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &entry); err == nil {
			return entry
		}
		entry = LogEntry{}
	}
	entry[StandardMessageField] = line
	return entry
}

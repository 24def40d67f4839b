package entries

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownFormat = errors.New("unknown encoding format")
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Encoder converts a LogEntry into bytes for destinations that write opaque payloads.
type Encoder interface {
	Format() string
	Encode(entry LogEntry) ([]byte, error)
}

// NewEncoder returns the Encoder for the named format. An empty format selects JSON.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "", FormatJSON:
		return jsonEncoder{}, nil
	case FormatMsgpack:
		return msgpackEncoder{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

type jsonEncoder struct{}

func (jsonEncoder) Format() string {
	return FormatJSON
}

func (jsonEncoder) Encode(entry LogEntry) ([]byte, error) {
	return json.Marshal(entry)
}

type msgpackEncoder struct{}

func (msgpackEncoder) Format() string {
	return FormatMsgpack
}

func (msgpackEncoder) Encode(entry LogEntry) ([]byte, error) {
	return msgpack.Marshal(map[string]any(entry))
}

// Package kafka provides a sink that publishes records to Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/plugin"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultBatchBytes = 1 << 20
)

var ErrNoBrokers = errors.New("kafka sink requires at least one broker address")

type Config struct {
	Brokers []string
	// Topic may contain plugin.RulePlaceholder.
	Topic string
	// Key names the record field used as the partition key. Records without it are balanced by the writer.
	Key        string
	Format     string
	BatchBytes int64
	Acks       kafka.RequiredAcks
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ dispatch.Sink = (*Sink)(nil)

// Sink publishes each batch with one synchronous write, so a batch is only delivered once every message is acknowledged.
type Sink struct {
	log    hclog.Logger
	conf   Config
	enc    entries.Encoder
	writer messageWriter
	msgs   []kafka.Message
}

func NewSink(log hclog.Logger, conf Config) (*Sink, error) {
	if len(conf.Brokers) == 0 {
		return nil, fmt.Errorf("%w: %w", plugin.ErrArgs, ErrNoBrokers)
	}
	if len(conf.Topic) == 0 {
		return nil, fmt.Errorf("%w: topic is required", plugin.ErrArgs)
	}
	if conf.BatchBytes <= 0 {
		conf.BatchBytes = DefaultBatchBytes
	}
	enc, err := entries.NewEncoder(conf.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrArgs, err)
	}
	return &Sink{
		log:  log.Named("kafka-sink").With("topic", conf.Topic),
		conf: conf,
		enc:  enc,
	}, nil
}

func (s *Sink) Open(context.Context) error {
	if s.writer != nil {
		return nil
	}
	s.writer = &kafka.Writer{
		Addr:                   kafka.TCP(s.conf.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchBytes:             s.conf.BatchBytes,
		RequiredAcks:           s.conf.Acks,
		Async:                  false,
		AllowAutoTopicCreation: true,
		ErrorLogger:            kafka.LoggerFunc(s.log.Named("writer").StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Error}).Printf),
	}
	return nil
}

func (s *Sink) WriteBatch(ctx context.Context, batch *dispatch.Batch) error {
	topic := plugin.Expand(s.conf.Topic, batch.Rule)
	s.msgs = s.msgs[:0]
	for _, entry := range batch.Entries {
		value, err := s.enc.Encode(entry)
		if err != nil {
			return dispatch.Permanent(fmt.Errorf("failed to encode record: %w", err))
		}
		msg := kafka.Message{
			Topic: topic,
			Value: value,
		}
		if len(s.conf.Key) > 0 {
			if key, ok := entry.AsString(s.conf.Key); ok {
				msg.Key = []byte(key)
			}
		}
		s.msgs = append(s.msgs, msg)
	}
	err := s.writer.WriteMessages(ctx, s.msgs...)
	if err != nil && !temporary(err) {
		return dispatch.Permanent(err)
	}
	return err
}

// temporary reports whether a write failure may succeed if it's retried.
// All messages of a batch are retried together, so a batch failing with any temporary error is retried.
func temporary(err error) bool {
	var werr kafka.WriteErrors
	if errors.As(err, &werr) {
		for _, e := range werr {
			if e != nil && temporary(e) {
				return true
			}
		}
		return false
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return false
	}
	return true
}

// Flush is a no-op, writes are synchronous.
func (s *Sink) Flush(context.Context) error {
	return nil
}

func (s *Sink) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

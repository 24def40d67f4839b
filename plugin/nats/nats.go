// Package nats provides a sink that publishes records to NATS subjects, optionally through JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/plugin"
)

const (
	DefaultFlushTimeout = 5 * time.Second
	RuleHeader          = "Nomroute-Rule"
)

type Config struct {
	URL string
	// Subject may contain plugin.RulePlaceholder.
	Subject   string
	Format    string
	JetStream bool
}

type publisher interface {
	publish(ctx context.Context, msg *nats.Msg) error
	flush(ctx context.Context) error
	close()
}

type corePublisher struct {
	nc *nats.Conn
}

func (p *corePublisher) publish(_ context.Context, msg *nats.Msg) error {
	return p.nc.PublishMsg(msg)
}

func (p *corePublisher) flush(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultFlushTimeout)
	defer cancel()
	return p.nc.FlushWithContext(ctx)
}

func (p *corePublisher) close() {
	p.nc.Close()
}

// streamPublisher waits for a JetStream acknowledgement of every message.
type streamPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func (p *streamPublisher) publish(ctx context.Context, msg *nats.Msg) error {
	_, err := p.js.PublishMsg(ctx, msg)
	return err
}

func (p *streamPublisher) flush(context.Context) error {
	return nil
}

func (p *streamPublisher) close() {
	p.nc.Close()
}

var _ dispatch.Sink = (*Sink)(nil)

type Sink struct {
	log  hclog.Logger
	conf Config
	enc  entries.Encoder
	pub  publisher
}

func NewSink(log hclog.Logger, conf Config) (*Sink, error) {
	if len(conf.Subject) == 0 {
		return nil, fmt.Errorf("%w: subject is required", plugin.ErrArgs)
	}
	if len(conf.URL) == 0 {
		conf.URL = nats.DefaultURL
	}
	enc, err := entries.NewEncoder(conf.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrArgs, err)
	}
	return &Sink{
		log:  log.Named("nats-sink").With("subject", conf.Subject),
		conf: conf,
		enc:  enc,
	}, nil
}

func (s *Sink) Open(context.Context) error {
	if s.pub != nil {
		return nil
	}
	nc, err := nats.Connect(s.conf.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.log.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if !s.conf.JetStream {
		s.pub = &corePublisher{nc: nc}
		return nil
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s.pub = &streamPublisher{nc: nc, js: js}
	return nil
}

func (s *Sink) WriteBatch(ctx context.Context, batch *dispatch.Batch) error {
	subject := plugin.Expand(s.conf.Subject, batch.Rule)
	for _, entry := range batch.Entries {
		data, err := s.enc.Encode(entry)
		if err != nil {
			return dispatch.Permanent(fmt.Errorf("failed to encode record: %w", err))
		}
		msg := &nats.Msg{
			Subject: subject,
			Data:    data,
			Header:  nats.Header{},
		}
		msg.Header.Set(RuleHeader, batch.Rule.String())
		if err := s.pub.publish(ctx, msg); err != nil {
			return classify(subject, err)
		}
	}
	return nil
}

func classify(subject string, err error) error {
	err = fmt.Errorf("failed to publish to %s: %w", subject, err)
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrConnectionClosed):
		return dispatch.Permanent(err)
	}
	return err
}

func (s *Sink) Flush(ctx context.Context) error {
	return s.pub.flush(ctx)
}

func (s *Sink) Close() error {
	if s.pub == nil {
		return nil
	}
	err := s.pub.flush(context.Background())
	s.pub.close()
	s.pub = nil
	return err
}

// Package blackhole provides a sink that discards records while counting them per rule.
package blackhole

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/plugin"
)

func Plugin() plugin.Plugin {
	return new(blackholePlugin)
}

type blackholePlugin struct{}

func (*blackholePlugin) ID() string {
	return "blackhole"
}

func (*blackholePlugin) Stopping() error {
	return nil
}

func (*blackholePlugin) Register(reg *plugin.Registration) {
	reg.RegisterSink("blackhole", "Discard", func(log hclog.Logger, args plugin.Args) (dispatch.Sink, error) {
		delayMs, err := args.IntOr("delay_ms", 0)
		if err != nil {
			return nil, err
		}
		return NewSink(log, time.Duration(delayMs)*time.Millisecond), nil
	})
	reg.DocumentSink("blackhole", "Discard", `blackhole.Discard
  delay_ms = MILLISECONDS (optional)

This sink discards every log entry, logging how many were received for each rule when it's closed.
If delay_ms is given, each batch write takes at least that long, which is useful to simulate a slow destination.`)
}

var _ dispatch.Sink = (*Sink)(nil)

type Sink struct {
	log    hclog.Logger
	delay  time.Duration
	counts *xsync.MapOf[string, *atomic.Uint64]
}

func NewSink(log hclog.Logger, delay time.Duration) *Sink {
	return &Sink{
		log:    log.Named("blackhole"),
		delay:  delay,
		counts: xsync.NewMapOf[string, *atomic.Uint64](),
	}
}

func (s *Sink) Open(context.Context) error {
	return nil
}

func (s *Sink) WriteBatch(ctx context.Context, batch *dispatch.Batch) error {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	count, _ := s.counts.LoadOrCompute(batch.Rule.String(), func() *atomic.Uint64 {
		return new(atomic.Uint64)
	})
	count.Add(uint64(batch.Len()))
	return nil
}

func (s *Sink) Flush(context.Context) error {
	return nil
}

// Count returns the number of records discarded for the named rule.
func (s *Sink) Count(rule string) uint64 {
	count, ok := s.counts.Load(rule)
	if !ok {
		return 0
	}
	return count.Load()
}

func (s *Sink) Close() error {
	var rules []string
	s.counts.Range(func(rule string, _ *atomic.Uint64) bool {
		rules = append(rules, rule)
		return true
	})
	sort.Strings(rules)
	for _, rule := range rules {
		s.log.Info("Discarded records", "rule", rule, "records", s.Count(rule))
	}
	return nil
}

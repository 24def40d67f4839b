package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/saylorsolutions/nomroute/pkg/telemetry"
)

// Result summarizes how a batch write was resolved.
type Result int

const (
	Delivered Result = iota
	Rerouted
	Dropped
	Abandoned
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Rerouted:
		return "rerouted"
	case Dropped:
		return "dropped"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Outcome is the resolution of one batch. The record counts always add up to the size of the batch.
type Outcome struct {
	Result    Result
	Attempts  int
	Delivered int
	Rerouted  int
	Dropped   int
	Abandoned int
	Err       error
}

// Fallback receives records that a destination failed to write.
type Fallback interface {
	Enqueue(ctx context.Context, entry entries.LogEntry, rule route.RuleMeta) error
}

// RetryingWriter writes batches to a Sink, retrying transient failures with exponential backoff.
type RetryingWriter struct {
	name     string
	sink     Sink
	policy   RetryPolicy
	fallback Fallback
	log      hclog.Logger
	retries  telemetry.Counter
	latency  telemetry.Histogram
}

// NewRetryingWriter creates a RetryingWriter for the named destination. fallback may be nil, failed batches are dropped in that case.
func NewRetryingWriter(name string, sink Sink, policy RetryPolicy, fallback Fallback, log hclog.Logger) *RetryingWriter {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &RetryingWriter{
		name:     name,
		sink:     sink,
		policy:   policy.withDefaults(),
		fallback: fallback,
		log:      log,
		retries:  telemetry.WriteRetries.With(name),
		latency:  telemetry.BatchWriteSeconds.With(name),
	}
}

// Write resolves batch. It returns once the batch has been delivered, handed to the fallback, dropped, or abandoned because ctx was cancelled.
func (r *RetryingWriter) Write(ctx context.Context, batch *Batch) Outcome {
	var (
		delay = r.policy.Initial
		err   error
		tries int
	)
	for {
		if ctx.Err() != nil {
			return r.abandoned(batch, tries, ctx.Err())
		}
		tries++
		start := time.Now()
		err = r.sink.WriteBatch(ctx, batch)
		r.latency.Observe(time.Since(start).Seconds())
		if err == nil {
			return Outcome{Result: Delivered, Attempts: tries, Delivered: batch.Len()}
		}
		if ctx.Err() != nil {
			return r.abandoned(batch, tries, err)
		}
		if IsPermanent(err) {
			r.log.Error("Permanent failure writing batch", "rule", batch.Rule.Name, "records", batch.Len(), "error", err)
			break
		}
		if tries >= r.policy.MaxAttempts {
			r.log.Error("Retries exhausted writing batch", "rule", batch.Rule.Name, "records", batch.Len(), "attempts", tries, "error", err)
			break
		}
		r.log.Warn("Failed to write batch, retrying", "rule", batch.Rule.Name, "records", batch.Len(), "attempt", tries, "delay", delay, "error", err)
		r.retries.Inc()
		if !sleep(ctx, delay) {
			return r.abandoned(batch, tries, ctx.Err())
		}
		delay = r.policy.next(delay)
	}
	return r.reroute(ctx, batch, tries, err)
}

func (r *RetryingWriter) abandoned(batch *Batch, tries int, err error) Outcome {
	return Outcome{Result: Abandoned, Attempts: tries, Abandoned: batch.Len(), Err: err}
}

func (r *RetryingWriter) reroute(ctx context.Context, batch *Batch, tries int, cause error) Outcome {
	out := Outcome{Result: Rerouted, Attempts: tries, Err: cause}
	if r.fallback == nil {
		r.log.Error("Dropping batch, no residue destination configured", "rule", batch.Rule.Name, "records", batch.Len())
		out.Result = Dropped
		out.Dropped = batch.Len()
		return out
	}
	for i, entry := range batch.Entries {
		err := r.fallback.Enqueue(ctx, entry, batch.Rule)
		switch {
		case err == nil:
			out.Rerouted++
		case errors.Is(err, ErrRejected):
			out.Dropped++
		default:
			out.Abandoned += batch.Len() - i
			r.log.Warn("Rerouting interrupted", "rule", batch.Rule.Name, "rerouted", out.Rerouted, "abandoned", out.Abandoned, "error", err)
			if out.Rerouted == 0 {
				out.Result = Abandoned
			}
			return out
		}
	}
	if out.Dropped > 0 {
		r.log.Error("Residue destination rejected records", "rule", batch.Rule.Name, "dropped", out.Dropped)
	}
	if out.Rerouted == 0 {
		out.Result = Dropped
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

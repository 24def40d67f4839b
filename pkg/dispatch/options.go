package dispatch

import "time"

const (
	DefaultQueueSize             = 128
	DefaultBatchSize             = 100
	DefaultBatchWait             = time.Second
	DefaultDrainFlushWait        = 50 * time.Millisecond
	DefaultDrainTimeout          = 60 * time.Second
	DefaultDrainProgressInterval = 5 * time.Second
	DefaultAbandonGrace          = 5 * time.Second
	DefaultMaxInFlight           = 1

	DefaultMaxAttempts     = 5
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
)

// RetryPolicy bounds how a failed batch write is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of writes tried for one batch, including the first.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetryInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryMultiplier
	}
	return p
}

func (p RetryPolicy) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * p.Multiplier)
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// Options tune a single destination. Zero values are replaced with the package defaults.
type Options struct {
	QueueSize             int
	BatchSize             int
	BatchWait             time.Duration
	DrainFlushWait        time.Duration
	DrainTimeout          time.Duration
	DrainProgressInterval time.Duration
	AbandonGrace          time.Duration
	MaxInFlight           int
	Retry                 RetryPolicy
}

func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchWait <= 0 {
		o.BatchWait = DefaultBatchWait
	}
	if o.DrainFlushWait <= 0 {
		o.DrainFlushWait = DefaultDrainFlushWait
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.DrainProgressInterval <= 0 {
		o.DrainProgressInterval = DefaultDrainProgressInterval
	}
	if o.AbandonGrace <= 0 {
		o.AbandonGrace = DefaultAbandonGrace
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultMaxInFlight
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

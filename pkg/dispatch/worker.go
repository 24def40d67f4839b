package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/saylorsolutions/nomroute/pkg/telemetry"
)

// StopMode selects how urgently a destination is stopped.
type StopMode int

const (
	// Graceful stops give every destination its own drain timeout.
	Graceful StopMode = iota
	// Immediate stops bound the whole drain by StopRequest.Timeout.
	Immediate
)

func (m StopMode) String() string {
	if m == Immediate {
		return "immediate"
	}
	return "graceful"
}

type StopRequest struct {
	Mode    StopMode
	Timeout time.Duration
}

func GracefulStop() StopRequest {
	return StopRequest{Mode: Graceful}
}

func ImmediateStop(timeout time.Duration) StopRequest {
	return StopRequest{Mode: Immediate, Timeout: timeout}
}

// deadline returns when draining must be finished, given the destination's own drain timeout.
func (r StopRequest) deadline(now time.Time, drainTimeout time.Duration) time.Time {
	if r.Mode == Immediate {
		return now.Add(r.Timeout)
	}
	return now.Add(drainTimeout)
}

type counters struct {
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	rerouted  atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	abandoned atomic.Uint64
}

type workerMetrics struct {
	enqueued  telemetry.Counter
	delivered telemetry.Counter
	rerouted  telemetry.Counter
	failed    telemetry.Counter
	rejected  telemetry.Counter
	abandoned telemetry.Counter
	depth     telemetry.Gauge
	pending   telemetry.Gauge
}

func newWorkerMetrics(name string) workerMetrics {
	return workerMetrics{
		enqueued:  telemetry.RecordsEnqueued.With(name),
		delivered: telemetry.RecordsDelivered.With(name),
		rerouted:  telemetry.RecordsRerouted.With(name),
		failed:    telemetry.RecordsDropped.With(name, "failed"),
		rejected:  telemetry.RecordsDropped.With(name, "rejected"),
		abandoned: telemetry.RecordsAbandoned.With(name),
		depth:     telemetry.QueueDepth.With(name),
		pending:   telemetry.PendingRecords.With(name),
	}
}

// Worker drains one destination's Queue into its Sink.
type Worker struct {
	name    string
	role    Role
	opts    Options
	queue   *Queue
	sink    Sink
	writer  *RetryingWriter
	log     hclog.Logger
	state   drainState
	pending PendingCounter
	stats   counters
	metrics workerMetrics

	stopMu   sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	nudge    chan struct{}
	deadline time.Time

	started    atomic.Bool
	doneCh     chan struct{}
	drainStart time.Time
	drainTime  time.Duration
	timedOut   bool

	resolveMu sync.Mutex
	detached  bool
}

// NewWorker creates a Worker for the named destination.
// fallback receives batches that could not be written, and may be nil.
func NewWorker(name string, role Role, sink Sink, opts Options, fallback Fallback, log hclog.Logger) *Worker {
	opts = opts.withDefaults()
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.With("destination", name)
	return &Worker{
		name:    name,
		role:    role,
		opts:    opts,
		queue:   NewQueue(opts.QueueSize),
		sink:    sink,
		writer:  NewRetryingWriter(name, sink, opts.Retry, fallback, log),
		log:     log,
		metrics: newWorkerMetrics(name),
		stopCh:  make(chan struct{}),
		nudge:   make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Role() Role {
	return w.role
}

func (w *Worker) State() DrainState {
	return w.state.Load()
}

// Accepting reports whether the Worker is still Open.
func (w *Worker) Accepting() bool {
	return w.state.Load() == Open && !w.queue.Closed()
}

// Pending returns the number of records taken from the queue and not yet resolved.
func (w *Worker) Pending() int64 {
	return w.pending.Load()
}

func (w *Worker) QueueLen() int {
	return w.queue.Len()
}

// Enqueue admits a record to the destination, waiting while its queue is full.
func (w *Worker) Enqueue(ctx context.Context, entry entries.LogEntry, rule route.RuleMeta) error {
	if err := w.queue.Enqueue(ctx, entry, rule); err != nil {
		return err
	}
	w.admitted()
	return nil
}

// TryEnqueue admits a record only if the destination's queue has room.
func (w *Worker) TryEnqueue(entry entries.LogEntry, rule route.RuleMeta) (bool, error) {
	ok, err := w.queue.TryEnqueue(entry, rule)
	if ok {
		w.admitted()
	}
	return ok, err
}

func (w *Worker) admitted() {
	w.stats.enqueued.Add(1)
	w.metrics.enqueued.Inc()
}

// countRejected records that a record meant for this destination was turned away after close.
func (w *Worker) countRejected() {
	w.stats.rejected.Add(1)
	w.metrics.rejected.Inc()
}

// Open opens the destination's Sink.
func (w *Worker) Open(ctx context.Context) error {
	return w.sink.Open(ctx)
}

// Start runs the Worker until it's stopped. The Sink must already be open, and is closed by the Worker when it exits.
// The writes themselves are not cancelled by ctx, only by the drain timeout.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Stop asks the Worker to drain and close. Repeated calls only take effect if they tighten the drain deadline.
func (w *Worker) Stop(req StopRequest) {
	w.stopBy(req.deadline(time.Now(), w.opts.DrainTimeout))
}

func (w *Worker) stopBy(deadline time.Time) {
	w.stopMu.Lock()
	tightened := w.deadline.IsZero() || deadline.Before(w.deadline)
	if tightened {
		w.deadline = deadline
	}
	w.stopMu.Unlock()
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.started.CompareAndSwap(false, true) {
			// Never started, so there is nothing to drain.
			w.queue.CloseSend()
			w.stats.abandoned.Add(uint64(w.queue.discard()))
			w.state.advance(Closed)
			close(w.doneCh)
		}
	})
	if tightened {
		select {
		case w.nudge <- struct{}{}:
		default:
		}
	}
}

func (w *Worker) stopDeadline() time.Time {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	return w.deadline
}

// Done is closed once the Worker is Closed.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Wait blocks until the Worker is Closed and returns its final report.
func (w *Worker) Wait() DestinationReport {
	<-w.doneCh
	return w.Report()
}

// Report returns a snapshot of the Worker's counters. Once the Worker is Closed the snapshot no longer changes.
func (w *Worker) Report() DestinationReport {
	r := DestinationReport{
		Name:      w.name,
		Role:      w.role,
		State:     w.state.Load(),
		Enqueued:  w.stats.enqueued.Load(),
		Delivered: w.stats.delivered.Load(),
		Rerouted:  w.stats.rerouted.Load(),
		Dropped:   w.stats.dropped.Load(),
		Rejected:  w.stats.rejected.Load(),
		Abandoned: w.stats.abandoned.Load(),
	}
	select {
	case <-w.doneCh:
		r.DrainDuration = w.drainTime
		r.TimedOut = w.timedOut
	default:
	}
	return r
}

type status int

const (
	statusBatch status = iota
	statusDrained
	statusTimeout
)

// drainLoop is the accumulate side's view of the stop signal, the drain deadline, and drain progress logging.
type drainLoop struct {
	stop      <-chan struct{}
	deadline  *time.Timer
	deadlineC <-chan time.Time
	progress  *time.Ticker
	progressC <-chan time.Time
	acc       accumulator
	// held counts records taken from the queue that aren't pending yet.
	held int
}

func (l *drainLoop) release() {
	if l.deadline != nil {
		l.deadline.Stop()
	}
	if l.progress != nil {
		l.progress.Stop()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	writeCtx, cancelWrite := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWrite()

	inflight := make(chan *Batch, w.opts.MaxInFlight)
	writerDone := make(chan struct{})
	go w.writeLoop(writeCtx, inflight, writerDone)

	l := &drainLoop{
		stop: w.stopCh,
		acc:  accumulator{size: w.opts.BatchSize},
	}
	defer l.release()

	ok := w.accumulate(l, inflight)
	inflightClosed := false
	if ok {
		close(inflight)
		inflightClosed = true
		ok = w.awaitWriter(l, writerDone)
	}
	if !ok {
		w.abandon(l, inflight, inflightClosed, cancelWrite, writerDone)
	}
	w.finish(writerDone)
}

// accumulate hands batches to the writer until the queue is closed and empty, returning false if the drain deadline passed first.
func (w *Worker) accumulate(l *drainLoop, inflight chan<- *Batch) bool {
	for {
		batch, st := w.nextBatch(l)
		if st == statusTimeout {
			return false
		}
		if batch != nil {
			l.held -= batch.Len()
			w.pending.Add(batch.Len())
			w.metrics.pending.Set(float64(w.pending.Load()))
			w.metrics.depth.Set(float64(w.queue.Len()))
			if !w.send(l, inflight, batch) {
				return false
			}
		}
		if st == statusDrained {
			return true
		}
	}
}

func (w *Worker) nextBatch(l *drainLoop) (*Batch, status) {
	var (
		batch  *Batch
		flush  *time.Timer
		flushC <-chan time.Time
	)
	defer func() {
		if flush != nil {
			flush.Stop()
		}
	}()
	begin := func(it item) {
		batch = l.acc.start(it)
		flush = time.NewTimer(w.batchWait(l))
		flushC = flush.C
	}
	if it, ok := l.acc.takeCarry(); ok {
		begin(it)
	}
	for {
		if batch != nil && l.acc.full(batch) {
			return batch, statusBatch
		}
		select {
		case it, ok := <-w.queue.receive():
			if !ok {
				return batch, statusDrained
			}
			l.held++
			if batch == nil {
				begin(it)
				continue
			}
			if !l.acc.add(batch, it) {
				return batch, statusBatch
			}
		case <-flushC:
			return batch, statusBatch
		case <-l.stop:
			w.beginDrain(l)
			if batch != nil {
				return batch, statusBatch
			}
		case <-l.deadlineC:
			return nil, statusTimeout
		case <-w.nudge:
			w.rearm(l)
		case <-l.progressC:
			w.logProgress(l)
		}
	}
}

func (w *Worker) batchWait(l *drainLoop) time.Duration {
	if l.stop == nil {
		return w.opts.DrainFlushWait
	}
	return w.opts.BatchWait
}

func (w *Worker) send(l *drainLoop, inflight chan<- *Batch, batch *Batch) bool {
	for {
		select {
		case inflight <- batch:
			return true
		case <-l.stop:
			w.beginDrain(l)
		case <-l.deadlineC:
			return false
		case <-w.nudge:
			w.rearm(l)
		case <-l.progressC:
			w.logProgress(l)
		}
	}
}

// awaitWriter waits for every in-flight batch to resolve, returning false if the drain deadline passed first.
func (w *Worker) awaitWriter(l *drainLoop, writerDone <-chan struct{}) bool {
	for {
		select {
		case <-writerDone:
			if p := w.pending.Load(); p != 0 {
				w.log.Error("Writer finished with unresolved records", "pending", p)
			}
			return true
		case <-l.deadlineC:
			return false
		case <-w.nudge:
			w.rearm(l)
		case <-l.progressC:
			w.logProgress(l)
		}
	}
}

func (w *Worker) beginDrain(l *drainLoop) {
	l.stop = nil
	w.state.advance(Draining)
	w.queue.CloseSend()
	w.drainStart = time.Now()
	w.log.Info("Draining destination", "queued", w.queue.Len(), "pending", w.pending.Load(), "deadline", time.Until(w.stopDeadline()).Round(time.Millisecond))
	w.rearm(l)
	l.progress = time.NewTicker(w.opts.DrainProgressInterval)
	l.progressC = l.progress.C
}

// rearm points the drain timer at the current deadline. Nothing is armed until draining begins.
func (w *Worker) rearm(l *drainLoop) {
	if l.stop != nil {
		return
	}
	wait := time.Until(w.stopDeadline())
	if l.deadline == nil {
		l.deadline = time.NewTimer(wait)
		l.deadlineC = l.deadline.C
		return
	}
	l.deadline.Reset(wait)
}

func (w *Worker) logProgress(l *drainLoop) {
	w.log.Info("Drain in progress", "queued", w.queue.Len()+l.held, "pending", w.pending.Load(), "delivered", w.stats.delivered.Load(), "elapsed", time.Since(w.drainStart).Round(time.Millisecond))
}

// abandon cancels outstanding writes and counts every record that wasn't resolved as abandoned.
func (w *Worker) abandon(l *drainLoop, inflight chan *Batch, inflightClosed bool, cancelWrite context.CancelFunc, writerDone <-chan struct{}) {
	backlog := int64(l.held+w.queue.Len()) + w.pending.Load()
	cancelWrite()
	discarded := l.held + w.queue.discard()
	l.held = 0
	if !inflightClosed {
		close(inflight)
	}
	grace := time.NewTimer(w.opts.AbandonGrace)
	select {
	case <-writerDone:
	case <-grace.C:
		w.log.Warn("Writer did not return after cancellation", "grace", w.opts.AbandonGrace)
	}
	grace.Stop()

	w.resolveMu.Lock()
	w.detached = true
	unresolved := w.pending.Load()
	lost := uint64(discarded) + uint64(unresolved)
	w.stats.abandoned.Add(lost)
	w.metrics.abandoned.Add(float64(lost))
	w.resolveMu.Unlock()

	if backlog == 0 && lost == 0 {
		// The deadline raced with an already empty destination.
		return
	}
	w.timedOut = true
	w.log.Warn("Drain timed out, abandoning records", "backlog", backlog, "abandoned", w.stats.abandoned.Load())
}

func (w *Worker) finish(writerDone <-chan struct{}) {
	w.state.advance(Closed)
	if !w.drainStart.IsZero() {
		w.drainTime = time.Since(w.drainStart)
	}
	w.metrics.depth.Set(0)
	closeSink := func() {
		if err := w.sink.Close(); err != nil {
			w.log.Error("Failed to close sink", "error", err)
		}
	}
	select {
	case <-writerDone:
		closeSink()
	default:
		go func() {
			<-writerDone
			closeSink()
		}()
	}
	w.log.Info("Destination closed",
		"delivered", w.stats.delivered.Load(),
		"rerouted", w.stats.rerouted.Load(),
		"dropped", w.stats.dropped.Load(),
		"abandoned", w.stats.abandoned.Load(),
		"duration", w.drainTime.Round(time.Millisecond),
	)
}

func (w *Worker) writeLoop(ctx context.Context, inflight <-chan *Batch, done chan<- struct{}) {
	defer close(done)
	for batch := range inflight {
		w.resolve(batch, w.writer.Write(ctx, batch))
		if len(inflight) == 0 && ctx.Err() == nil {
			if err := w.sink.Flush(ctx); err != nil {
				w.log.Warn("Failed to flush sink", "error", err)
			}
		}
	}
}

// resolve accounts for a written batch. Results arriving after the Worker abandoned its backlog are logged and ignored.
func (w *Worker) resolve(batch *Batch, out Outcome) {
	w.resolveMu.Lock()
	defer w.resolveMu.Unlock()
	if w.detached {
		w.log.Warn("Batch resolved after drain timeout", "rule", batch.Rule.Name, "records", batch.Len(), "result", out.Result)
		return
	}
	w.stats.delivered.Add(uint64(out.Delivered))
	w.stats.rerouted.Add(uint64(out.Rerouted))
	w.stats.dropped.Add(uint64(out.Dropped))
	w.stats.abandoned.Add(uint64(out.Abandoned))
	w.metrics.delivered.Add(float64(out.Delivered))
	w.metrics.rerouted.Add(float64(out.Rerouted))
	w.metrics.failed.Add(float64(out.Dropped))
	w.metrics.abandoned.Add(float64(out.Abandoned))
	w.pending.Done(batch.Len())
	w.metrics.pending.Set(float64(w.pending.Load()))
}

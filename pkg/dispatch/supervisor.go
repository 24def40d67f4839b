package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/saylorsolutions/nomroute/pkg/telemetry"
)

var (
	ErrUnknownRole = errors.New("unknown destination role")
)

// Role determines how a destination takes part in routing, and when it's stopped.
type Role int

const (
	// Primary destinations are selected by rules.
	Primary Role = iota
	// Default receives records no primary destination selected, if the no-match policy asks for it.
	Default
	// Miss receives records a destination rejected because it was already draining.
	Miss
	// Residue receives records a destination failed to write.
	Residue
	// Monitor receives periodic statistics about every destination.
	Monitor
)

func (r Role) String() string {
	switch r {
	case Primary:
		return "primary"
	case Default:
		return "default"
	case Miss:
		return "miss"
	case Residue:
		return "residue"
	case Monitor:
		return "monitor"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "", "primary":
		return Primary, nil
	case "default":
		return Default, nil
	case "miss":
		return Miss, nil
	case "residue":
		return Residue, nil
	case "monitor":
		return Monitor, nil
	}
	return Primary, fmt.Errorf("%w: %s", ErrUnknownRole, s)
}

// Fallback destinations are stopped after the destinations that feed them.
var stopTiers = [][]Role{
	{Primary},
	{Default, Miss},
	{Residue},
	{Monitor},
}

// Destination is the configuration of one destination managed by a Supervisor.
type Destination struct {
	Name    string
	Role    Role
	Sink    Sink
	Options Options
	// Rules are glob patterns over rule names, no patterns selects every rule.
	Rules []string
	// Where is an optional selection rule evaluated with the configured route.RuleEvaluator.
	Where route.Selector
	// Tags are set on every record delivered to the destination.
	Tags map[string]any
}

type SupervisorConfig struct {
	Logger hclog.Logger
	// RuleEvaluator matches Where selectors and supplies rule tags.
	RuleEvaluator route.RuleEvaluator
	// Rules known up front, used to build the routing index.
	Rules           []route.RuleMeta
	NoMatch         route.NoMatchPolicy
	MonitorInterval time.Duration
}

const DefaultMonitorInterval = 10 * time.Second

// Supervisor runs a Worker per Destination and coordinates their shutdown.
type Supervisor struct {
	conf     SupervisorConfig
	log      hclog.Logger
	mux      sync.Mutex
	dests    []Destination
	workers  []*Worker
	eval     *route.Evaluator
	miss     *Worker
	monitor  *Worker
	started  bool
	stopping bool
	unrouted atomic.Uint64
	noRoute  telemetry.Counter
	start    time.Time

	monitorStop context.CancelFunc
	monitorDone chan struct{}

	deadline  time.Time
	signalled []*Worker
	stopDone  chan struct{}
	report    Report
}

func NewSupervisor(conf SupervisorConfig) *Supervisor {
	if conf.Logger == nil {
		conf.Logger = hclog.NewNullLogger()
	}
	if conf.MonitorInterval <= 0 {
		conf.MonitorInterval = DefaultMonitorInterval
	}
	return &Supervisor{
		conf:     conf,
		log:      conf.Logger.Named("supervisor"),
		noRoute:  telemetry.RecordsDropped.With("", "unrouted"),
		stopDone: make(chan struct{}),
	}
}

// Add registers a destination. Destinations can't be added after Start.
func (s *Supervisor) Add(dest Destination) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.started || s.stopping {
		return fmt.Errorf("%w: destinations must be added before start", ErrInvalidState)
	}
	if len(dest.Name) == 0 {
		return fmt.Errorf("%w: destination name is required", ErrInvalidState)
	}
	if dest.Sink == nil {
		return fmt.Errorf("%w: %s", ErrNoSink, dest.Name)
	}
	if dest.Role < Primary || dest.Role > Monitor {
		return fmt.Errorf("%w: %d", ErrUnknownRole, dest.Role)
	}
	for _, d := range s.dests {
		if d.Name == dest.Name {
			return fmt.Errorf("%w: %s", ErrDuplicate, dest.Name)
		}
		if dest.Role != Primary && d.Role == dest.Role {
			return fmt.Errorf("%w: %s and %s both have role %s", ErrDuplicate, d.Name, dest.Name, dest.Role)
		}
	}
	s.dests = append(s.dests, dest)
	return nil
}

// Start opens every Sink and starts the workers.
// If any Sink fails to open, the ones already opened are closed and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.started || s.stopping {
		return fmt.Errorf("%w: supervisor already started", ErrInvalidState)
	}
	s.buildWorkers()
	eval, err := route.NewEvaluator(s.routeConfig())
	if err != nil {
		return err
	}
	s.eval = eval

	for i, w := range s.workers {
		if err := w.Open(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if cerr := s.workers[j].sink.Close(); cerr != nil {
					s.log.Error("Failed to close sink after start failure", "destination", s.workers[j].name, "error", cerr)
				}
			}
			return fmt.Errorf("failed to open destination %s: %w", w.name, err)
		}
	}
	for _, w := range s.workers {
		w.Start(ctx)
	}
	s.started = true
	s.start = time.Now()
	if s.monitor != nil {
		mctx, cancel := context.WithCancel(ctx)
		s.monitorStop = cancel
		s.monitorDone = make(chan struct{})
		go s.runMonitor(mctx)
	}
	s.log.Info("Destinations started", "destinations", len(s.workers), "rules", eval.Index().Rules(), "no_match", s.conf.NoMatch)
	return nil
}

func (s *Supervisor) buildWorkers() {
	var residue *Worker
	s.workers = make([]*Worker, len(s.dests))
	for i, d := range s.dests {
		if d.Role == Residue {
			residue = NewWorker(d.Name, d.Role, d.Sink, d.Options, nil, s.conf.Logger.Named("destination"))
			s.workers[i] = residue
		}
	}
	for i, d := range s.dests {
		if s.workers[i] != nil {
			continue
		}
		var fallback Fallback
		if residue != nil && d.Role != Monitor {
			fallback = residue
		}
		w := NewWorker(d.Name, d.Role, d.Sink, d.Options, fallback, s.conf.Logger.Named("destination"))
		s.workers[i] = w
		switch d.Role {
		case Miss:
			s.miss = w
		case Monitor:
			s.monitor = w
		}
	}
}

func (s *Supervisor) routeConfig() route.Config {
	conf := route.Config{
		Destinations: make([]route.Destination, len(s.dests)),
		Rules:        s.conf.Rules,
		Evaluator:    s.conf.RuleEvaluator,
		Readiness:    s,
		NoMatch:      s.conf.NoMatch,
		Default:      -1,
	}
	for i, d := range s.dests {
		conf.Destinations[i] = route.Destination{
			Name:     d.Name,
			Rules:    d.Rules,
			Where:    d.Where,
			Tags:     d.Tags,
			Internal: d.Role != Primary,
		}
		if d.Role == Default {
			conf.Default = i
		}
	}
	return conf
}

// Accepting implements route.Readiness.
func (s *Supervisor) Accepting(dest int) bool {
	return s.workers[dest].Accepting()
}

// Dispatcher returns a new dispatch handle. Each goroutine dispatching records needs its own.
func (s *Supervisor) Dispatcher() (*Dispatcher, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.started {
		return nil, fmt.Errorf("%w: supervisor not started", ErrInvalidState)
	}
	return &Dispatcher{
		sup:     s,
		scratch: s.eval.NewScratch(),
	}, nil
}

// Worker returns the Worker of the named destination.
func (s *Supervisor) Worker(name string) (*Worker, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for _, w := range s.workers {
		if w.name == name {
			return w, true
		}
	}
	return nil, false
}

func (s *Supervisor) countUnrouted() {
	s.unrouted.Add(1)
	s.noRoute.Inc()
}

// Report returns a snapshot of every destination's counters.
func (s *Supervisor) Report() Report {
	r := Report{
		Destinations: make([]DestinationReport, len(s.workers)),
		Unrouted:     s.unrouted.Load(),
	}
	for i, w := range s.workers {
		r.Destinations[i] = w.Report()
	}
	if !s.start.IsZero() {
		r.Duration = time.Since(s.start)
	}
	return r
}

// Stop drains every destination and returns the final Report.
// It's safe to call repeatedly and concurrently. An Immediate request made while a Graceful stop is in progress bounds the remaining drain.
func (s *Supervisor) Stop(req StopRequest) Report {
	s.mux.Lock()
	if req.Mode == Immediate {
		dl := time.Now().Add(req.Timeout)
		if s.deadline.IsZero() || dl.Before(s.deadline) {
			s.deadline = dl
			for _, w := range s.signalled {
				w.stopBy(dl)
			}
		}
	}
	first := !s.stopping
	s.stopping = true
	started := s.started
	s.mux.Unlock()

	if first {
		if started {
			s.log.Info("Stopping destinations", "mode", req.Mode, "timeout", req.Timeout)
			go s.shutdown()
		} else {
			close(s.stopDone)
		}
	}
	<-s.stopDone
	return s.report
}

func (s *Supervisor) shutdown() {
	defer close(s.stopDone)
	begin := time.Now()
	for _, roles := range stopTiers {
		tier := s.tier(roles)
		if len(tier) == 0 {
			continue
		}
		if tier[0] == s.monitor {
			s.stopMonitor()
		}
		s.mux.Lock()
		dl := s.deadline
		s.signalled = append(s.signalled, tier...)
		s.mux.Unlock()
		for _, w := range tier {
			if dl.IsZero() {
				w.Stop(GracefulStop())
			} else {
				w.stopBy(dl)
			}
		}
		for _, w := range tier {
			<-w.Done()
		}
	}
	report := s.Report()
	s.report = report
	s.log.Info("Destinations stopped",
		"delivered", report.Delivered(),
		"abandoned", report.Abandoned(),
		"dropped", report.Dropped(),
		"timed_out", len(report.TimedOut()),
		"duration", time.Since(begin).Round(time.Millisecond),
	)
}

func (s *Supervisor) tier(roles []Role) []*Worker {
	var tier []*Worker
	for _, w := range s.workers {
		for _, r := range roles {
			if w.role == r {
				tier = append(tier, w)
			}
		}
	}
	return tier
}

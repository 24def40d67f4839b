// Package runtime connects configured sources, rules and destinations, and runs them until the input ends or a stop is requested.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/saylorsolutions/nomroute/config"
	"github.com/saylorsolutions/nomroute/pkg/dispatch"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/iterator"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/saylorsolutions/nomroute/pkg/rules"
	"github.com/saylorsolutions/nomroute/plugin"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidState = errors.New("invalid state")
)

type engineState int

const (
	created engineState = iota
	running
	stopping
	done
)

var (
	stateStrings = map[engineState]string{
		created:  "Created",
		running:  "Running",
		stopping: "Stopping",
		done:     "Done",
	}
)

// Engine runs a single routing session described by a config.Configuration.
type Engine struct {
	log      hclog.Logger
	conf     *config.Configuration
	registry *plugin.Registration
	plugins  []plugin.Plugin
	rules    *rules.Set
	sup      *dispatch.Supervisor

	mux   sync.Mutex
	state engineState
}

func NewEngine(log hclog.Logger, conf *config.Configuration, plugins ...plugin.Plugin) *Engine {
	return &Engine{
		log:      log.Named("runtime"),
		conf:     conf,
		registry: plugin.NewRegistration(),
		plugins:  plugins,
	}
}

func (e *Engine) transition(from, to engineState) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.state != from {
		return fmt.Errorf("%w: expected state %s, engine is %s", ErrInvalidState, stateStrings[from], stateStrings[e.state])
	}
	e.state = to
	return nil
}

// Registry returns the registration of every plugin given to the Engine.
func (e *Engine) Registry() *plugin.Registration {
	return e.registry
}

func (e *Engine) register() {
	for _, p := range e.plugins {
		start := time.Now()
		log := e.log.With("plugin-id", p.ID())
		log.Debug("Registering plugin")
		p.Register(e.registry)
		log.Debug("Done registering plugin", "duration", time.Since(start).String())
	}
}

// build compiles the rules and creates a Supervisor with a destination for each configured one. Sinks are created but not opened.
func (e *Engine) build() error {
	set, err := e.conf.RuleSet()
	if err != nil {
		return err
	}
	e.rules = set
	sup := dispatch.NewSupervisor(dispatch.SupervisorConfig{
		Logger:          e.log,
		RuleEvaluator:   set,
		Rules:           set.Metas(),
		NoMatch:         e.conf.NoMatchPolicy(),
		MonitorInterval: e.conf.MonitorInterval(),
	})
	for _, dc := range e.conf.Destinations {
		log := e.log.With("destination", dc.Name, "type", dc.Type)
		role, err := dispatch.ParseRole(dc.Role)
		if err != nil {
			return err
		}
		where, err := rules.Selector(dc.Where)
		if err != nil {
			return fmt.Errorf("destination %s: %w", dc.Name, err)
		}
		sink, err := e.registry.NewSink(log, dc.Type, dc.Options)
		if err != nil {
			log.Error("Failed to create sink", "error", err)
			return fmt.Errorf("destination %s: %w", dc.Name, err)
		}
		err = sup.Add(dispatch.Destination{
			Name:    dc.Name,
			Role:    role,
			Sink:    sink,
			Options: e.conf.Options(dc),
			Rules:   dc.Rules,
			Where:   where,
			Tags:    dc.Tags,
		})
		if err != nil {
			return err
		}
	}
	e.sup = sup
	return nil
}

// Vet checks everything that can be checked without reading input or opening a destination.
func (e *Engine) Vet() error {
	if err := e.transition(created, done); err != nil {
		return err
	}
	e.register()
	for _, sc := range e.conf.Sources {
		qualifier, class, err := plugin.SplitType(sc.Type)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		if _, _, ok := e.registry.Source(qualifier, class); !ok {
			return fmt.Errorf("source %s: %w: %s", sc.Name, plugin.ErrUnknownSource, sc.Type)
		}
	}
	if err := e.build(); err != nil {
		return err
	}
	e.log.Info("Configuration is valid", "sources", len(e.conf.Sources), "rules", len(e.conf.Rules), "destinations", len(e.conf.Destinations))
	return nil
}

// Run reads every source until it's exhausted, routing each record to its destinations, then drains the destinations.
// A request received on commands stops the session early. A Graceful request stops the sources and then drains every destination.
// An Immediate request bounds the drain first, so that dispatch blocked on a full destination is released, and then stops the sources.
// Requests received while stopping escalate the stop in progress.
func (e *Engine) Run(ctx context.Context, commands <-chan dispatch.StopRequest) (dispatch.Report, error) {
	if err := e.transition(created, running); err != nil {
		return dispatch.Report{}, err
	}
	start := time.Now()
	e.register()
	if err := e.build(); err != nil {
		e.finish()
		return dispatch.Report{}, err
	}
	if err := e.sup.Start(ctx); err != nil {
		e.log.Error("Failed to start destinations", "error", err)
		e.finish()
		return dispatch.Report{}, err
	}

	srcCtx, cancelSources := context.WithCancel(ctx)
	defer cancelSources()
	sources, err := e.openSources(srcCtx)
	if err != nil {
		cancelSources()
		report := e.sup.Stop(dispatch.GracefulStop())
		e.finish()
		return report, err
	}
	e.log.Info("Routing started", "sources", len(sources), "startup", time.Since(start).String())

	var (
		group       errgroup.Group
		sourcesDone = make(chan struct{})
		// Records already read are dispatched even if ctx is cancelled, only a stop leaves them behind.
		dispatchCtx = context.WithoutCancel(ctx)
	)
	for i, iter := range sources {
		name := e.conf.Sources[i].Name
		iter := iter
		group.Go(func() error {
			return e.dispatchSource(dispatchCtx, name, iter)
		})
	}
	var srcErr error
	go func() {
		defer close(sourcesDone)
		srcErr = group.Wait()
	}()

	var report dispatch.Report
	select {
	case <-sourcesDone:
		e.log.Info("Sources exhausted")
		report = e.stop(commands, dispatch.GracefulStop())
	case req, ok := <-commands:
		if !ok {
			commands = nil
			<-sourcesDone
			report = e.stop(commands, dispatch.GracefulStop())
			break
		}
		e.log.Info("Stop requested", "mode", req.Mode, "timeout", req.Timeout)
		if req.Mode == dispatch.Immediate {
			go e.sup.Stop(req)
		}
		cancelSources()
		e.awaitSources(commands, sourcesDone)
		report = e.stop(commands, req)
	case <-ctx.Done():
		e.log.Info("Context cancelled, stopping sources")
		<-sourcesDone
		report = e.stop(commands, dispatch.GracefulStop())
	}

	e.finish()
	e.log.Info("Routing stopped", "duration", time.Since(start).String())
	return report, srcErr
}

func (e *Engine) openSources(ctx context.Context) ([]iterator.Iterator, error) {
	sources := make([]iterator.Iterator, len(e.conf.Sources))
	for i, sc := range e.conf.Sources {
		log := e.log.With("source", sc.Name, "type", sc.Type)
		iter, err := e.registry.NewSource(ctx, log, sc.Type, sc.Options)
		if err != nil {
			log.Error("Failed to create source", "error", err)
			for _, opened := range sources[:i] {
				iterator.Drain(opened)
			}
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		if len(sc.Where) > 0 {
			where, err := rules.Compile(sc.Where)
			if err != nil {
				iterator.Drain(iter)
				return nil, fmt.Errorf("source %s: %w", sc.Name, err)
			}
			iter = iterator.Filter(iter, func(entry entries.LogEntry, _ int) bool {
				return where.Match(entry)
			})
		}
		sources[i] = iterator.Cancellable(ctx, iter)
	}
	return sources, nil
}

// dispatchSource classifies every record of iter and hands it to the supervisor.
func (e *Engine) dispatchSource(ctx context.Context, name string, iter iterator.Iterator) error {
	log := e.log.With("source", name)
	d, err := e.sup.Dispatcher()
	if err != nil {
		iterator.Drain(iter)
		return err
	}
	var records int
	err = iter.Iterate(func(entry entries.LogEntry, _ int) error {
		if !entry.HasField(entries.StandardSourceField) {
			entry[entries.StandardSourceField] = name
		}
		rule := e.rules.Classify(entry)
		if rule != route.Unmatched {
			entry[entries.StandardRuleField] = rule.Name
		}
		records++
		return d.Dispatch(ctx, entry, rule)
	})
	if err != nil {
		log.Error("Source failed", "error", err, "records", records)
		iterator.Drain(iter)
		return fmt.Errorf("source %s: %w", name, err)
	}
	log.Debug("Source finished", "records", records)
	return nil
}

// awaitSources waits for the dispatch tasks to finish, while applying any Immediate requests.
func (e *Engine) awaitSources(commands <-chan dispatch.StopRequest, sourcesDone <-chan struct{}) {
	for {
		select {
		case <-sourcesDone:
			return
		case req, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			if req.Mode == dispatch.Immediate {
				e.log.Info("Stop escalated", "timeout", req.Timeout)
				go e.sup.Stop(req)
			}
		}
	}
}

// stop stops the supervisor with req, escalating with requests received on commands until it's done.
func (e *Engine) stop(commands <-chan dispatch.StopRequest, req dispatch.StopRequest) dispatch.Report {
	if err := e.transition(running, stopping); err != nil {
		e.log.Error("Unexpected state while stopping", "error", err)
	}
	stopped := make(chan dispatch.Report, 1)
	go func() {
		stopped <- e.sup.Stop(req)
	}()
	for {
		select {
		case report := <-stopped:
			return report
		case esc, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			if esc.Mode == dispatch.Immediate {
				e.log.Info("Stop escalated", "timeout", esc.Timeout)
				go e.sup.Stop(esc)
			}
		}
	}
}

// finish notifies every plugin that the session is over.
func (e *Engine) finish() {
	e.mux.Lock()
	e.state = done
	e.mux.Unlock()
	for _, p := range e.plugins {
		log := e.log.With("plugin-id", p.ID())
		if err := p.Stopping(); err != nil {
			log.Error("Error stopping plugin", "error", err)
		}
	}
}

package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rulesByName selects with a field name, and tags every rule with its own name.
type rulesByName struct{}

func (rulesByName) Matches(entry entries.LogEntry, sel route.Selector) bool {
	field, ok := sel.(string)
	return ok && entry.HasField(field)
}

func (rulesByName) Tags(rule route.RuleMeta) map[string]any {
	if rule == route.Unmatched {
		return nil
	}
	return map[string]any{entries.StandardRuleField: rule.Name}
}

func newTestSupervisor(t *testing.T, noMatch route.NoMatchPolicy, dests ...Destination) *Supervisor {
	t.Helper()
	log, _ := testLogger(t)
	s := NewSupervisor(SupervisorConfig{
		Logger:          log,
		RuleEvaluator:   rulesByName{},
		Rules:           []route.RuleMeta{ruleA, ruleB},
		NoMatch:         noMatch,
		MonitorInterval: 20 * time.Millisecond,
	})
	for _, d := range dests {
		if d.Options == (Options{}) {
			d.Options = fastOptions()
		}
		require.NoError(t, s.Add(d))
	}
	require.NoError(t, s.Start(context.Background()))
	return s
}

func dispatchAll(t *testing.T, s *Supervisor, n int, rule route.RuleMeta) {
	t.Helper()
	d, err := s.Dispatcher()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, d.Dispatch(context.Background(), seqEntry(i), rule))
	}
}

func TestSupervisor_IndependentDestinations(t *testing.T) {
	const records = 200
	fast := &testSink{}
	broken := &testSink{fail: alwaysFail(Permanent(errBroken))}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "fast", Sink: fast},
		Destination{Name: "broken", Sink: broken},
	)
	dispatchAll(t, s, records, ruleA)
	report := s.Stop(GracefulStop())

	assert.Equal(t, records, fast.Count())
	fastReport, ok := report.Destination("fast")
	require.True(t, ok)
	assert.Equal(t, uint64(records), fastReport.Delivered)
	brokenReport, ok := report.Destination("broken")
	require.True(t, ok)
	assert.Equal(t, uint64(records), brokenReport.Dropped)
	assert.Equal(t, uint64(0), brokenReport.Delivered)
	assert.Equal(t, uint64(records), report.Dropped())
	assert.Equal(t, uint64(0), report.Abandoned())
}

func TestSupervisor_FullDestinationDoesNotBlockSiblings(t *testing.T) {
	const records = 10
	release := make(chan struct{})
	stalledOpts := fastOptions()
	stalledOpts.QueueSize = 1
	stalledOpts.BatchSize = 1
	stalled := &testSink{block: release}
	fast := &testSink{}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "stalled", Sink: stalled, Options: stalledOpts},
		Destination{Name: "fast", Sink: fast},
	)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		d, err := s.Dispatcher()
		if err != nil {
			return
		}
		for i := 0; i < records; i++ {
			if err := d.Dispatch(context.Background(), seqEntry(i), ruleA); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return fast.Count() >= 3
	}, 2*time.Second, time.Millisecond, "The fast destination receives records while its sibling is stalled")
	assert.Equal(t, 0, stalled.Count())

	close(release)
	<-dispatched
	report := s.Stop(GracefulStop())
	assert.Equal(t, records, fast.Count())
	assert.Equal(t, records, stalled.Count())
	assert.Equal(t, uint64(2*records), report.Delivered())
}

func TestSupervisor_ResidueReceivesFailedBatches(t *testing.T) {
	const records = 30
	residue := &testSink{}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "primary", Sink: &testSink{fail: alwaysFail(errBroken)}},
		Destination{Name: "residue", Role: Residue, Sink: residue},
	)
	dispatchAll(t, s, records, ruleA)
	report := s.Stop(GracefulStop())

	assert.Equal(t, records, residue.Count())
	primary, _ := report.Destination("primary")
	assert.Equal(t, uint64(records), primary.Rerouted)
	res, _ := report.Destination("residue")
	assert.Equal(t, uint64(records), res.Delivered)
	assert.Equal(t, uint64(records), report.Delivered())
	for _, b := range residue.Batches() {
		assert.Equal(t, ruleA, b.Rule)
	}
}

func TestSupervisor_StopsInTiers(t *testing.T) {
	order := new(closeOrder)
	s := newTestSupervisor(t, route.NoMatchDefault,
		Destination{Name: "monitor", Role: Monitor, Sink: &testSink{name: "monitor", order: order}},
		Destination{Name: "residue", Role: Residue, Sink: &testSink{name: "residue", order: order}},
		Destination{Name: "miss", Role: Miss, Sink: &testSink{name: "miss", order: order}},
		Destination{Name: "primary", Sink: &testSink{name: "primary", order: order}, Rules: []string{"a"}},
		Destination{Name: "default", Role: Default, Sink: &testSink{name: "default", order: order}},
	)
	dispatchAll(t, s, 5, ruleA)
	s.Stop(GracefulStop())
	names := order.Names()
	require.Len(t, names, 5)
	assert.Equal(t, "primary", names[0])
	assert.ElementsMatch(t, []string{"miss", "default"}, names[1:3])
	assert.Equal(t, []string{"residue", "monitor"}, names[3:])
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, route.NoMatchDrop, Destination{Name: "primary", Sink: &testSink{}})
	dispatchAll(t, s, 10, ruleA)

	var (
		wg      sync.WaitGroup
		reports = make([]Report, 3)
	)
	for i := range reports {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = s.Stop(GracefulStop())
		}()
	}
	wg.Wait()
	for _, r := range reports {
		assert.Equal(t, reports[0], r)
	}
	assert.Equal(t, reports[0], s.Stop(ImmediateStop(0)))
	assert.Equal(t, uint64(10), reports[0].Delivered())
}

func TestSupervisor_ImmediateStopSharesDeadline(t *testing.T) {
	opts := fastOptions()
	opts.DrainTimeout = time.Minute
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "stuck", Sink: &testSink{block: make(chan struct{})}, Options: opts},
		Destination{Name: "residue", Role: Residue, Sink: &testSink{block: make(chan struct{})}, Options: opts},
	)
	dispatchAll(t, s, 4, ruleA)

	done := make(chan Report, 1)
	go func() {
		done <- s.Stop(GracefulStop())
	}()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	escalated := s.Stop(ImmediateStop(100 * time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, escalated, <-done)
	assert.Equal(t, []string{"stuck"}, escalated.TimedOut())
	assert.Equal(t, uint64(4), escalated.Abandoned())
	assert.Contains(t, escalated.String(), "drain timed out: stuck")
}

func TestSupervisor_NoMatchPolicy(t *testing.T) {
	t.Run("drop", func(t *testing.T) {
		s := newTestSupervisor(t, route.NoMatchDrop,
			Destination{Name: "a-only", Sink: &testSink{}, Rules: []string{"a"}},
		)
		dispatchAll(t, s, 3, ruleB)
		report := s.Stop(GracefulStop())
		assert.Equal(t, uint64(3), report.Unrouted)
		assert.Equal(t, uint64(3), report.Dropped())
	})
	t.Run("default", func(t *testing.T) {
		def := &testSink{}
		s := newTestSupervisor(t, route.NoMatchDefault,
			Destination{Name: "a-only", Sink: &testSink{}, Rules: []string{"a"}},
			Destination{Name: "default", Role: Default, Sink: def, Tags: map[string]any{"dest": "default"}},
		)
		dispatchAll(t, s, 3, ruleB)
		report := s.Stop(GracefulStop())
		assert.Equal(t, uint64(0), report.Unrouted)
		require.Equal(t, 3, def.Count())
		for _, e := range def.Entries() {
			assert.Equal(t, "default", e["dest"], "Default destination tags are set")
			assert.Equal(t, "b", e[entries.StandardRuleField], "Rule tags are set")
		}
	})
}

func TestSupervisor_FanoutCopiesAndTags(t *testing.T) {
	first := &testSink{}
	second := &testSink{}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "first", Sink: first, Tags: map[string]any{"dest": "first"}},
		Destination{Name: "second", Sink: second, Tags: map[string]any{"dest": "second"}},
		Destination{Name: "selective", Sink: &testSink{}, Where: "special"},
	)
	dispatchAll(t, s, 1, ruleA)
	report := s.Stop(GracefulStop())

	require.Equal(t, 1, first.Count())
	require.Equal(t, 1, second.Count())
	a, b := first.Entries()[0], second.Entries()[0]
	assert.Equal(t, "first", a["dest"])
	assert.Equal(t, "second", b["dest"])
	assert.Equal(t, "a", a[entries.StandardRuleField])
	assert.Equal(t, "a", b[entries.StandardRuleField])
	a["changed"] = true
	assert.False(t, b.HasField("changed"), "Each destination owns its own copy")
	selective, _ := report.Destination("selective")
	assert.Equal(t, uint64(0), selective.Enqueued)
}

func TestDispatcher_Rejected(t *testing.T) {
	miss := &testSink{}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "primary", Sink: &testSink{}},
		Destination{Name: "miss", Role: Miss, Sink: miss},
	)
	d, err := s.Dispatcher()
	require.NoError(t, err)
	primary, ok := s.Worker("primary")
	require.True(t, ok)
	primary.Stop(GracefulStop())
	primary.Wait()

	require.NoError(t, d.rejected(context.Background(), primary, seqEntry(0), ruleA))
	missWorker, _ := s.Worker("miss")
	missWorker.Stop(GracefulStop())
	missWorker.Wait()
	require.NoError(t, d.rejected(context.Background(), primary, seqEntry(1), ruleA))

	report := s.Stop(GracefulStop())
	assert.Equal(t, 1, miss.Count(), "Rejected records go to the miss destination while it's open")
	p, _ := report.Destination("primary")
	assert.Equal(t, uint64(1), p.Rejected)
}

func TestDispatcher_DrainingDestinationLosesNothingSilently(t *testing.T) {
	miss := &testSink{}
	other := &testSink{}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "a-only", Sink: &testSink{}, Rules: []string{"a"}},
		Destination{Name: "other", Sink: other},
		Destination{Name: "miss", Role: Miss, Sink: miss},
	)
	primary, _ := s.Worker("a-only")
	primary.Stop(GracefulStop())
	primary.Wait()

	dispatchAll(t, s, 3, ruleA)
	missWorker, _ := s.Worker("miss")
	missWorker.Stop(GracefulStop())
	missWorker.Wait()
	dispatchAll(t, s, 2, ruleA)

	report := s.Stop(GracefulStop())
	assert.Equal(t, 3, miss.Count(), "Records for a draining destination go to the miss destination")
	assert.Equal(t, 5, other.Count())
	p, _ := report.Destination("a-only")
	assert.Equal(t, uint64(2), p.Rejected, "Without a miss destination the loss is counted where it happened")
	assert.Equal(t, uint64(0), report.Unrouted)
	assert.Equal(t, uint64(2), report.Dropped())
}

func TestSupervisor_Monitor(t *testing.T) {
	const records = 20
	monitor := &testSink{}
	s := newTestSupervisor(t, route.NoMatchDrop,
		Destination{Name: "primary", Sink: &testSink{}},
		Destination{Name: "monitor", Role: Monitor, Sink: monitor},
	)
	dispatchAll(t, s, records, ruleA)
	require.Eventually(t, func() bool {
		return monitor.Count() > 0
	}, time.Second, 5*time.Millisecond)
	s.Stop(GracefulStop())

	stats := monitor.Entries()
	last := stats[len(stats)-1]
	assert.Equal(t, "primary", last["destination"])
	assert.Equal(t, uint64(records), last["delivered"], "The final snapshot is taken after primaries close")
	assert.Equal(t, Closed.String(), last["state"])
	for _, b := range monitor.Batches() {
		assert.Equal(t, MonitorRule, b.Rule)
	}
}

func TestSupervisor_StartFailureClosesOpenedSinks(t *testing.T) {
	opened := &testSink{}
	failing := &testSink{openErr: errors.New("no connection")}
	s := NewSupervisor(SupervisorConfig{})
	require.NoError(t, s.Add(Destination{Name: "opened", Sink: opened}))
	require.NoError(t, s.Add(Destination{Name: "failing", Sink: failing}))
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failing"))
	assert.Equal(t, int32(1), opened.closed.Load())
	assert.Equal(t, int32(0), failing.closed.Load())

	_, err = s.Dispatcher()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, Report{}, s.Stop(GracefulStop()))
}

func TestSupervisor_Add(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{})
	require.NoError(t, s.Add(Destination{Name: "a", Sink: &testSink{}}))
	require.NoError(t, s.Add(Destination{Name: "r", Role: Residue, Sink: &testSink{}}))

	assert.ErrorIs(t, s.Add(Destination{Name: "a", Sink: &testSink{}}), ErrDuplicate)
	assert.ErrorIs(t, s.Add(Destination{Name: "r2", Role: Residue, Sink: &testSink{}}), ErrDuplicate)
	assert.ErrorIs(t, s.Add(Destination{Name: "nosink"}), ErrNoSink)
	assert.ErrorIs(t, s.Add(Destination{Name: "bad", Role: Role(42), Sink: &testSink{}}), ErrUnknownRole)
	assert.ErrorIs(t, s.Add(Destination{Sink: &testSink{}}), ErrInvalidState)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Add(Destination{Name: "late", Sink: &testSink{}}), ErrInvalidState)
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)
	s.Stop(GracefulStop())
}

func TestReport(t *testing.T) {
	r := Report{
		Unrouted: 2,
		Destinations: []DestinationReport{
			{Name: "a", Enqueued: 10, Delivered: 7, Abandoned: 3, TimedOut: true},
			{Name: "b", Enqueued: 5, Delivered: 3, Dropped: 1, Rejected: 4, Rerouted: 1},
		},
	}
	assert.Equal(t, uint64(10), r.Delivered())
	assert.Equal(t, uint64(3), r.Abandoned())
	assert.Equal(t, uint64(7), r.Dropped())
	assert.Equal(t, []string{"a"}, r.TimedOut())
	assert.Equal(t, uint64(0), r.Destinations[0].Unresolved())
	out := r.String()
	assert.Contains(t, out, "abandoned 3")
	assert.Contains(t, out, "drain timed out: a")
	assert.Contains(t, out, "TIMED OUT")

	clean := Report{Destinations: []DestinationReport{{Name: "a", Enqueued: 1, Delivered: 1}}}
	assert.Contains(t, clean.String(), "abandoned 0")
	assert.NotContains(t, clean.String(), "timed out")
}

package route

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/saylorsolutions/nomroute/pkg/entries"
)

var (
	ErrInvalidPattern = errors.New("invalid rule pattern")
	ErrRuleCollision  = errors.New("rule ID collision")
	ErrNoDefault      = errors.New("no default destination")
)

// NoMatchPolicy decides what happens to a record that no destination selected.
type NoMatchPolicy int

const (
	// NoMatchDrop yields an empty Decision, the caller counts the record as unrouted.
	NoMatchDrop NoMatchPolicy = iota
	// NoMatchDefault sends the record to the default destination.
	NoMatchDefault
)

func (p NoMatchPolicy) String() string {
	switch p {
	case NoMatchDefault:
		return "default"
	default:
		return "drop"
	}
}

// ParseNoMatchPolicy converts a configuration value to a NoMatchPolicy.
func ParseNoMatchPolicy(s string) (NoMatchPolicy, error) {
	switch s {
	case "", "drop":
		return NoMatchDrop, nil
	case "default":
		return NoMatchDefault, nil
	}
	return NoMatchDrop, fmt.Errorf("unknown no-match policy %q", s)
}

// Readiness reports whether a destination still admits records.
type Readiness interface {
	Accepting(dest int) bool
}

// Destination describes how records are selected for one destination.
// Destinations are referred to by their position in Config.Destinations.
type Destination struct {
	Name string
	// Rules are glob patterns over rule names. No patterns selects every rule.
	Rules []string
	// Where is an optional selection rule passed to the RuleEvaluator.
	Where Selector
	// Tags are static fields set on every record delivered to this destination.
	Tags map[string]any
	// Internal destinations are never selected by rules.
	Internal bool
}

type Config struct {
	Destinations []Destination
	// Rules known up front. Rules seen later are added on first use.
	Rules     []RuleMeta
	Evaluator RuleEvaluator
	Readiness Readiness
	NoMatch   NoMatchPolicy
	// Default is the index of the default destination, or -1.
	Default int
}

type destination struct {
	name       string
	patterns   []glob.Glob
	where      Selector
	tags       map[string]any
	selectable bool
}

func (d *destination) selects(rule RuleMeta) bool {
	if len(d.patterns) == 0 {
		return true
	}
	for _, g := range d.patterns {
		if g.Match(rule.Name) {
			return true
		}
	}
	return false
}

// Evaluator produces the fanout Decision for records.
// It's safe for concurrent use as long as each goroutine uses its own Scratch.
type Evaluator struct {
	dests     []destination
	eval      RuleEvaluator
	readiness Readiness
	noMatch   NoMatchPolicy
	def       int
	// fallback is def when the no-match policy uses it, otherwise -1.
	fallback int
	index    atomic.Pointer[Index]
	extendMu sync.Mutex
}

func NewEvaluator(config Config) (*Evaluator, error) {
	e := &Evaluator{
		dests:     make([]destination, len(config.Destinations)),
		eval:      config.Evaluator,
		readiness: config.Readiness,
		noMatch:   config.NoMatch,
		def:       config.Default,
		fallback:  -1,
	}
	if e.def >= len(config.Destinations) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrNoDefault, e.def)
	}
	if e.noMatch == NoMatchDefault {
		if e.def < 0 {
			return nil, fmt.Errorf("%w: required by no-match policy %s", ErrNoDefault, e.noMatch)
		}
		e.fallback = e.def
	}
	for i, d := range config.Destinations {
		compiled := destination{
			name:       d.Name,
			where:      d.Where,
			tags:       d.Tags,
			selectable: !d.Internal,
		}
		for _, p := range d.Rules {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w %q for destination %s: %v", ErrInvalidPattern, p, d.Name, err)
			}
			compiled.patterns = append(compiled.patterns, g)
		}
		e.dests[i] = compiled
	}
	seen := map[uint64]string{}
	for _, r := range config.Rules {
		if other, ok := seen[r.ID]; ok && other != r.Name {
			return nil, fmt.Errorf("%w: %s and %s", ErrRuleCollision, other, r.Name)
		}
		seen[r.ID] = r.Name
	}
	e.index.Store(buildIndex(e.dests, e.eval, e.fallback, config.Rules))
	return e, nil
}

// NewScratch allocates a Scratch sized for this Evaluator's destinations.
func (e *Evaluator) NewScratch() *Scratch {
	return newScratch(len(e.dests))
}

// Destinations returns the number of destinations known to the Evaluator.
func (e *Evaluator) Destinations() int {
	return len(e.dests)
}

// Index returns the currently published Index.
func (e *Evaluator) Index() *Index {
	return e.index.Load()
}

// Evaluate returns the destinations entry must be delivered to.
// Destinations the rule selects that are no longer accepting are recorded in s.Skipped without evaluating their where clause.
// The default destination is only used when the rule selected nothing, skipped destinations included.
// The returned Decision aliases s.
func (e *Evaluator) Evaluate(entry entries.LogEntry, rule RuleMeta, s *Scratch) Decision {
	s.reset(len(e.dests))
	cands, ok := e.index.Load().candidates(rule)
	if !ok {
		cands = e.extend(rule)
	}
	for _, c := range cands {
		if c.fallback {
			if len(s.targets) == 0 && len(s.skipped) == 0 && e.accepting(c.dest) {
				s.add(c.dest, c.tags)
			}
			continue
		}
		if !e.accepting(c.dest) {
			s.skip(c.dest)
			continue
		}
		if c.where != nil && (e.eval == nil || !e.eval.Matches(entry, c.where)) {
			continue
		}
		s.add(c.dest, c.tags)
	}
	return s.targets
}

func (e *Evaluator) accepting(dest int) bool {
	return e.readiness == nil || e.readiness.Accepting(dest)
}

// extend publishes a new Index containing rule, returning its candidates.
func (e *Evaluator) extend(rule RuleMeta) []candidate {
	e.extendMu.Lock()
	defer e.extendMu.Unlock()
	cur := e.index.Load()
	if cands, ok := cur.candidates(rule); ok {
		return cands
	}
	found := resolve(e.dests, e.eval, e.fallback, rule)
	e.index.Store(cur.with(rule, found))
	return found
}

// Reload rebuilds the Index for a new set of rules and swaps it in.
// Evaluations already in progress finish against the previous Index.
func (e *Evaluator) Reload(rules []RuleMeta) {
	e.extendMu.Lock()
	defer e.extendMu.Unlock()
	e.index.Store(buildIndex(e.dests, e.eval, e.fallback, rules))
}

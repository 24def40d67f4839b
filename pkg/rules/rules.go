// Package rules provides the rule language used to classify records and select them for destinations.
//
// A rule is a set of field conditions. Each condition is a glob pattern matched against the string form of a field, and a pattern prefixed with "!" matches when the field is absent or doesn't match.
// All conditions of a rule must hold for it to match. Rules are evaluated in order, and the first one that matches classifies the record.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
)

var (
	ErrEmptyName     = errors.New("rule name is required")
	ErrDuplicateRule = errors.New("duplicate rule name")
	ErrBadCondition  = errors.New("invalid rule condition")
)

var _ route.RuleEvaluator = (*Set)(nil)

// Rule is the configuration of a single classification rule.
type Rule struct {
	Name string
	// Where maps field names to glob patterns.
	Where map[string]string
	// Tags are static fields attached to every record this rule classifies, for each destination it's delivered to.
	Tags map[string]any
}

type condition struct {
	field  string
	g      glob.Glob
	negate bool
}

// Predicate is a compiled set of field conditions.
type Predicate struct {
	conds []condition
}

// Compile creates a Predicate from field patterns. An empty map produces a Predicate that matches everything.
func Compile(where map[string]string) (*Predicate, error) {
	fields := make([]string, 0, len(where))
	for f := range where {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	p := &Predicate{conds: make([]condition, 0, len(fields))}
	for _, f := range fields {
		if len(strings.TrimSpace(f)) == 0 {
			return nil, fmt.Errorf("%w: empty field name", ErrBadCondition)
		}
		pattern := where[f]
		negate := strings.HasPrefix(pattern, "!")
		if negate {
			pattern = pattern[1:]
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s pattern %q: %v", ErrBadCondition, f, where[f], err)
		}
		p.conds = append(p.conds, condition{field: f, g: g, negate: negate})
	}
	return p, nil
}

func (p *Predicate) Match(entry entries.LogEntry) bool {
	for _, c := range p.conds {
		val, ok := entry.AsString(c.field)
		matched := ok && c.g.Match(val)
		if matched == c.negate {
			return false
		}
	}
	return true
}

type compiledRule struct {
	meta  route.RuleMeta
	where *Predicate
	tags  map[string]any
}

// Set is an ordered, immutable list of rules.
type Set struct {
	rules []compiledRule
	tags  map[uint64]map[string]any
}

func NewSet(rules ...Rule) (*Set, error) {
	s := &Set{
		rules: make([]compiledRule, 0, len(rules)),
		tags:  map[uint64]map[string]any{},
	}
	names := map[string]bool{}
	for _, r := range rules {
		if len(strings.TrimSpace(r.Name)) == 0 {
			return nil, ErrEmptyName
		}
		if names[r.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name)
		}
		names[r.Name] = true
		where, err := Compile(r.Where)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		meta := route.NewRuleMeta(r.Name)
		s.rules = append(s.rules, compiledRule{meta: meta, where: where, tags: r.Tags})
		if len(r.Tags) > 0 {
			s.tags[meta.ID] = r.Tags
		}
	}
	return s, nil
}

// Classify returns the RuleMeta of the first rule entry matches, or route.Unmatched.
func (s *Set) Classify(entry entries.LogEntry) route.RuleMeta {
	for i := range s.rules {
		if s.rules[i].where.Match(entry) {
			return s.rules[i].meta
		}
	}
	return route.Unmatched
}

// Metas lists the RuleMeta of every rule in order.
func (s *Set) Metas() []route.RuleMeta {
	metas := make([]route.RuleMeta, len(s.rules))
	for i, r := range s.rules {
		metas[i] = r.meta
	}
	return metas
}

// Matches implements route.RuleEvaluator. The selector must be a *Predicate.
func (s *Set) Matches(entry entries.LogEntry, sel route.Selector) bool {
	switch p := sel.(type) {
	case nil:
		return true
	case *Predicate:
		return p == nil || p.Match(entry)
	default:
		return false
	}
}

func (s *Set) Tags(rule route.RuleMeta) map[string]any {
	return s.tags[rule.ID]
}

// Selector compiles where into a route.Selector, returning nil when there's nothing to evaluate.
func Selector(where map[string]string) (route.Selector, error) {
	if len(where) == 0 {
		return nil, nil
	}
	p, err := Compile(where)
	if err != nil {
		return nil, err
	}
	return p, nil
}

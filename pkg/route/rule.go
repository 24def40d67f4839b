// Package route decides which destinations a record must be delivered to.
//
// The Evaluator narrows the destinations for a record using an Index keyed by the record's RuleMeta, skips destinations that are no longer accepting work, and only then consults the external RuleEvaluator for each remaining candidate.
// The Index is immutable once published; new rules are added by building a new Index and swapping it in atomically, so dispatch tasks never lock on the hot path.
package route

import (
	"github.com/cespare/xxhash/v2"
	"github.com/saylorsolutions/nomroute/pkg/entries"
)

// RuleMeta identifies the rule that classified a record.
// It's comparable and cheap to copy, so it can be carried alongside every record and used as the batching key.
type RuleMeta struct {
	ID   uint64
	Name string
}

// Unmatched is the RuleMeta of records that no rule classified.
var Unmatched = RuleMeta{}

// NewRuleMeta creates the RuleMeta for a rule name. The ID is stable across runs.
func NewRuleMeta(name string) RuleMeta {
	if len(name) == 0 {
		return Unmatched
	}
	return RuleMeta{ID: xxhash.Sum64String(name), Name: name}
}

func (r RuleMeta) String() string {
	if r == Unmatched {
		return "<unmatched>"
	}
	return r.Name
}

// Selector is a destination selection rule. The router never interprets it, it's only handed back to a RuleEvaluator.
type Selector any

// RuleEvaluator is the rule language capability the router depends on.
// Implementations must be pure and safe for concurrent use.
type RuleEvaluator interface {
	// Matches reports whether entry satisfies the selection rule.
	Matches(entry entries.LogEntry, sel Selector) bool
	// Tags returns the static tag fields to attach to records classified by rule, or nil.
	Tags(rule RuleMeta) map[string]any
}

package route

import (
	"maps"
)

type candidate struct {
	dest  int
	where Selector
	tags  map[string]any
	// fallback marks the default destination, used only when nothing else selected the record.
	fallback bool
}

// Index maps a rule ID to the destinations that may receive records classified by that rule.
// An Index is never modified after it's published.
type Index struct {
	byRule map[uint64][]candidate
}

func (idx *Index) candidates(rule RuleMeta) ([]candidate, bool) {
	c, ok := idx.byRule[rule.ID]
	return c, ok
}

// Rules returns the number of rules known to the index.
func (idx *Index) Rules() int {
	return len(idx.byRule)
}

// with returns a copy of the index that also contains rule.
func (idx *Index) with(rule RuleMeta, found []candidate) *Index {
	next := &Index{byRule: make(map[uint64][]candidate, len(idx.byRule)+1)}
	maps.Copy(next.byRule, idx.byRule)
	next.byRule[rule.ID] = found
	return next
}

func buildIndex(dests []destination, eval RuleEvaluator, def int, rules []RuleMeta) *Index {
	idx := &Index{byRule: make(map[uint64][]candidate, len(rules)+1)}
	idx.byRule[Unmatched.ID] = resolve(dests, eval, def, Unmatched)
	for _, r := range rules {
		idx.byRule[r.ID] = resolve(dests, eval, def, r)
	}
	return idx
}

// resolve finds the candidate destinations for a rule and merges their tags once, so no tag work happens per record.
// If def is a destination index, its candidate is appended last and marked as the fallback.
func resolve(dests []destination, eval RuleEvaluator, def int, rule RuleMeta) []candidate {
	var ruleTags map[string]any
	if eval != nil && rule != Unmatched {
		ruleTags = eval.Tags(rule)
	}
	var found []candidate
	for i := range dests {
		d := &dests[i]
		if !d.selectable || !d.selects(rule) {
			continue
		}
		found = append(found, candidate{
			dest:  i,
			where: d.where,
			tags:  mergeTags(ruleTags, d.tags),
		})
	}
	if def >= 0 {
		found = append(found, candidate{
			dest:     def,
			tags:     mergeTags(ruleTags, dests[def].tags),
			fallback: true,
		})
	}
	return found
}

func mergeTags(ruleTags, destTags map[string]any) map[string]any {
	if len(ruleTags) == 0 && len(destTags) == 0 {
		return nil
	}
	merged := make(map[string]any, len(ruleTags)+len(destTags))
	maps.Copy(merged, ruleTags)
	maps.Copy(merged, destTags)
	return merged
}

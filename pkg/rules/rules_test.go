package rules

import (
	"testing"

	"github.com/saylorsolutions/nomroute/pkg/entries"
	"github.com/saylorsolutions/nomroute/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicate_Match(t *testing.T) {
	tests := map[string]struct {
		where    map[string]string
		entry    entries.LogEntry
		expected bool
	}{
		"empty matches everything": {
			where:    nil,
			entry:    entries.LogEntry{"a": "b"},
			expected: true,
		},
		"glob match": {
			where:    map[string]string{"@module": "nginx*"},
			entry:    entries.LogEntry{"@module": "nginx-access"},
			expected: true,
		},
		"glob miss": {
			where:    map[string]string{"@module": "nginx*"},
			entry:    entries.LogEntry{"@module": "app"},
			expected: false,
		},
		"missing field": {
			where:    map[string]string{"@module": "*"},
			entry:    entries.LogEntry{},
			expected: false,
		},
		"negated missing field": {
			where:    map[string]string{"@module": "!*"},
			entry:    entries.LogEntry{},
			expected: true,
		},
		"negated match": {
			where:    map[string]string{"@level": "!debug"},
			entry:    entries.LogEntry{"@level": "debug"},
			expected: false,
		},
		"numbers are matched as strings": {
			where:    map[string]string{"status": "5*"},
			entry:    entries.LogEntry{"status": 503},
			expected: true,
		},
		"all conditions must hold": {
			where:    map[string]string{"@module": "app", "@level": "error"},
			entry:    entries.LogEntry{"@module": "app", "@level": "info"},
			expected: false,
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			p, err := Compile(tc.where)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, p.Match(tc.entry))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(map[string]string{"": "a"})
	assert.ErrorIs(t, err, ErrBadCondition)
	_, err = Compile(map[string]string{"a": "[unclosed"})
	assert.ErrorIs(t, err, ErrBadCondition)
}

func TestSet_Classify(t *testing.T) {
	set, err := NewSet(
		Rule{Name: "errors", Where: map[string]string{"@level": "error"}, Tags: map[string]any{"severity": "high"}},
		Rule{Name: "app", Where: map[string]string{"@module": "app*"}},
	)
	require.NoError(t, err)

	assert.Equal(t, route.NewRuleMeta("errors"), set.Classify(entries.LogEntry{"@level": "error", "@module": "app"}))
	assert.Equal(t, route.NewRuleMeta("app"), set.Classify(entries.LogEntry{"@level": "info", "@module": "app-1"}))
	assert.Equal(t, route.Unmatched, set.Classify(entries.LogEntry{"@module": "db"}))

	assert.Equal(t, map[string]any{"severity": "high"}, set.Tags(route.NewRuleMeta("errors")))
	assert.Nil(t, set.Tags(route.NewRuleMeta("app")))
	assert.Equal(t, []route.RuleMeta{route.NewRuleMeta("errors"), route.NewRuleMeta("app")}, set.Metas())
}

func TestNewSet_Errors(t *testing.T) {
	_, err := NewSet(Rule{Name: " "})
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = NewSet(Rule{Name: "a"}, Rule{Name: "a"})
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestSet_Matches(t *testing.T) {
	set, err := NewSet()
	require.NoError(t, err)
	sel, err := Selector(map[string]string{"env": "prod"})
	require.NoError(t, err)

	assert.True(t, set.Matches(entries.LogEntry{"env": "prod"}, sel))
	assert.False(t, set.Matches(entries.LogEntry{"env": "dev"}, sel))
	assert.True(t, set.Matches(entries.LogEntry{}, nil))
	assert.False(t, set.Matches(entries.LogEntry{}, "not a predicate"))

	none, err := Selector(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDrainState_Advance(t *testing.T) {
	var s drainState
	assert.Equal(t, Open, s.Load())
	assert.True(t, s.advance(Draining))
	assert.False(t, s.advance(Draining))
	assert.False(t, s.advance(Open), "State never moves backward")
	assert.True(t, s.advance(Closed))
	assert.Equal(t, Closed, s.Load())
	assert.False(t, s.advance(Draining))
	assert.Equal(t, "closed", s.Load().String())
}

func TestPendingCounter(t *testing.T) {
	var p PendingCounter
	p.Add(3)
	p.Done(2)
	assert.Equal(t, int64(1), p.Load())
	p.Done(1)
	assert.Equal(t, int64(0), p.Load())
	assert.Panics(t, func() {
		p.Done(1)
	})
}

func TestRole_Parse(t *testing.T) {
	tests := map[string]struct {
		expected Role
		err      bool
	}{
		"":        {expected: Primary},
		"primary": {expected: Primary},
		"default": {expected: Default},
		"miss":    {expected: Miss},
		"residue": {expected: Residue},
		"monitor": {expected: Monitor},
		"other":   {err: true},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			role, err := ParseRole(name)
			if tc.err {
				assert.ErrorIs(t, err, ErrUnknownRole)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, role)
		})
	}
}

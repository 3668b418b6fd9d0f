package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The persisted codes are a wire contract with on-disk data; renumbering
// them is a breaking change.
func TestStatePersistedCodes(t *testing.T) {
	codes := map[State]int{
		StateUncommitted:   0,
		StatePending:       1,
		StateBootstrapping: 2,
		StateComplete:      3,
		StateError:         4,
		StateSuperseded:    5,
		StateAwaitingMark:  6,
	}
	for state, code := range codes {
		assert.Equal(t, code, int(state), "state %s", state)
	}
}

func TestStateTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
	}{
		{StateUncommitted, false},
		{StatePending, false},
		{StateBootstrapping, false},
		{StateAwaitingMark, false},
		{StateComplete, false},
		{StateError, true},
		{StateSuperseded, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

// Notification ordering is Pending < Bootstrapping < AwaitingMark <
// Complete, which differs from the persisted codes (AwaitingMark was
// appended to the enum later).
func TestStateNotifyOrder(t *testing.T) {
	assert.Less(t, StatePending.NotifyOrder(), StateBootstrapping.NotifyOrder())
	assert.Less(t, StateBootstrapping.NotifyOrder(), StateAwaitingMark.NotifyOrder())
	assert.Less(t, StateAwaitingMark.NotifyOrder(), StateComplete.NotifyOrder())

	assert.Zero(t, StateUncommitted.NotifyOrder())
	assert.Zero(t, StateError.NotifyOrder())
	assert.Zero(t, StateSuperseded.NotifyOrder())
}

func TestStateValid(t *testing.T) {
	for s := StateUncommitted; s <= StateAwaitingMark; s++ {
		assert.True(t, s.Valid(), "state %d", int(s))
	}
	assert.False(t, State(7).Valid())
	assert.False(t, State(-1).Valid())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Pending", StatePending.String())
	assert.Equal(t, "AwaitingMark", StateAwaitingMark.String())
	assert.Equal(t, "Unknown", State(42).String())
}

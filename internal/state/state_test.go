package state_test

import (
	"testing"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	l := state.New(state.Frozen)
	require.True(t, l.IsFrozen())

	require.NoError(t, l.Unfreeze())
	require.True(t, l.IsOpen())
	require.False(t, l.IsFrozen())

	require.NoError(t, l.Freeze())
	require.True(t, l.Is(state.Frozen))

	require.True(t, l.Close())
	require.False(t, l.Close())
	require.True(t, l.IsFrozen())
}

func TestLifecycleInvalidTransitionKeepsState(t *testing.T) {
	l := state.New(state.Open)

	err := l.Unfreeze()
	require.ErrorIs(t, err, api.ErrInvalidTransition)
	assert.Equal(t, state.Open, l.Get())

	l.Close()
	require.ErrorIs(t, l.Freeze(), api.ErrInvalidTransition)
	require.ErrorIs(t, l.Unfreeze(), api.ErrInvalidTransition)
	assert.Equal(t, state.Closed, l.Get())
}

func TestThrottledFlagIsIndependent(t *testing.T) {
	l := state.New(state.Open)
	l.SetThrottled(true)
	require.NoError(t, l.Freeze())
	assert.True(t, l.IsThrottled())
	assert.Equal(t, "frozen+throttled", l.String())
}

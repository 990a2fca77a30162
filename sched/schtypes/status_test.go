package schtypes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusClasses(t *testing.T) {
	for _, s := range ActiveStatuses {
		require.True(t, s.IsActive(), s)
		require.True(t, s.IsLive(), s)
		require.False(t, s.IsTerminal(), s)
	}
	for _, s := range TerminalStatuses {
		require.False(t, s.IsLive(), s)
		require.True(t, s.IsTerminal(), s)
		require.True(t, s.WithDeleted().IsTerminal(), s)
		require.True(t, s.WithDeleted().Valid(), s)
	}
	require.False(t, StatusSleeping.IsActive())
	require.True(t, StatusSleeping.IsLive())
	require.False(t, Status("RUNNING_DELETED").Valid())
	require.False(t, Status("BOGUS").Valid())
}

func TestDeletedSuffix(t *testing.T) {
	s := StatusDone.WithDeleted()
	require.Equal(t, Status("DONE_DELETED"), s)
	require.True(t, s.Deleted())
	require.Equal(t, StatusDone, s.Base())
	require.Equal(t, s, s.WithDeleted())
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusWaiting, StatusScheduled, true},
		{StatusWaiting, StatusRunning, false},
		{StatusScheduled, StatusRunning, true},
		{StatusScheduled, StatusWaiting, true},
		{StatusRunning, StatusAboutToSleep, true},
		{StatusContinuing, StatusAboutToStop, true},
		{StatusSleeping, StatusContinuing, true},
		{StatusSleeping, StatusAboutToStop, false},
		{StatusSleeping, StatusRunning, false},
		{StatusDone, StatusRunning, false},
		{StatusDone, StatusWaiting, true},
		{StatusRunning, StatusWaiting, false},
		{StatusError, StatusAckError, true},
		{StatusDone, Status("DONE_DELETED"), true},
		{StatusDone, Status("ERROR_DELETED"), false},
		{StatusRunning, Status("RUNNING_DELETED"), false},
		{Status("DONE_DELETED"), StatusWaiting, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
		err := CheckTransition(c.from, c.to)
		if c.ok {
			require.NoError(t, err)
		} else {
			require.True(t, errors.Is(err, ErrInvalidTransition))
		}
	}
}

package alerting

import (
	"encoding/json"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/mockjournal"
)

func TestAlerting(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	j := mockjournal.NewMockJournal(mockCtrl)

	a := NewAlertingSystem(j)

	j.EXPECT().RegisterEventType("bibsched", "halted").Return(journal.EventType{System: "bibsched", Event: "halted"})
	halted := a.AddAlertType("bibsched", "halted")

	j.EXPECT().RegisterEventType("bibsched", "task-errors").Return(journal.EventType{System: "bibsched", Event: "task-errors"})
	taskErrors := a.AddAlertType("bibsched", "task-errors")

	// registering twice is a no-op
	require.Equal(t, halted, a.AddAlertType("bibsched", "halted"))

	l := a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, halted, l[0].Type)
	require.Equal(t, taskErrors, l[1].Type)

	for _, alert := range l {
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	j.EXPECT().RecordEvent(a.alerts[taskErrors].journalType, gomock.Any())
	a.Raise(taskErrors, []int{12, 14})

	for _, alert := range l { // check for no magic mutations
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	l = a.GetAlerts()
	require.False(t, l[0].Active)
	require.True(t, l[1].Active)
	require.True(t, a.IsRaised(taskErrors))
	require.NotNil(t, l[1].LastActive)
	require.Equal(t, "raised", l[1].LastActive.Type)
	require.Equal(t, json.RawMessage(`[12,14]`), l[1].LastActive.Message)
	require.Nil(t, l[1].LastResolved)

	j.EXPECT().RecordEvent(a.alerts[taskErrors].journalType, gomock.Any())
	a.Resolve(taskErrors, "acknowledged")

	l = a.GetAlerts()
	require.False(t, l[1].Active)
	require.False(t, a.IsRaised(taskErrors))
	require.Equal(t, "resolved", l[1].LastResolved.Type)
	require.Equal(t, json.RawMessage(`"acknowledged"`), l[1].LastResolved.Message)
	require.NotNil(t, l[1].LastActive, "the last raise is kept for reference")
}

func TestUnknownAlert(t *testing.T) {
	a := NewAlertingSystem(journal.NilJournal())
	a.Raise(AlertType{System: "nope", Subsystem: "nope"}, "x")
	require.Empty(t, a.GetAlerts())
}

package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

func TestViewClassifies(t *testing.T) {
	reg := schtypes.NewRegistry(families, false, nil, nil)
	live := []schtypes.Task{
		tk(1, "bibindex", schtypes.StatusRunning, 1),
		on("node2", tk(2, "bibrank", schtypes.StatusRunning, 1)),
		tk(3, "bibindex", schtypes.StatusSleeping, 3),
		tk(4, "webcoll", schtypes.StatusWaiting, 5),
		at(now.Add(time.Hour), tk(5, "webcoll", schtypes.StatusWaiting, 9)),
		tk(6, "dbdump", schtypes.StatusWaiting, 0),
	}
	v := NewView(reg, testHost, now, live)

	require.Equal(t, []schtypes.TaskID{1, 2}, ids(v.Active))
	require.Equal(t, []schtypes.TaskID{1}, ids(v.NodeActive))
	require.Equal(t, []schtypes.TaskID{3}, ids(v.Sleeping))
	require.Equal(t, []schtypes.TaskID{4, 3, 6}, ids(v.Waiting), "not-due tasks are not waiting")
	require.Equal(t, []schtypes.TaskID{6}, ids(v.Monotasks))
	require.Len(t, v.Live(), 6)
}

func TestSerialCandidates(t *testing.T) {
	reg := schtypes.NewRegistry(families, false, nil, nil)

	v := NewView(reg, testHost, now, []schtypes.Task{
		tk(10, "bibupload", schtypes.StatusRunning, 0),
		tk(11, "bibupload", schtypes.StatusWaiting, 0),
		tk(12, "bibupload:fast", schtypes.StatusWaiting, 8),
		tk(13, "bibindex", schtypes.StatusWaiting, 4),
	})
	require.Equal(t, []schtypes.TaskID{11, 13}, ids(v.Candidates()), "oldest serial member takes the family slot")

	v = NewView(reg, testHost, now, []schtypes.Task{
		tk(9, "bibupload", schtypes.StatusWaiting, 0),
		tk(11, "bibupload", schtypes.StatusSleeping, 0),
	})
	require.Equal(t, []schtypes.TaskID{11}, ids(v.Candidates()), "sleeping serial member goes first")
}

func TestCandidatesRespectAllowedHosts(t *testing.T) {
	reg := schtypes.NewRegistry(map[string]schtypes.FamilyConfig{
		"oaiharvest": {AllowedHosts: []string{"harvester"}},
	}, true, nil, nil)

	v := NewView(reg, testHost, now, []schtypes.Task{
		tk(1, "oaiharvest", schtypes.StatusWaiting, 0),
		tk(2, "unknown", schtypes.StatusWaiting, 0),
	})
	require.Empty(t, v.Candidates())

	v = NewView(reg, "harvester", now, []schtypes.Task{
		tk(1, "oaiharvest", schtypes.StatusWaiting, 0),
	})
	require.Equal(t, []schtypes.TaskID{1}, ids(v.Candidates()))
}

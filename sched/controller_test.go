package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func tk(id schtypes.TaskID, proc string, st schtypes.Status, prio int) schtypes.Task {
	t := schtypes.Task{ID: id, Proc: proc, Status: st, Priority: prio, Runtime: now.Add(-time.Hour)}
	if st != schtypes.StatusWaiting {
		t.Host = testHost
	}
	return t
}

func on(host string, t schtypes.Task) schtypes.Task {
	t.Host = host
	return t
}

func inSeq(seq int64, t schtypes.Task) schtypes.Task {
	t.SequenceID = &seq
	return t
}

func at(rt time.Time, t schtypes.Task) schtypes.Task {
	t.Runtime = rt
	return t
}

func taskIDs(ts []schtypes.Task) []schtypes.TaskID {
	if len(ts) == 0 {
		return nil
	}
	return ids(ts)
}

func TestEvaluate(t *testing.T) {
	reg := schtypes.NewRegistry(families, false, [][]string{{"bibrank", "webcoll"}}, [][]string{{"bibreformat", "bibsort"}})

	tcs := []struct {
		name   string
		limits Limits
		live   []schtypes.Task
		cand   schtypes.TaskID

		verdict Verdict
		toStop  []schtypes.TaskID
		toSleep []schtypes.TaskID
		raise   []PriorityChange
		resched []RuntimeChange
	}{
		{
			name:    "idle host admits",
			live:    []schtypes.Task{tk(1, "bibindex", schtypes.StatusWaiting, 0)},
			cand:    1,
			verdict: Admit,
		},
		{
			name:    "below the priority floor",
			live:    []schtypes.Task{tk(1, "bibindex", schtypes.StatusWaiting, -11)},
			cand:    1,
			verdict: Refuse,
		},
		{
			name: "bound to another host",
			live: []schtypes.Task{
				on("node2", tk(1, "bibindex", schtypes.StatusSleeping, 5)),
			},
			cand:    1,
			verdict: Refuse,
		},
		{
			name: "higher priority task holds the only slot",
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusRunning, 10),
				tk(2, "bibindex", schtypes.StatusWaiting, 5),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name: "fixed-time task ignores the ceiling",
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusRunning, 10),
				tk(2, "inveniogc", schtypes.StatusWaiting, 5),
			},
			cand:    2,
			verdict: Admit,
		},
		{
			name: "lower priority task is put to sleep",
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusRunning, 5),
				tk(2, "bibindex", schtypes.StatusWaiting, 50),
			},
			cand:    2,
			verdict: Preempt,
			toSleep: []schtypes.TaskID{1},
		},
		{
			name:   "room left, no preemption",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusRunning, 5),
				tk(2, "bibindex", schtypes.StatusWaiting, 50),
			},
			cand:    2,
			verdict: Admit,
		},
		{
			name: "sleep victim is the lowest priority task",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusRunning, 7),
				tk(2, "bibreformat", schtypes.StatusRunning, 3),
				tk(3, "bibindex", schtypes.StatusWaiting, 50),
			},
			cand:    3,
			verdict: Preempt,
			toSleep: []schtypes.TaskID{2},
		},
		{
			name: "incompatible lower task is stopped",
			live: []schtypes.Task{
				tk(1, "bibindex", schtypes.StatusRunning, 5),
				tk(2, "bibindex", schtypes.StatusWaiting, 200),
			},
			cand:    2,
			verdict: Preempt,
			toStop:  []schtypes.TaskID{1},
		},
		{
			name: "incompatibility group counts as unsafe",
			live: []schtypes.Task{
				tk(1, "webcoll", schtypes.StatusRunning, 5),
				tk(2, "bibrank:fast", schtypes.StatusWaiting, 200),
			},
			cand:    2,
			verdict: Preempt,
			toStop:  []schtypes.TaskID{1},
		},
		{
			name: "not important enough to stop anything",
			live: []schtypes.Task{
				tk(1, "bibindex", schtypes.StatusRunning, 5),
				tk(2, "bibindex", schtypes.StatusWaiting, 50),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name: "unsafe task on another host",
			live: []schtypes.Task{
				on("node2", tk(1, "bibindex", schtypes.StatusRunning, 1)),
				tk(2, "bibindex", schtypes.StatusWaiting, 200),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name: "serial family member is running",
			live: []schtypes.Task{
				tk(10, "bibupload", schtypes.StatusRunning, 0),
				tk(11, "bibupload:batch", schtypes.StatusWaiting, 0),
			},
			cand:    11,
			verdict: Refuse,
		},
		{
			name: "already asked to sleep",
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusAboutToSleep, 5),
				tk(2, "bibindex", schtypes.StatusWaiting, 50),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name: "sleeping task resumes on its host",
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusSleeping, 5),
			},
			cand:    1,
			verdict: Resume,
		},
		{
			name:   "no resume while a peer is going to sleep",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibindex", schtypes.StatusAboutToSleep, 1),
				tk(2, "bibrank", schtypes.StatusSleeping, 5),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name: "earlier sequence member outstanding",
			live: []schtypes.Task{
				inSeq(7, tk(1, "bibindex", schtypes.StatusWaiting, 5)),
				inSeq(7, tk(2, "bibrank", schtypes.StatusWaiting, 5)),
			},
			cand:    2,
			verdict: Defer,
		},
		{
			name: "sequence priorities are lifted",
			live: []schtypes.Task{
				inSeq(7, tk(1, "bibindex", schtypes.StatusWaiting, 1)),
				inSeq(7, tk(2, "bibrank", schtypes.StatusWaiting, 5)),
			},
			cand:    1,
			verdict: Normalize,
			raise:   []PriorityChange{{ID: 1, Priority: 5}},
		},
		{
			name: "sequence runtimes are ordered by id",
			live: []schtypes.Task{
				inSeq(7, at(now.Add(time.Hour), tk(1, "bibindex", schtypes.StatusWaiting, 5))),
				inSeq(7, tk(2, "bibrank", schtypes.StatusWaiting, 5)),
			},
			cand:    2,
			verdict: Normalize,
			resched: []RuntimeChange{{ID: 2, Runtime: now.Add(time.Hour)}},
		},
		{
			name: "monotask sleeps every lower task",
			limits: Limits{MaxConcurrentTasks: 3, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibrank", schtypes.StatusRunning, 1),
				tk(2, "bibindex", schtypes.StatusRunning, 2),
				tk(3, "dbdump", schtypes.StatusWaiting, 10),
			},
			cand:    3,
			verdict: Preempt,
			toSleep: []schtypes.TaskID{1, 2},
		},
		{
			name: "monotask waits for other hosts",
			live: []schtypes.Task{
				on("node2", tk(1, "bibrank", schtypes.StatusRunning, 1)),
				tk(3, "dbdump", schtypes.StatusWaiting, 10),
			},
			cand:    3,
			verdict: Refuse,
		},
		{
			name: "waiting monotask outranks the candidate",
			live: []schtypes.Task{
				on("node2", tk(1, "dbdump", schtypes.StatusWaiting, 10)),
				tk(2, "bibindex", schtypes.StatusWaiting, 5),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name:   "non-concurrent lower peer is put to sleep",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibreformat:xm", schtypes.StatusRunning, 5),
				tk(2, "bibsort", schtypes.StatusWaiting, 10),
			},
			cand:    2,
			verdict: Preempt,
			toSleep: []schtypes.TaskID{1},
		},
		{
			name: "non-concurrent peer replaces the ceiling victim",
			live: []schtypes.Task{
				tk(1, "bibreformat", schtypes.StatusRunning, 5),
				tk(2, "bibindex", schtypes.StatusRunning, 1),
				tk(3, "bibsort", schtypes.StatusWaiting, 10),
			},
			cand:    3,
			verdict: Preempt,
			toSleep: []schtypes.TaskID{1},
		},
		{
			name:   "non-concurrent peer with higher priority",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibreformat", schtypes.StatusRunning, 20),
				tk(2, "bibsort", schtypes.StatusWaiting, 10),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name:   "non-concurrent peer on another host",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				on("node2", tk(1, "bibreformat", schtypes.StatusRunning, 1)),
				tk(2, "bibsort", schtypes.StatusWaiting, 10),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name:   "waiting non-concurrent peer goes first",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibreformat", schtypes.StatusWaiting, 20),
				tk(2, "bibsort", schtypes.StatusWaiting, 10),
			},
			cand:    2,
			verdict: Refuse,
		},
		{
			name:   "sleeping non-concurrent peer does not block",
			limits: Limits{MaxConcurrentTasks: 2, PriorityFloor: -10, StopPriority: 100},
			live: []schtypes.Task{
				tk(1, "bibreformat", schtypes.StatusSleeping, 50),
				tk(2, "bibsort", schtypes.StatusWaiting, 10),
			},
			cand:    2,
			verdict: Admit,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			limits := tc.limits
			if limits.MaxConcurrentTasks == 0 {
				limits = defaultLimits()
			}
			c := NewController(limits)
			v := NewView(reg, testHost, now, tc.live)

			var cand schtypes.Task
			for _, lt := range tc.live {
				if lt.ID == tc.cand {
					cand = lt
				}
			}
			require.NotZero(t, cand.ID)

			d := c.Evaluate(v, cand)
			require.Equal(t, tc.verdict, d.Verdict, d.Reason)
			require.Equal(t, tc.toStop, taskIDs(d.ToStop))
			require.Equal(t, tc.toSleep, taskIDs(d.ToSleep))
			require.Equal(t, tc.raise, d.Raise)
			require.Equal(t, tc.resched, d.Reschedule)
		})
	}
}

func TestEvaluateActive(t *testing.T) {
	reg := schtypes.NewRegistry(families, false, nil, nil)
	c := NewController(defaultLimits())

	running := tk(1, "bibindex", schtypes.StatusRunning, 5)

	v := NewView(reg, testHost, now, []schtypes.Task{running})
	require.Equal(t, Keep, c.EvaluateActive(v, running).Verdict)

	v = NewView(reg, testHost, now, []schtypes.Task{running, tk(2, "dbdump", schtypes.StatusWaiting, 1)})
	require.Equal(t, Keep, c.EvaluateActive(v, running).Verdict, "lower waiting monotask")

	v = NewView(reg, testHost, now, []schtypes.Task{running, tk(2, "dbdump", schtypes.StatusWaiting, 10)})
	require.Equal(t, SleepSelf, c.EvaluateActive(v, running).Verdict)

	v = NewView(reg, testHost, now, []schtypes.Task{running, on("node2", tk(2, "dbdump", schtypes.StatusRunning, 0))})
	require.Equal(t, SleepSelf, c.EvaluateActive(v, running).Verdict, "active monotask elsewhere")

	stopping := tk(1, "bibindex", schtypes.StatusAboutToStop, 5)
	v = NewView(reg, testHost, now, []schtypes.Task{stopping, tk(2, "dbdump", schtypes.StatusWaiting, 10)})
	require.Equal(t, Keep, c.EvaluateActive(v, stopping).Verdict)

	mono := tk(3, "dbdump", schtypes.StatusRunning, 10)
	v = NewView(reg, testHost, now, []schtypes.Task{mono})
	require.Equal(t, Keep, c.EvaluateActive(v, mono).Verdict, "a monotask does not yield to itself")
}

func TestDecisionChanged(t *testing.T) {
	for v, changed := range map[Verdict]bool{
		Keep: false, Refuse: false, Defer: false,
		Normalize: true, Admit: true, Resume: true, Preempt: true, SleepSelf: true,
	} {
		require.Equal(t, changed, Decision{Verdict: v}.Changed(), v.String())
	}
}

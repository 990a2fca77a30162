package sched

import (
	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

const (
	evtTypeAdmit = iota
	evtTypeResume
	evtTypePreempt
	evtTypeLaunchFailed
	evtTypeCrashed
	evtTypeReconcile
	evtTypeGC
	evtTypeCycle
	evtTypeHalt
	evtTypeCount
)

type evtTypes [evtTypeCount]journal.EventType

func registerEvents(j journal.Journal) evtTypes {
	return evtTypes{
		evtTypeAdmit:        j.RegisterEventType("sched", "admit"),
		evtTypeResume:       j.RegisterEventType("sched", "resume"),
		evtTypePreempt:      j.RegisterEventType("sched", "preempt"),
		evtTypeLaunchFailed: j.RegisterEventType("sched", "launch-failed"),
		evtTypeCrashed:      j.RegisterEventType("sched", "crashed"),
		evtTypeReconcile:    j.RegisterEventType("sched", "reconcile"),
		evtTypeGC:           j.RegisterEventType("sched", "gc"),
		evtTypeCycle:        j.RegisterEventType("sched", "cycle"),
		evtTypeHalt:         j.RegisterEventType("sched", "halt"),
	}
}

// TaskEvt is journalled for every action taken on a single task.
type TaskEvt struct {
	TaskID   schtypes.TaskID
	Proc     string
	Status   schtypes.Status
	Host     string
	Priority int
	Reason   string `json:",omitempty"`
}

func taskEvt(t schtypes.Task, reason string) TaskEvt {
	return TaskEvt{
		TaskID:   t.ID,
		Proc:     t.Proc,
		Status:   t.Status,
		Host:     t.Host,
		Priority: t.Priority,
		Reason:   reason,
	}
}

// PreemptEvt records the tasks asked to vacate for a candidate.
type PreemptEvt struct {
	For     TaskEvt
	ToStop  []schtypes.TaskID
	ToSleep []schtypes.TaskID
}

// CycleEvt summarises one scheduling cycle.
type CycleEvt struct {
	Cycle      int
	Live       int
	Candidates int
	Changed    bool
	AutoMode   bool
}

// GCEvt summarises one garbage-collection sweep.
type GCEvt struct {
	Removed  map[string]int
	Archived map[string]int
}

package sched

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

// View is one consistent reading of the live task table, seen from Host.
// Every admission decision in a cycle is made against the same View.
type View struct {
	Host string
	Now  time.Time

	// Active holds active tasks on every host.
	Active []schtypes.Task
	// NodeActive is the subset of Active owned by Host.
	NodeActive []schtypes.Task
	// Waiting holds due WAITING tasks and all SLEEPING tasks, in admission order.
	Waiting []schtypes.Task
	// Sleeping holds SLEEPING tasks on every host.
	Sleeping []schtypes.Task
	// Monotasks holds monotasks that are active, sleeping, or waiting and due.
	Monotasks []schtypes.Task

	reg       *schtypes.Registry
	live      []schtypes.Task
	sequences map[int64][]schtypes.Task
}

// NewView classifies a snapshot of live tasks. Tasks not yet due are kept
// for sequence ordering but are not candidates.
func NewView(reg *schtypes.Registry, host string, now time.Time, live []schtypes.Task) *View {
	v := &View{
		Host:      host,
		Now:       now,
		reg:       reg,
		live:      live,
		sequences: map[int64][]schtypes.Task{},
	}

	for _, t := range live {
		if seq, ok := t.Sequence(); ok {
			v.sequences[seq] = append(v.sequences[seq], t)
		}

		switch {
		case t.Status.IsActive():
			v.Active = append(v.Active, t)
			if t.Host == host {
				v.NodeActive = append(v.NodeActive, t)
			}
		case t.Status == schtypes.StatusSleeping:
			v.Sleeping = append(v.Sleeping, t)
			v.Waiting = append(v.Waiting, t)
		case t.Status == schtypes.StatusWaiting && !t.Runtime.After(now):
			v.Waiting = append(v.Waiting, t)
		default:
			continue
		}

		if reg.IsMonotask(t) {
			v.Monotasks = append(v.Monotasks, t)
		}
	}

	schtypes.SortForAdmission(v.Waiting)
	for _, members := range v.sequences {
		sortByID(members)
	}
	return v
}

// Candidates returns the tasks this host may consider for admission, in
// order. A serial family is represented by its oldest due member only, in
// the slot of the family's first appearance.
func (v *View) Candidates() []schtypes.Task {
	var out []schtypes.Task
	seenSerial := map[string]bool{}

	for _, t := range v.Waiting {
		if !v.reg.Allowed(t, v.Host) {
			continue
		}
		if !v.reg.IsSerial(t) {
			out = append(out, t)
			continue
		}
		fam := t.Family()
		if seenSerial[fam] {
			continue
		}
		seenSerial[fam] = true
		if head, ok := v.serialHead(fam); ok {
			out = append(out, head)
		}
	}
	return out
}

// serialHead picks the oldest sleeping member of a serial family, or the
// oldest due waiting one when none sleeps.
func (v *View) serialHead(family string) (schtypes.Task, bool) {
	members := lo.Filter(v.Waiting, func(t schtypes.Task, _ int) bool {
		return t.Family() == family && v.reg.Allowed(t, v.Host)
	})
	if len(members) == 0 {
		return schtypes.Task{}, false
	}
	sortByID(members)
	if sleeper, ok := lo.Find(members, func(t schtypes.Task) bool {
		return t.Status == schtypes.StatusSleeping
	}); ok {
		return sleeper, true
	}
	return members[0], true
}

// Sequence returns every live member of a sequence group, by id.
func (v *View) Sequence(seq int64) []schtypes.Task {
	return v.sequences[seq]
}

// Live returns the snapshot the view was built from.
func (v *View) Live() []schtypes.Task {
	return v.live
}

func (v *View) Registry() *schtypes.Registry {
	return v.reg
}

func sortByID(tasks []schtypes.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

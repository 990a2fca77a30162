package sched

import (
	"fmt"
	"time"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

type Verdict int

const (
	// Keep means nothing to do for an active task.
	Keep Verdict = iota
	Refuse
	Defer
	// Normalize rewrites priorities or runtimes inside a sequence group.
	Normalize
	Admit
	Resume
	Preempt
	// SleepSelf asks an active task to sleep for a monotask.
	SleepSelf
)

func (v Verdict) String() string {
	switch v {
	case Keep:
		return "keep"
	case Refuse:
		return "refuse"
	case Defer:
		return "defer"
	case Normalize:
		return "normalize"
	case Admit:
		return "admit"
	case Resume:
		return "resume"
	case Preempt:
		return "preempt"
	case SleepSelf:
		return "sleep-self"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

type PriorityChange struct {
	ID       schtypes.TaskID
	Priority int
}

type RuntimeChange struct {
	ID      schtypes.TaskID
	Runtime time.Time
}

// Decision is the outcome of evaluating one task against a View. The
// controller never touches the store; Driver.Apply carries the decision out.
type Decision struct {
	Verdict Verdict
	Task    schtypes.Task
	Reason  string

	ToStop  []schtypes.Task
	ToSleep []schtypes.Task

	Raise      []PriorityChange
	Reschedule []RuntimeChange
}

// Changed reports whether applying the decision writes to the store.
func (d Decision) Changed() bool {
	switch d.Verdict {
	case Normalize, Admit, Resume, Preempt, SleepSelf:
		return true
	default:
		return false
	}
}

type Limits struct {
	MaxConcurrentTasks int
	PriorityFloor      int
	StopPriority       int
}

// Controller holds the admission rules. It is stateless and safe to share.
type Controller struct {
	limits Limits
}

func NewController(l Limits) *Controller {
	if l.MaxConcurrentTasks < 1 {
		l.MaxConcurrentTasks = 1
	}
	return &Controller{limits: l}
}

func (c *Controller) Limits() Limits {
	return c.limits
}

func decide(v Verdict, t schtypes.Task, format string, args ...any) Decision {
	return Decision{Verdict: v, Task: t, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate decides what to do with a WAITING or SLEEPING candidate.
func (c *Controller) Evaluate(v *View, cand schtypes.Task) Decision {
	reg := v.Registry()

	if cand.Host != "" && cand.Host != v.Host {
		return decide(Refuse, cand, "bound to host %s", cand.Host)
	}
	if cand.Priority < c.limits.PriorityFloor {
		return decide(Refuse, cand, "priority %d below floor %d", cand.Priority, c.limits.PriorityFloor)
	}

	var lower, higher []schtypes.Task
	for _, t := range v.NodeActive {
		if t.ID == cand.ID {
			continue
		}
		if t.Priority < cand.Priority {
			lower = append(lower, t)
		} else {
			higher = append(higher, t)
		}
	}

	// Anything unsafe with the candidate blocks it, unless this host can
	// make it vacate.
	var toStop []schtypes.Task
	for _, group := range [][]schtypes.Task{v.Active, v.Sleeping} {
		for _, t := range group {
			if t.ID == cand.ID || !reg.Unsafe(cand, t) {
				continue
			}
			if t.Host == v.Host && t.Priority < cand.Priority {
				toStop = append(toStop, t)
				continue
			}
			return decide(Refuse, cand, "unsafe with %s on %s", t, t.Host)
		}
	}

	if seq, ok := cand.Sequence(); ok {
		members := v.Sequence(seq)
		if d, changed := normalizeSequence(cand, members); changed {
			return d
		}
		for _, m := range members {
			if m.ID < cand.ID {
				return decide(Defer, cand, "sequence %d: waiting for %s", seq, m)
			}
		}
	}

	fixed := reg.IsFixedTime(cand)
	if !fixed && len(higher) >= c.limits.MaxConcurrentTasks {
		return decide(Refuse, cand, "%d higher priority tasks running", len(higher))
	}

	mono := reg.IsMonotask(cand)
	if mono && len(higher) > 0 {
		return decide(Refuse, cand, "monotask: %d higher priority tasks running", len(higher))
	}
	for _, m := range v.Monotasks {
		if m.ID != cand.ID && m.Priority > cand.Priority {
			return decide(Refuse, cand, "monotask %s outranks it", m)
		}
	}

	stopping := map[schtypes.TaskID]bool{}
	for _, t := range toStop {
		stopping[t.ID] = true
	}

	// Non-concurrent peers are slept rather than stopped, and only this host's
	// lower priority ones can be.
	var peers []schtypes.Task
	for _, t := range v.Active {
		if t.ID == cand.ID || stopping[t.ID] || !reg.NonConcurrent(cand, t) {
			continue
		}
		if t.Host != v.Host || t.Priority >= cand.Priority {
			return decide(Refuse, cand, "non-concurrent with %s on %s", t, t.Host)
		}
		peers = append(peers, t)
	}

	var toSleep []schtypes.Task
	switch {
	case mono:
		for _, t := range lower {
			if !stopping[t.ID] {
				toSleep = append(toSleep, t)
			}
		}
	case len(peers) > 0:
		toSleep = peers
	case len(toStop) > 0 || (!fixed && len(v.NodeActive) >= c.limits.MaxConcurrentTasks):
		var victim *schtypes.Task
		for i := range lower {
			t := lower[i]
			if stopping[t.ID] {
				continue
			}
			if victim == nil || t.Priority < victim.Priority {
				victim = &lower[i]
			}
		}
		if victim != nil {
			toSleep = append(toSleep, *victim)
		}
	}

	if len(toStop) > 0 && cand.Priority < c.limits.StopPriority {
		return decide(Refuse, cand, "priority %d too low to stop %d tasks", cand.Priority, len(toStop))
	}

	if len(toStop) == 0 && len(toSleep) == 0 {
		return c.startable(v, cand, mono, fixed)
	}

	d := decide(Preempt, cand, "")
	for _, t := range toStop {
		if t.Status != schtypes.StatusAboutToStop && t.Status != schtypes.StatusScheduled {
			d.ToStop = append(d.ToStop, t)
		}
	}
	for _, t := range toSleep {
		switch t.Status {
		case schtypes.StatusAboutToSleep, schtypes.StatusAboutToStop, schtypes.StatusScheduled:
		default:
			d.ToSleep = append(d.ToSleep, t)
		}
	}
	if len(d.ToStop) == 0 && len(d.ToSleep) == 0 {
		return decide(Refuse, cand, "waiting for %d tasks to vacate", len(toStop)+len(toSleep))
	}
	d.Reason = fmt.Sprintf("stopping %d, sleeping %d", len(d.ToStop), len(d.ToSleep))
	return d
}

// startable handles a candidate that needs nobody to make room.
func (c *Controller) startable(v *View, cand schtypes.Task, mono, fixed bool) Decision {
	if mono && len(v.Active) > 0 {
		return decide(Refuse, cand, "monotask: %d tasks still active", len(v.Active))
	}
	if !fixed && len(v.NodeActive) >= c.limits.MaxConcurrentTasks {
		return decide(Refuse, cand, "host at capacity (%d)", len(v.NodeActive))
	}
	for _, t := range v.Waiting {
		if t.Status == schtypes.StatusWaiting && t.Priority > cand.Priority && v.Registry().NonConcurrent(cand, t) {
			return decide(Refuse, cand, "non-concurrent %s has higher priority", t)
		}
	}

	switch cand.Status {
	case schtypes.StatusWaiting:
		return decide(Admit, cand, "")
	case schtypes.StatusSleeping:
		if cand.Host != v.Host {
			return decide(Refuse, cand, "sleeping on %s", cand.Host)
		}
		for _, t := range v.NodeActive {
			if t.Status == schtypes.StatusAboutToSleep || t.Status == schtypes.StatusAboutToStop {
				return decide(Refuse, cand, "%s is still transitioning", t)
			}
		}
		return decide(Resume, cand, "")
	default:
		return decide(Refuse, cand, "status %s is not startable", cand.Status)
	}
}

// normalizeSequence lifts waiting group members to the group's top waiting
// priority, then makes their runtimes non-decreasing by id.
func normalizeSequence(cand schtypes.Task, members []schtypes.Task) (Decision, bool) {
	var waiting []schtypes.Task
	top := 0
	for _, m := range members {
		if m.Status != schtypes.StatusWaiting {
			continue
		}
		if len(waiting) == 0 || m.Priority > top {
			top = m.Priority
		}
		waiting = append(waiting, m)
	}

	d := decide(Normalize, cand, "")
	for _, m := range waiting {
		if m.Priority < top {
			d.Raise = append(d.Raise, PriorityChange{ID: m.ID, Priority: top})
		}
	}
	if len(d.Raise) > 0 {
		d.Reason = fmt.Sprintf("raised %d sequence members to %d", len(d.Raise), top)
		return d, true
	}

	var prev time.Time
	for _, m := range waiting {
		if m.Runtime.Before(prev) {
			d.Reschedule = append(d.Reschedule, RuntimeChange{ID: m.ID, Runtime: prev})
			continue
		}
		prev = m.Runtime
	}
	if len(d.Reschedule) > 0 {
		d.Reason = fmt.Sprintf("rescheduled %d sequence members", len(d.Reschedule))
		return d, true
	}
	return Decision{}, false
}

// EvaluateActive decides whether an own-host active task must make way for
// a monotask.
func (c *Controller) EvaluateActive(v *View, t schtypes.Task) Decision {
	for _, m := range v.Monotasks {
		if m.ID == t.ID {
			continue
		}
		if t.Priority >= m.Priority && !m.Status.IsActive() {
			continue
		}
		switch t.Status {
		case schtypes.StatusAboutToStop, schtypes.StatusAboutToSleep, schtypes.StatusScheduled:
			return decide(Keep, t, "already transitioning")
		}
		return decide(SleepSelf, t, "monotask %s", m)
	}
	return decide(Keep, t, "")
}

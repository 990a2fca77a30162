package sched

import (
	"context"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/metrics"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

// Launcher spawns and signals task processes on this host.
type Launcher interface {
	// Start spawns the executable for t. With wait set it returns only when
	// the process has exited.
	Start(ctx context.Context, t schtypes.Task, wait bool) error
	Signal(t schtypes.Task, sig syscall.Signal) error
	Alive(t schtypes.Task) bool
}

type DriverConfig struct {
	Host string

	LaunchPollAttempts int
	LaunchPollInterval time.Duration
	ResumeAckTimeout   time.Duration
}

// Driver performs status transitions. Every write to a status is a
// conditional update against the status the caller last observed; losing a
// race is reported as a change so the caller re-reads the table.
//
// Errors returned by Driver methods are store failures. Task failures
// (bad executables, dead processes) are recorded on the task instead.
type Driver struct {
	store    schtypes.Store
	launcher Launcher
	reg      *schtypes.Registry
	cfg      DriverConfig

	clock   clock.Clock
	journal journal.Journal
	evtType evtTypes

	alerting    *alerting.Alerting
	launchAlert alerting.AlertType
}

func NewDriver(store schtypes.Store, l Launcher, reg *schtypes.Registry, cfg DriverConfig, j journal.Journal, al *alerting.Alerting) *Driver {
	if cfg.LaunchPollInterval <= 0 {
		cfg.LaunchPollInterval = time.Second
	}
	return &Driver{
		store:    store,
		launcher: l,
		reg:      reg,
		cfg:      cfg,

		clock:   build.Clock,
		journal: j,
		evtType: registerEvents(j),

		alerting:    al,
		launchAlert: al.AddAlertType("bibsched", "launch-failed"),
	}
}

func (d *Driver) Host() string {
	return d.cfg.Host
}

// Apply carries out a controller decision and reports whether the store
// changed.
func (d *Driver) Apply(ctx context.Context, dec Decision) (bool, error) {
	switch dec.Verdict {
	case Normalize:
		for _, r := range dec.Raise {
			if err := d.store.SetField(ctx, r.ID, schtypes.FieldPriority, r.Priority); err != nil {
				return true, xerrors.Errorf("raising priority of %d: %w", r.ID, err)
			}
		}
		for _, r := range dec.Reschedule {
			if err := d.store.SetField(ctx, r.ID, schtypes.FieldRuntime, r.Runtime); err != nil {
				return true, xerrors.Errorf("rescheduling %d: %w", r.ID, err)
			}
		}
		log.Infow("normalized sequence", "task", dec.Task.ID, "reason", dec.Reason)
		return true, nil
	case Admit:
		return d.Start(ctx, dec.Task)
	case Resume:
		return d.Resume(ctx, dec.Task)
	case Preempt:
		for _, t := range dec.ToStop {
			var err error
			if t.Status == schtypes.StatusSleeping {
				_, err = d.WakeAndStop(ctx, t)
			} else {
				_, err = d.RequestStop(ctx, t)
			}
			if err != nil {
				return true, err
			}
		}
		for _, t := range dec.ToSleep {
			if _, err := d.RequestSleep(ctx, t); err != nil {
				return true, err
			}
		}
		d.journal.RecordEvent(d.evtType[evtTypePreempt], func() interface{} {
			return PreemptEvt{For: taskEvt(dec.Task, dec.Reason), ToStop: ids(dec.ToStop), ToSleep: ids(dec.ToSleep)}
		})
		log.Infow("preempting", "for", dec.Task.ID, "stop", ids(dec.ToStop), "sleep", ids(dec.ToSleep))
		return true, nil
	case SleepSelf:
		return d.RequestSleep(ctx, dec.Task)
	default:
		return false, nil
	}
}

// Start claims t for this host, spawns it and waits for it to leave SCHEDULED.
func (d *Driver) Start(ctx context.Context, t schtypes.Task) (bool, error) {
	ok, err := d.store.Claim(ctx, t.ID, d.cfg.Host)
	if err != nil {
		return false, xerrors.Errorf("claiming task %d: %w", t.ID, err)
	}
	if !ok {
		stats.Record(ctx, metrics.ClaimConflictCount.M(1))
		cur, err := d.store.Get(ctx, t.ID)
		if err != nil {
			return false, xerrors.Errorf("re-reading task %d after lost claim: %w", t.ID, err)
		}
		if cur.Status == schtypes.StatusWaiting && cur.Host != "" {
			return false, xerrors.Errorf("task %d is WAITING but held by host %q: %w", t.ID, cur.Host, ErrInvariant)
		}
		log.Debugw("claim lost", "task", t.ID, "status", cur.Status, "host", cur.Host)
		return true, nil
	}
	t.Status, t.Host = schtypes.StatusScheduled, d.cfg.Host

	start := d.clock.Now()
	if err := d.launcher.Start(ctx, t, d.reg.IsMonotask(t)); err != nil {
		return true, d.launchFailed(ctx, t, err)
	}

	status, err := d.await(ctx, t.ID, schtypes.StatusScheduled, d.cfg.LaunchPollAttempts)
	if err != nil {
		return true, xerrors.Errorf("waiting for task %d to start: %w", t.ID, err)
	}
	if status == schtypes.StatusScheduled {
		return true, d.launchFailed(ctx, t, ErrLaunchTimeout)
	}

	stats.Record(ctx, metrics.LaunchDuration.M(float64(d.clock.Since(start))/float64(time.Millisecond)))
	d.recordAction(ctx, "start", t, "ok")
	d.journal.RecordEvent(d.evtType[evtTypeAdmit], func() interface{} {
		return taskEvt(t, "")
	})
	log.Infow("task started", "task", t.ID, "proc", t.Proc, "priority", t.Priority, "status", status)
	return true, nil
}

func (d *Driver) launchFailed(ctx context.Context, t schtypes.Task, cause error) error {
	log.Errorw("task launch failed", "task", t.ID, "proc", t.Proc, "error", cause)
	stats.Record(ctx, metrics.LaunchFailures.M(1))
	d.recordAction(ctx, "start", t, "failed")

	ok, err := d.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusError, schtypes.StatusScheduled)
	if err != nil {
		return xerrors.Errorf("marking task %d failed: %w", t.ID, err)
	}
	if ok {
		if err := d.store.SetField(ctx, t.ID, schtypes.FieldProgress, "launch failed: "+cause.Error()); err != nil {
			return xerrors.Errorf("recording launch failure of %d: %w", t.ID, err)
		}
	}

	d.alerting.Raise(d.launchAlert, map[string]interface{}{
		"task":  t.ID,
		"proc":  t.Proc,
		"error": cause.Error(),
	})
	d.journal.RecordEvent(d.evtType[evtTypeLaunchFailed], func() interface{} {
		return taskEvt(t, cause.Error())
	})
	return nil
}

// await polls task id until its status differs from `from`, checking at
// most attempts+1 times. It returns the last status seen.
func (d *Driver) await(ctx context.Context, id schtypes.TaskID, from schtypes.Status, attempts int) (schtypes.Status, error) {
	b := &backoff.Backoff{
		Min:    d.cfg.LaunchPollInterval,
		Max:    d.cfg.LaunchPollInterval,
		Factor: 1,
	}
	for i := 0; ; i++ {
		cur, err := d.store.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if cur.Status != from || i >= attempts {
			return cur.Status, nil
		}
		select {
		case <-ctx.Done():
			return cur.Status, ctx.Err()
		case <-d.clock.After(b.Duration()):
		}
	}
}

// Resume wakes a sleeping task owned by this host.
func (d *Driver) Resume(ctx context.Context, t schtypes.Task) (bool, error) {
	ok, err := d.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusContinuing, schtypes.StatusSleeping)
	if err != nil {
		return false, xerrors.Errorf("resuming task %d: %w", t.ID, err)
	}
	if !ok {
		log.Debugw("resume lost race", "task", t.ID)
		return true, nil
	}

	if err := d.Signal(t, unix.SIGCONT); err != nil {
		log.Warnw("could not resume task", "task", t.ID, "error", err)
		d.recordAction(ctx, "resume", t, "failed")
		if _, err := d.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusError, schtypes.StatusContinuing); err != nil {
			return true, xerrors.Errorf("marking task %d failed: %w", t.ID, err)
		}
		if err := d.store.SetField(ctx, t.ID, schtypes.FieldProgress, "could not resume: "+err.Error()); err != nil {
			return true, xerrors.Errorf("recording resume failure of %d: %w", t.ID, err)
		}
		return true, nil
	}

	d.recordAction(ctx, "resume", t, "ok")
	d.journal.RecordEvent(d.evtType[evtTypeResume], func() interface{} {
		return taskEvt(t, "")
	})
	log.Infow("task resumed", "task", t.ID, "proc", t.Proc)
	return true, nil
}

// RequestStop asks an active task to stop at its next checkpoint.
func (d *Driver) RequestStop(ctx context.Context, t schtypes.Task) (bool, error) {
	return d.request(ctx, t, schtypes.StatusAboutToStop, "stop")
}

// RequestSleep asks an active task to sleep at its next checkpoint.
func (d *Driver) RequestSleep(ctx context.Context, t schtypes.Task) (bool, error) {
	return d.request(ctx, t, schtypes.StatusAboutToSleep, "sleep")
}

func (d *Driver) request(ctx context.Context, t schtypes.Task, to schtypes.Status, action string) (bool, error) {
	if err := schtypes.CheckTransition(t.Status, to); err != nil {
		return false, xerrors.Errorf("task %d: %w", t.ID, err)
	}
	ok, err := d.store.CompareAndSetStatus(ctx, t.ID, to, t.Status)
	if err != nil {
		return false, xerrors.Errorf("asking task %d to %s: %w", t.ID, action, err)
	}
	outcome := "ok"
	if !ok {
		outcome = "lost"
	}
	d.recordAction(ctx, action, t, outcome)
	log.Debugw("requested transition", "task", t.ID, "from", t.Status, "to", to, "applied", ok)
	return true, nil
}

// WakeAndStop resumes a sleeping task and asks it to stop once it has
// acknowledged the wake-up.
func (d *Driver) WakeAndStop(ctx context.Context, t schtypes.Task) (bool, error) {
	if _, err := d.Resume(ctx, t); err != nil {
		return true, err
	}

	attempts := int(d.cfg.ResumeAckTimeout / d.cfg.LaunchPollInterval)
	status, err := d.await(ctx, t.ID, schtypes.StatusContinuing, attempts)
	if err != nil {
		return true, xerrors.Errorf("waiting for task %d to resume: %w", t.ID, err)
	}
	if !schtypes.CanTransition(status, schtypes.StatusAboutToStop) || status == schtypes.StatusAboutToStop {
		return true, nil
	}
	t.Status = status
	return d.RequestStop(ctx, t)
}

// Kill sends SIGKILL to a task on this host and marks it KILLED.
func (d *Driver) Kill(ctx context.Context, t schtypes.Task) (bool, error) {
	if err := d.Signal(t, unix.SIGKILL); err != nil {
		return false, err
	}
	ok, err := d.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusKilled, t.Status)
	if err != nil {
		return false, xerrors.Errorf("marking task %d killed: %w", t.ID, err)
	}
	d.recordAction(ctx, "kill", t, "ok")
	return ok, nil
}

// Signal delivers sig to the process of a task owned by this host.
func (d *Driver) Signal(t schtypes.Task, sig syscall.Signal) error {
	if t.Host != d.cfg.Host {
		return xerrors.Errorf("task %d runs on %q, not %q: %w", t.ID, t.Host, d.cfg.Host, ErrSignalFailed)
	}
	if err := d.launcher.Signal(t, sig); err != nil {
		return xerrors.Errorf("%s to task %d: %v: %w", unix.SignalName(sig), t.ID, err, ErrSignalFailed)
	}
	return nil
}

// Reconcile puts this host's SCHEDULED tasks without a live process back to
// WAITING, and releases WAITING tasks still holding this host. It runs once,
// before the first cycle.
func (d *Driver) Reconcile(ctx context.Context) (int, error) {
	held, err := d.store.Snapshot(ctx, schtypes.Filter{
		Statuses: []schtypes.Status{schtypes.StatusWaiting, schtypes.StatusScheduled},
		Host:     d.cfg.Host,
	})
	if err != nil {
		return 0, xerrors.Errorf("listing scheduled tasks: %w", err)
	}

	var n int
	for _, t := range held {
		if t.Status == schtypes.StatusScheduled && d.launcher.Alive(t) {
			continue
		}
		ok, err := d.store.Requeue(ctx, t.ID, t.Status)
		if err != nil {
			return n, xerrors.Errorf("requeueing task %d: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		n++
		log.Warnw("requeued task held by a previous run", "task", t.ID, "proc", t.Proc, "status", t.Status)
		d.journal.RecordEvent(d.evtType[evtTypeReconcile], func() interface{} {
			return taskEvt(t, "requeued")
		})
	}
	return n, nil
}

// CheckCrashed marks this host's running tasks that have no live process
// as ERROR.
func (d *Driver) CheckCrashed(ctx context.Context) (int, error) {
	active, err := d.store.Snapshot(ctx, schtypes.Filter{
		Statuses: []schtypes.Status{
			schtypes.StatusRunning,
			schtypes.StatusContinuing,
			schtypes.StatusAboutToSleep,
			schtypes.StatusAboutToStop,
		},
		Host: d.cfg.Host,
	})
	if err != nil {
		return 0, xerrors.Errorf("listing active tasks: %w", err)
	}

	var n int
	for _, t := range active {
		if d.launcher.Alive(t) {
			continue
		}
		ok, err := d.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusError, t.Status)
		if err != nil {
			return n, xerrors.Errorf("marking task %d crashed: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		if err := d.store.SetField(ctx, t.ID, schtypes.FieldProgress, "crashed"); err != nil {
			return n, xerrors.Errorf("recording crash of %d: %w", t.ID, err)
		}
		n++
		stats.Record(ctx, metrics.CrashedTasks.M(1))
		log.Errorw("task process is gone", "task", t.ID, "proc", t.Proc, "status", t.Status)
		d.journal.RecordEvent(d.evtType[evtTypeCrashed], func() interface{} {
			return taskEvt(t, "crashed")
		})
	}
	return n, nil
}

// Init puts a task back to WAITING so it runs again. Tasks that still own a
// process are refused.
func (d *Driver) Init(ctx context.Context, t schtypes.Task) (bool, error) {
	if !schtypes.CanInit(t.Status) {
		return false, xerrors.Errorf("task %d is %s: %w", t.ID, t.Status, schtypes.ErrInvalidTransition)
	}
	ok, err := d.store.Requeue(ctx, t.ID, t.Status)
	if err != nil || !ok {
		return ok, err
	}
	if err := d.store.SetField(ctx, t.ID, schtypes.FieldProgress, ""); err != nil {
		return true, err
	}
	return true, nil
}

// Delete soft-deletes a terminal task.
func (d *Driver) Delete(ctx context.Context, t schtypes.Task) (bool, error) {
	if err := schtypes.CheckTransition(t.Status, t.Status.WithDeleted()); err != nil || t.Status.Deleted() {
		return false, xerrors.Errorf("task %d is %s: %w", t.ID, t.Status, schtypes.ErrInvalidTransition)
	}
	return d.store.CompareAndSetStatus(ctx, t.ID, t.Status.WithDeleted(), t.Status)
}

// Ack acknowledges an ERROR or DONE WITH ERRORS task.
func (d *Driver) Ack(ctx context.Context, t schtypes.Task) (bool, error) {
	if err := schtypes.CheckTransition(t.Status, schtypes.StatusAckError); err != nil || t.Status == schtypes.StatusAckError {
		return false, xerrors.Errorf("task %d is %s: %w", t.ID, t.Status, schtypes.ErrInvalidTransition)
	}
	return d.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusAckError, t.Status)
}

func (d *Driver) recordAction(ctx context.Context, action string, t schtypes.Task, outcome string) {
	_ = stats.RecordWithTags(ctx, []tag.Mutator{
		tag.Upsert(metrics.Action, action),
		tag.Upsert(metrics.Family, t.Family()),
		tag.Upsert(metrics.Outcome, outcome),
	}, metrics.ActionCount.M(1))
}

func ids(tasks []schtypes.Task) []schtypes.TaskID {
	out := make([]schtypes.TaskID, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/metrics"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var log = logging.Logger("sched")

type Options struct {
	RefreshInterval time.Duration
	// CrashCheckEvery runs the dead-process check every N cycles. 0 disables it.
	CrashCheckEvery int
	// GCInterval runs GC from the loop. 0 disables it.
	GCInterval time.Duration
}

// Scheduler is the per-host scheduling loop. One cycle reads a snapshot,
// takes at most one decision that changes the store, and starts over.
type Scheduler struct {
	store    schtypes.Store
	reg      *schtypes.Registry
	ctrl     *Controller
	drv      *Driver
	gc       *GC
	reporter *Reporter
	opts     Options

	clock   clock.Clock
	journal journal.Journal
	evtType evtTypes

	alerting    *alerting.Alerting
	haltedAlert alerting.AlertType

	cycles int
	debug  bool
	lastGC time.Time
}

func New(store schtypes.Store, reg *schtypes.Registry, ctrl *Controller, drv *Driver, gc *GC, al *alerting.Alerting, j journal.Journal, opts Options) *Scheduler {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		reg:      reg,
		ctrl:     ctrl,
		drv:      drv,
		gc:       gc,
		reporter: NewReporter(store, al),
		opts:     opts,

		clock:   build.Clock,
		journal: j,
		evtType: registerEvents(j),

		alerting:    al,
		haltedAlert: al.AddAlertType("bibsched", "halted"),
	}
}

// Run drives cycles until ctx is cancelled or a cycle fails. A failed cycle
// raises the halted alert and the returned error wraps ErrHalted.
func (s *Scheduler) Run(ctx context.Context) error {
	host := s.drv.Host()
	ctx = metrics.AddHostTag(ctx, host)
	log.Infow("scheduler starting", "host", host, "refresh", s.opts.RefreshInterval)

	n, err := s.drv.Reconcile(ctx)
	if err != nil {
		return s.halt(ctx, err)
	}
	if n > 0 {
		log.Warnw("requeued orphaned tasks", "count", n)
	}
	s.lastGC = s.clock.Now()

	for {
		if ctx.Err() != nil {
			log.Infow("scheduler stopping", "host", host, "cycles", s.cycles)
			return nil
		}

		changed, err := s.safeCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.halt(ctx, err)
		}
		if changed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-s.clock.After(s.opts.RefreshInterval):
		}
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("panic in scheduling cycle: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Cycle(ctx)
}

func (s *Scheduler) halt(ctx context.Context, cause error) error {
	stats.Record(ctx, metrics.CycleFailures.M(1))
	log.Errorw("scheduler halted", "host", s.drv.Host(), "cycle", s.cycles, "error", cause)
	s.alerting.Raise(s.haltedAlert, map[string]string{
		"host":  s.drv.Host(),
		"error": cause.Error(),
	})
	s.journal.RecordEvent(s.evtType[evtTypeHalt], func() interface{} {
		return map[string]string{"error": cause.Error()}
	})
	return fmt.Errorf("%w: %w", ErrHalted, cause)
}

// Cycle runs one pass of the loop and reports whether anything changed.
func (s *Scheduler) Cycle(ctx context.Context) (bool, error) {
	defer metrics.Timer(ctx, metrics.CycleDuration)()
	s.cycles++

	auto, err := s.readSettings(ctx)
	if err != nil {
		return false, err
	}

	if _, err := s.reporter.Check(ctx); err != nil {
		return false, err
	}

	if s.opts.CrashCheckEvery > 0 && s.cycles%s.opts.CrashCheckEvery == 0 {
		n, err := s.drv.CheckCrashed(ctx)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}

	if s.gc != nil && s.opts.GCInterval > 0 && s.clock.Since(s.lastGC) >= s.opts.GCInterval {
		s.lastGC = s.clock.Now()
		if _, err := s.gc.Collect(ctx, GCRequest{}); err != nil {
			log.Errorw("periodic gc failed", "error", err)
		}
	}

	now := s.clock.Now()
	live, err := s.store.Snapshot(ctx, schtypes.Filter{Statuses: schtypes.LiveStatuses})
	if err != nil {
		return false, xerrors.Errorf("reading live tasks: %w", err)
	}
	for _, t := range live {
		if t.Status.IsActive() && t.Host == "" {
			return false, xerrors.Errorf("task %d is %s without a host: %w", t.ID, t.Status, ErrInvariant)
		}
	}
	if err := s.normalizeSerial(ctx, now, live); err != nil {
		return false, err
	}

	v := NewView(s.reg, s.drv.Host(), now, live)
	cands := v.Candidates()
	s.recordView(ctx, v, len(cands), auto)

	for _, t := range v.NodeActive {
		dec := s.ctrl.EvaluateActive(v, t)
		if !dec.Changed() {
			continue
		}
		log.Infow("active task yields", "task", t.ID, "verdict", dec.Verdict, "reason", dec.Reason)
		return s.apply(ctx, v, dec)
	}

	if !auto {
		return false, nil
	}

	for _, c := range cands {
		dec := s.ctrl.Evaluate(v, c)
		_ = stats.RecordWithTags(ctx, []tag.Mutator{
			tag.Upsert(metrics.Family, c.Family()),
			tag.Upsert(metrics.Outcome, dec.Verdict.String()),
		}, metrics.AdmissionCount.M(1))
		log.Debugw("evaluated candidate", "task", c.ID, "proc", c.Proc, "priority", c.Priority, "verdict", dec.Verdict, "reason", dec.Reason)

		if !dec.Changed() {
			continue
		}
		changed, err := s.apply(ctx, v, dec)
		if err != nil || changed {
			return changed, err
		}
	}
	return false, nil
}

func (s *Scheduler) apply(ctx context.Context, v *View, dec Decision) (bool, error) {
	changed, err := s.drv.Apply(ctx, dec)
	if err != nil {
		return changed, err
	}
	s.journal.RecordEvent(s.evtType[evtTypeCycle], func() interface{} {
		return CycleEvt{Cycle: s.cycles, Live: len(v.Live()), Changed: changed, AutoMode: true}
	})

	// give preempted tasks a chance to reach a checkpoint
	if dec.Verdict == Preempt {
		select {
		case <-ctx.Done():
		case <-s.clock.After(s.opts.RefreshInterval):
		}
	}
	return changed, nil
}

// readSettings loads the operator switches, creating missing ones with
// their defaults. It returns whether automatic mode is on.
func (s *Scheduler) readSettings(ctx context.Context) (bool, error) {
	mode, err := s.setting(ctx, schtypes.SettingAutoMode, "1")
	if err != nil {
		return false, err
	}
	auto := mode == "1"

	if !auto {
		at, ok, err := s.store.Setting(ctx, schtypes.SettingResumeAfter)
		if err != nil {
			return false, xerrors.Errorf("reading %s: %w", schtypes.SettingResumeAfter, err)
		}
		if ok && at != "" {
			t, err := time.ParseInLocation(schtypes.SettingTimeFormat, at, time.Local)
			switch {
			case err != nil:
				log.Warnw("ignoring bad resume time", "value", at, "error", err)
			case !s.clock.Now().Before(t):
				if err := s.store.SetSetting(ctx, schtypes.SettingAutoMode, "1"); err != nil {
					return false, xerrors.Errorf("switching to auto mode: %w", err)
				}
				if err := s.store.SetSetting(ctx, schtypes.SettingResumeAfter, ""); err != nil {
					return false, xerrors.Errorf("clearing resume time: %w", err)
				}
				log.Infow("resume time reached, switching to automatic mode", "at", at)
				auto = true
			}
		}
	}

	dbg, err := s.setting(ctx, schtypes.SettingDebugMode, "0")
	if err != nil {
		return false, err
	}
	if on := dbg == "1"; on != s.debug {
		s.debug = on
		lvl := "INFO"
		if on {
			lvl = "DEBUG"
		}
		if err := logging.SetLogLevel("sched", lvl); err != nil {
			log.Warnw("setting log level", "error", err)
		}
		log.Infow("debug mode changed", "on", on)
	}
	return auto, nil
}

func (s *Scheduler) setting(ctx context.Context, name, def string) (string, error) {
	val, ok, err := s.store.Setting(ctx, name)
	if err != nil {
		return "", xerrors.Errorf("reading %s: %w", name, err)
	}
	if ok {
		return val, nil
	}
	if err := s.store.SetSetting(ctx, name, def); err != nil {
		return "", xerrors.Errorf("initialising %s: %w", name, err)
	}
	return def, nil
}

// normalizeSerial raises due members of each serial family to the family's
// top priority, so the oldest member is never starved by a younger one. The
// snapshot is updated in place.
func (s *Scheduler) normalizeSerial(ctx context.Context, now time.Time, live []schtypes.Task) error {
	top := map[string]int{}
	for _, t := range live {
		if !s.reg.IsSerial(t) || t.Runtime.After(now) {
			continue
		}
		if p, ok := top[t.Family()]; !ok || t.Priority > p {
			top[t.Family()] = t.Priority
		}
	}

	for i, t := range live {
		p, ok := top[t.Family()]
		if !ok || t.Runtime.After(now) || t.Priority >= p {
			continue
		}
		if err := s.store.SetField(ctx, t.ID, schtypes.FieldPriority, p); err != nil {
			return xerrors.Errorf("raising priority of %d: %w", t.ID, err)
		}
		log.Debugw("raised serial task priority", "task", t.ID, "from", t.Priority, "to", p)
		live[i].Priority = p
	}
	return nil
}

func (s *Scheduler) recordView(ctx context.Context, v *View, candidates int, auto bool) {
	counts := map[schtypes.Status]int64{}
	for _, t := range v.Live() {
		counts[t.Status]++
	}
	for _, st := range schtypes.LiveStatuses {
		_ = stats.RecordWithTags(ctx, []tag.Mutator{
			tag.Upsert(metrics.Status, string(st)),
		}, metrics.TasksInStatus.M(counts[st]))
	}

	mode := int64(0)
	if auto {
		mode = 1
	}
	stats.Record(ctx, metrics.RunnableTasks.M(int64(candidates)), metrics.SchedulerMode.M(mode))
}

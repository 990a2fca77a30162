package sched

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/sched/memstore"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

const testHost = "node1"

var families = map[string]schtypes.FamilyConfig{
	"bibupload": {Serial: true, GC: schtypes.GCArchive},
	"bibindex":  {GC: schtypes.GCArchive},
	"bibrank":   {GC: schtypes.GCArchive},
	"webcoll":   {GC: schtypes.GCRemove},
	"dbdump":    {Monotask: true},
	"inveniogc": {FixedTime: true},
}

// fakeLauncher plays the task side of the protocol against the store.
type fakeLauncher struct {
	store *memstore.Store

	lk       sync.Mutex
	started  []schtypes.TaskID
	signals  map[schtypes.TaskID][]syscall.Signal
	dead     map[schtypes.TaskID]bool
	startErr error
	// noAck leaves started tasks in SCHEDULED.
	noAck bool
	// ackContinue makes SIGCONT move CONTINUING to RUNNING.
	ackContinue bool
}

func newFakeLauncher(s *memstore.Store) *fakeLauncher {
	return &fakeLauncher{
		store:   s,
		signals: map[schtypes.TaskID][]syscall.Signal{},
		dead:    map[schtypes.TaskID]bool{},
	}
}

func (f *fakeLauncher) Start(ctx context.Context, t schtypes.Task, wait bool) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, t.ID)
	if f.noAck {
		return nil
	}
	_, err := f.store.CompareAndSetStatus(ctx, t.ID, schtypes.StatusRunning, schtypes.StatusScheduled)
	return err
}

func (f *fakeLauncher) Signal(t schtypes.Task, sig syscall.Signal) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.dead[t.ID] {
		return xerrors.New("no such process")
	}
	f.signals[t.ID] = append(f.signals[t.ID], sig)
	if sig == syscall.SIGCONT && f.ackContinue {
		_, err := f.store.CompareAndSetStatus(context.Background(), t.ID, schtypes.StatusRunning, schtypes.StatusContinuing)
		return err
	}
	return nil
}

func (f *fakeLauncher) Alive(t schtypes.Task) bool {
	f.lk.Lock()
	defer f.lk.Unlock()
	return !f.dead[t.ID]
}

func (f *fakeLauncher) Started() []schtypes.TaskID {
	f.lk.Lock()
	defer f.lk.Unlock()
	return append([]schtypes.TaskID(nil), f.started...)
}

type rig struct {
	t        *testing.T
	ctx      context.Context
	store    *memstore.Store
	launcher *fakeLauncher
	clock    *clock.Mock
	alerts   *alerting.Alerting
	drv      *Driver
	sched    *Scheduler
}

func newRig(t *testing.T, limits Limits) *rig {
	return newHostRig(t, limits, memstore.New(), testHost, nil)
}

// newHostRig builds a daemon for host over store, so several rigs can share
// one task table.
func newHostRig(t *testing.T, limits Limits, store *memstore.Store, host string, nonConcurrent [][]string) *rig {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local))

	reg := schtypes.NewRegistry(families, false, nil, nonConcurrent)
	al := alerting.NewAlertingSystem(journal.NilJournal())
	l := newFakeLauncher(store)

	drv := NewDriver(store, l, reg, DriverConfig{
		Host:               host,
		LaunchPollAttempts: 3,
		LaunchPollInterval: time.Second,
		ResumeAckTimeout:   5 * time.Second,
	}, journal.NilJournal(), al)
	drv.clock = mock

	gc := NewGC(store, reg, GCRequest{OlderThan: 30 * 24 * time.Hour}, journal.NilJournal())
	gc.clock = mock

	s := New(store, reg, NewController(limits), drv, gc, al, journal.NilJournal(), Options{
		RefreshInterval: 5 * time.Second,
	})
	s.clock = mock

	return &rig{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		launcher: l,
		clock:    mock,
		alerts:   al,
		drv:      drv,
		sched:    s,
	}
}

func defaultLimits() Limits {
	return Limits{MaxConcurrentTasks: 1, PriorityFloor: -10, StopPriority: 100}
}

func (r *rig) insert(t schtypes.Task) schtypes.TaskID {
	if t.Runtime.IsZero() {
		t.Runtime = r.clock.Now().Add(-time.Minute)
	}
	id, err := r.store.Insert(r.ctx, t)
	require.NoError(r.t, err)
	return id
}

func (r *rig) status(id schtypes.TaskID) schtypes.Status {
	tk, err := r.store.Get(r.ctx, id)
	require.NoError(r.t, err)
	return tk.Status
}

func (r *rig) get(id schtypes.TaskID) schtypes.Task {
	tk, err := r.store.Get(r.ctx, id)
	require.NoError(r.t, err)
	return tk
}

func (r *rig) set(id schtypes.TaskID, to schtypes.Status) {
	cur := r.status(id)
	ok, err := r.store.CompareAndSetStatus(r.ctx, id, to, cur)
	require.NoError(r.t, err)
	require.True(r.t, ok)
}

// waitFor runs f while advancing the mock clock, so that bounded polls and
// refresh sleeps inside f complete.
func waitFor[T any](r *rig, f func() T) T {
	done := make(chan T, 1)
	go func() { done <- f() }()
	for {
		select {
		case v := <-done:
			return v
		case <-time.After(time.Millisecond):
			r.clock.Add(time.Second)
		}
	}
}

type cycleResult struct {
	changed bool
	err     error
}

// tryCycle runs one cycle and returns its outcome without failing the test.
func (r *rig) tryCycle() cycleResult {
	return waitFor(r, func() cycleResult {
		changed, err := r.sched.Cycle(r.ctx)
		return cycleResult{changed, err}
	})
}

func (r *rig) cycle() bool {
	res := r.tryCycle()
	require.NoError(r.t, res.err)
	return res.changed
}

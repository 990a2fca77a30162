package sched

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/sched/memstore"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

func TestKill(t *testing.T) {
	r := newRig(t, defaultLimits())
	mine := r.insert(schtypes.Task{Proc: "bibindex", Status: schtypes.StatusRunning, Host: testHost})
	theirs := r.insert(schtypes.Task{Proc: "bibrank", Status: schtypes.StatusRunning, Host: "node2"})

	ok, err := r.drv.Kill(r.ctx, r.get(mine))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schtypes.StatusKilled, r.status(mine))
	require.Equal(t, []syscall.Signal{syscall.SIGKILL}, r.launcher.signals[mine])

	_, err = r.drv.Kill(r.ctx, r.get(theirs))
	require.ErrorIs(t, err, ErrSignalFailed)
	require.Equal(t, schtypes.StatusRunning, r.status(theirs))
}

func TestResumeDeadProcess(t *testing.T) {
	r := newRig(t, defaultLimits())
	id := r.insert(schtypes.Task{Proc: "bibindex", Status: schtypes.StatusSleeping, Host: testHost})
	r.launcher.dead[id] = true

	changed, err := r.drv.Resume(r.ctx, r.get(id))
	require.NoError(t, err)
	require.True(t, changed)

	tk := r.get(id)
	require.Equal(t, schtypes.StatusError, tk.Status)
	require.Contains(t, tk.Progress, "could not resume")
}

func TestRequestRejectsBadTransition(t *testing.T) {
	r := newRig(t, defaultLimits())
	id := r.insert(schtypes.Task{Proc: "bibindex"})

	_, err := r.drv.RequestSleep(r.ctx, r.get(id))
	require.ErrorIs(t, err, schtypes.ErrInvalidTransition)
	require.Equal(t, schtypes.StatusWaiting, r.status(id))
}

func TestRequestLosesRace(t *testing.T) {
	r := newRig(t, defaultLimits())
	id := r.insert(schtypes.Task{Proc: "bibindex", Status: schtypes.StatusRunning, Host: testHost})
	seen := r.get(id)

	// the task finishes between the snapshot and the request
	r.set(id, schtypes.StatusDone)

	changed, err := r.drv.RequestStop(r.ctx, seen)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, schtypes.StatusDone, r.status(id))
}

func TestOperatorTransitions(t *testing.T) {
	r := newRig(t, defaultLimits())
	id := r.insert(schtypes.Task{Proc: "bibindex", Status: schtypes.StatusError, Host: testHost, Progress: "boom"})

	ok, err := r.drv.Ack(r.ctx, r.get(id))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schtypes.StatusAckError, r.status(id))

	_, err = r.drv.Ack(r.ctx, r.get(id))
	require.ErrorIs(t, err, schtypes.ErrInvalidTransition)

	ok, err = r.drv.Init(r.ctx, r.get(id))
	require.NoError(t, err)
	require.True(t, ok)
	tk := r.get(id)
	require.Equal(t, schtypes.StatusWaiting, tk.Status)
	require.Empty(t, tk.Host)
	require.Empty(t, tk.Progress)

	_, err = r.drv.Delete(r.ctx, r.get(id))
	require.ErrorIs(t, err, schtypes.ErrInvalidTransition, "live tasks cannot be deleted")

	r.set(id, schtypes.StatusDone)
	ok, err = r.drv.Delete(r.ctx, r.get(id))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schtypes.Status("DONE_DELETED"), r.status(id))

	running := r.insert(schtypes.Task{Proc: "bibrank", Status: schtypes.StatusRunning, Host: testHost})
	_, err = r.drv.Init(r.ctx, r.get(running))
	require.ErrorIs(t, err, schtypes.ErrInvalidTransition)
}

type setFieldFails struct {
	*memstore.Store
}

func (s setFieldFails) SetField(context.Context, schtypes.TaskID, schtypes.Field, any) error {
	return errDisk
}

func TestInitReleasesHostInOneWrite(t *testing.T) {
	r := newRig(t, defaultLimits())
	id := r.insert(schtypes.Task{Proc: "bibindex", Status: schtypes.StatusError, Host: testHost, Progress: "boom"})
	r.drv.store = setFieldFails{r.store}

	_, err := r.drv.Init(r.ctx, r.get(id))
	require.ErrorIs(t, err, errDisk)

	tk := r.get(id)
	require.Equal(t, schtypes.StatusWaiting, tk.Status)
	require.Empty(t, tk.Host, "a failed progress reset leaves a claimable row")

	ok, err := r.store.Claim(r.ctx, id, testHost)
	require.NoError(t, err)
	require.True(t, ok)
}

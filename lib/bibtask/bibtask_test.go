package bibtask

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/lib/pidfile"
	"github.com/inveniosoftware/bibsched/sched/memstore"
	"github.com/inveniosoftware/bibsched/sched/proc"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

func scheduled(t *testing.T) (*memstore.Store, schtypes.TaskID) {
	s := memstore.New()
	id, err := s.Insert(context.Background(), schtypes.Task{Proc: "bibindex", Status: schtypes.StatusScheduled, Host: "node1"})
	require.NoError(t, err)
	return s, id
}

func status(t *testing.T, s *memstore.Store, id schtypes.TaskID) schtypes.Status {
	tk, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return tk.Status
}

func move(t *testing.T, s *memstore.Store, id schtypes.TaskID, to, from schtypes.Status) {
	ok, err := s.CompareAndSetStatus(context.Background(), id, to, from)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOpenAndFinish(t *testing.T) {
	ctx := context.Background()
	s, id := scheduled(t)
	run := t.TempDir()

	tk, err := Open(ctx, s, id, run)
	require.NoError(t, err)
	require.Equal(t, schtypes.StatusRunning, status(t, s, id))

	pid, err := pidfile.Read(proc.PidPath(run, id))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	require.NoError(t, tk.Checkpoint(ctx))
	require.NoError(t, tk.Progress(ctx, "50%"))
	require.NoError(t, tk.Finish(ctx, nil))
	require.Equal(t, schtypes.StatusDone, status(t, s, id))

	tk.Close()
	_, err = os.Stat(proc.PidPath(run, id))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenRequiresScheduled(t *testing.T) {
	s := memstore.New()
	id, err := s.Insert(context.Background(), schtypes.Task{Proc: "bibindex"})
	require.NoError(t, err)

	_, err = Open(context.Background(), s, id, t.TempDir())
	require.ErrorIs(t, err, schtypes.ErrInvalidTransition)
}

func TestCheckpointStop(t *testing.T) {
	ctx := context.Background()
	s, id := scheduled(t)
	tk, err := Open(ctx, s, id, t.TempDir())
	require.NoError(t, err)
	defer tk.Close()

	move(t, s, id, schtypes.StatusAboutToStop, schtypes.StatusRunning)
	err = tk.Checkpoint(ctx)
	require.ErrorIs(t, err, ErrStopRequested)
	require.Equal(t, schtypes.StatusStopped, status(t, s, id))

	require.NoError(t, tk.Finish(ctx, err))
	require.Equal(t, schtypes.StatusStopped, status(t, s, id))
}

func TestCheckpointSleepAndResume(t *testing.T) {
	ctx := context.Background()
	s, id := scheduled(t)
	tk, err := Open(ctx, s, id, t.TempDir())
	require.NoError(t, err)
	defer tk.Close()

	move(t, s, id, schtypes.StatusAboutToSleep, schtypes.StatusRunning)
	done := make(chan error, 1)
	go func() { done <- tk.Checkpoint(ctx) }()

	require.Eventually(t, func() bool {
		return status(t, s, id) == schtypes.StatusSleeping
	}, 5*time.Second, 5*time.Millisecond)

	move(t, s, id, schtypes.StatusContinuing, schtypes.StatusSleeping)
	tk.wake <- unix.SIGCONT

	require.NoError(t, <-done)
	require.Equal(t, schtypes.StatusRunning, status(t, s, id))
}

func TestWokenToStop(t *testing.T) {
	ctx := context.Background()
	s, id := scheduled(t)
	tk, err := Open(ctx, s, id, t.TempDir())
	require.NoError(t, err)
	defer tk.Close()

	move(t, s, id, schtypes.StatusAboutToSleep, schtypes.StatusRunning)
	done := make(chan error, 1)
	go func() { done <- tk.Checkpoint(ctx) }()
	require.Eventually(t, func() bool {
		return status(t, s, id) == schtypes.StatusSleeping
	}, 5*time.Second, 5*time.Millisecond)

	move(t, s, id, schtypes.StatusContinuing, schtypes.StatusSleeping)
	move(t, s, id, schtypes.StatusAboutToStop, schtypes.StatusContinuing)
	tk.wake <- unix.SIGCONT

	require.ErrorIs(t, <-done, ErrStopRequested)
	require.Equal(t, schtypes.StatusStopped, status(t, s, id))
}

func TestRunOutcomes(t *testing.T) {
	ctx := context.Background()
	boom := xerrors.New("boom")

	for _, tc := range []struct {
		body error
		want schtypes.Status
		err  error
	}{
		{nil, schtypes.StatusDone, nil},
		{xerrors.Errorf("3 records: %w", ErrPartial), schtypes.StatusDoneWithErrors, nil},
		{boom, schtypes.StatusError, boom},
	} {
		s, id := scheduled(t)
		err := Run(ctx, s, id, t.TempDir(), func(context.Context, *Task) error { return tc.body })
		if tc.err != nil {
			require.ErrorIs(t, err, tc.err)
		} else {
			require.NoError(t, err)
		}
		require.Equal(t, tc.want, status(t, s, id))
	}

	s, id := scheduled(t)
	require.ErrorIs(t, Run(ctx, s, id, t.TempDir(), func(context.Context, *Task) error { return boom }), boom)
	tk, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "boom", tk.Progress)
}

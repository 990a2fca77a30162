// Package bibtask is the task side of the scheduling protocol. A task
// executable opens its row, calls Checkpoint between units of work and
// reports how it ended with Finish.
package bibtask

import (
	"context"
	"errors"
	"os"
	"os/signal"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/lib/pidfile"
	"github.com/inveniosoftware/bibsched/sched/proc"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var log = logging.Logger("bibtask")

var (
	// ErrStopRequested is returned by Checkpoint once the task has been
	// marked STOPPED. The task should return without further work.
	ErrStopRequested = xerrors.New("stop requested by scheduler")
	// ErrPartial makes Finish record DONE WITH ERRORS instead of ERROR.
	ErrPartial = xerrors.New("task finished with errors")
)

type Task struct {
	store   schtypes.Store
	id      schtypes.TaskID
	pidPath string

	wake chan os.Signal
}

// Open takes ownership of a SCHEDULED task for this process.
func Open(ctx context.Context, store schtypes.Store, id schtypes.TaskID, runDir string) (*Task, error) {
	t := &Task{
		store:   store,
		id:      id,
		pidPath: proc.PidPath(runDir, id),
		wake:    make(chan os.Signal, 1),
	}
	if err := pidfile.Write(t.pidPath, os.Getpid()); err != nil {
		return nil, err
	}
	signal.Notify(t.wake, unix.SIGCONT)

	ok, err := store.CompareAndSetStatus(ctx, id, schtypes.StatusRunning, schtypes.StatusScheduled)
	if err != nil {
		t.Close()
		return nil, xerrors.Errorf("marking task %d running: %w", id, err)
	}
	if !ok {
		cur, err := store.Get(ctx, id)
		t.Close()
		if err != nil {
			return nil, err
		}
		return nil, xerrors.Errorf("task %d is %s, not SCHEDULED: %w", id, cur.Status, schtypes.ErrInvalidTransition)
	}
	log.Infow("task running", "task", id, "pid", os.Getpid())
	return t, nil
}

func (t *Task) ID() schtypes.TaskID {
	return t.id
}

func (t *Task) Progress(ctx context.Context, msg string) error {
	return t.store.SetField(ctx, t.id, schtypes.FieldProgress, msg)
}

// Checkpoint honours a pending stop or sleep request. A sleep blocks until
// the scheduler wakes the task.
func (t *Task) Checkpoint(ctx context.Context) error {
	cur, err := t.store.Get(ctx, t.id)
	if err != nil {
		return err
	}

	switch cur.Status {
	case schtypes.StatusAboutToStop:
		return t.stop(ctx)
	case schtypes.StatusAboutToSleep:
		ok, err := t.store.CompareAndSetStatus(ctx, t.id, schtypes.StatusSleeping, schtypes.StatusAboutToSleep)
		if err != nil {
			return err
		}
		if !ok {
			return t.Checkpoint(ctx)
		}
		log.Infow("task sleeping", "task", t.id)
		return t.sleep(ctx)
	default:
		return nil
	}
}

func (t *Task) sleep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		}

		cur, err := t.store.Get(ctx, t.id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case schtypes.StatusSleeping:
			// stray SIGCONT
			continue
		case schtypes.StatusContinuing:
			ok, err := t.store.CompareAndSetStatus(ctx, t.id, schtypes.StatusRunning, schtypes.StatusContinuing)
			if err != nil {
				return err
			}
			if !ok {
				return t.Checkpoint(ctx)
			}
			log.Infow("task resumed", "task", t.id)
			return nil
		case schtypes.StatusAboutToStop:
			return t.stop(ctx)
		default:
			return xerrors.Errorf("woken in status %s: %w", cur.Status, schtypes.ErrInvalidTransition)
		}
	}
}

func (t *Task) stop(ctx context.Context) error {
	if _, err := t.store.CompareAndSetStatus(ctx, t.id, schtypes.StatusStopped, schtypes.StatusAboutToStop); err != nil {
		return err
	}
	log.Infow("task stopped", "task", t.id)
	return ErrStopRequested
}

// Finish records the outcome of the task body.
func (t *Task) Finish(ctx context.Context, cause error) error {
	if errors.Is(cause, ErrStopRequested) {
		return nil
	}
	cur, err := t.store.Get(ctx, t.id)
	if err != nil {
		return err
	}
	if cur.Status.IsTerminal() {
		return nil
	}

	to := schtypes.StatusDone
	switch {
	case errors.Is(cause, ErrPartial):
		to = schtypes.StatusDoneWithErrors
	case cause != nil:
		to = schtypes.StatusError
		if err := t.Progress(ctx, cause.Error()); err != nil {
			return err
		}
	}

	ok, err := t.store.CompareAndSetStatus(ctx, t.id, to, cur.Status)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("task %d changed status while finishing", t.id)
	}
	log.Infow("task finished", "task", t.id, "status", to)
	return nil
}

func (t *Task) Close() {
	signal.Stop(t.wake)
	if err := pidfile.Remove(t.pidPath); err != nil {
		log.Warnw("removing pid file", "path", t.pidPath, "error", err)
	}
}

// Run opens task id, runs body and records the outcome.
func Run(ctx context.Context, store schtypes.Store, id schtypes.TaskID, runDir string, body func(context.Context, *Task) error) error {
	t, err := Open(ctx, store, id, runDir)
	if err != nil {
		return err
	}
	defer t.Close()

	cause := body(ctx, t)
	if err := t.Finish(ctx, cause); err != nil {
		return xerrors.Errorf("finishing task %d: %w", id, err)
	}
	if cause != nil && !errors.Is(cause, ErrStopRequested) && !errors.Is(cause, ErrPartial) {
		return cause
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	lcli "github.com/inveniosoftware/bibsched/cli"
	"github.com/inveniosoftware/bibsched/lib/pidfile"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var errTimeout = xerrors.New("timed out")

var timeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Usage: "how long to wait",
	Value: 5 * time.Minute,
}

var haltCmd = &cli.Command{
	Name:  "halt",
	Usage: "Stop the daemon on this host and leave its tasks running",
	Flags: []cli.Flag{timeoutFlag},
	Action: func(cctx *cli.Context) error {
		cfg, err := lcli.GetConfig(cctx)
		if err != nil {
			return err
		}
		return haltDaemon(lcli.ReqContext(cctx), cctx.App.Writer, cfg, cctx.Duration("timeout"))
	},
}

var stopCmd = &cli.Command{
	Name:  "stop",
	Usage: "Stop the daemon on this host and every task it runs",
	Description: `The daemon is halted first. Then, for tasks owned by this host:
   SCHEDULED tasks go back to WAITING, sleeping tasks are woken and asked
   to stop, and every other active task is asked to stop. The command
   returns once no task is active or --timeout expires.`,
	Flags: []cli.Flag{timeoutFlag},
	Action: func(cctx *cli.Context) error {
		svc, closer, err := lcli.GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := lcli.ReqContext(cctx)
		out := cctx.App.Writer

		if err := haltDaemon(ctx, out, svc.Config, cctx.Duration("timeout")); err != nil {
			return err
		}
		if err := stopTasks(ctx, out, svc.Backend, svc.Driver); err != nil {
			return err
		}

		var left []schtypes.Task
		err = waitUntil(ctx, cctx.Duration("timeout"), func() (bool, error) {
			left, err = svc.Backend.Snapshot(ctx, schtypes.Filter{
				Statuses: schtypes.ActiveStatuses,
				Host:     svc.Host,
			})
			return len(left) == 0, err
		})
		if errors.Is(err, errTimeout) {
			for _, t := range left {
				fmt.Fprintf(out, "still active: %s\n", t)
			}
			return xerrors.Errorf("%d tasks still active: %w", len(left), err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "all tasks stopped")
		return nil
	},
}

// haltDaemon sends SIGTERM to the daemon recorded in the pid file and waits
// for it to exit.
func haltDaemon(ctx context.Context, out io.Writer, cfg *config.BibSched, timeout time.Duration) error {
	path := daemonPidPath(cfg)
	pid, err := pidfile.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "daemon is not running")
		return nil
	}
	if err != nil {
		return err
	}
	if !pidfile.Alive(pid) {
		fmt.Fprintf(out, "daemon is not running, removing stale pid file %s\n", path)
		return pidfile.Remove(path)
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return xerrors.Errorf("signalling daemon (pid %d): %w", pid, err)
	}
	err = waitUntil(ctx, timeout, func() (bool, error) {
		return !pidfile.Alive(pid), nil
	})
	if err != nil {
		return xerrors.Errorf("waiting for daemon (pid %d) to exit: %w", pid, err)
	}
	fmt.Fprintf(out, "daemon (pid %d) halted\n", pid)
	return nil
}

// stopTasks winds down the tasks owned by the driver's host.
func stopTasks(ctx context.Context, out io.Writer, store schtypes.Store, drv *sched.Driver) error {
	live, err := store.Snapshot(ctx, schtypes.Filter{
		Statuses: append([]schtypes.Status{schtypes.StatusSleeping}, schtypes.ActiveStatuses...),
		Host:     drv.Host(),
	})
	if err != nil {
		return xerrors.Errorf("listing tasks: %w", err)
	}

	var merr error
	for _, t := range live {
		var err error
		switch t.Status {
		case schtypes.StatusScheduled:
			err = requeue(ctx, store, t)
		case schtypes.StatusSleeping:
			_, err = drv.WakeAndStop(ctx, t)
		case schtypes.StatusAboutToStop:
			continue
		default:
			_, err = drv.RequestStop(ctx, t)
		}
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		fmt.Fprintf(out, "stopping %s\n", t)
	}
	return merr
}

func requeue(ctx context.Context, store schtypes.Store, t schtypes.Task) error {
	_, err := store.Requeue(ctx, t.ID, schtypes.StatusScheduled)
	return err
}

// waitUntil polls cond with a growing interval until it holds, ctx is done
// or timeout passes.
func waitUntil(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
	}
	deadline := build.Clock.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil || ok {
			return err
		}
		if !build.Clock.Now().Before(deadline) {
			return errTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-build.Clock.After(b.Duration()):
		}
	}
}

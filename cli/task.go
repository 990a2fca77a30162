package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var taskCmd = &cli.Command{
	Name:  "task",
	Usage: "Act on individual tasks",
	Subcommands: []*cli.Command{
		taskAction("stop", "Ask tasks to stop at their next checkpoint", func(d *sched.Driver, ctx context.Context, t schtypes.Task) (bool, error) {
			if t.Status == schtypes.StatusSleeping {
				return d.WakeAndStop(ctx, t)
			}
			return d.RequestStop(ctx, t)
		}),
		taskAction("sleep", "Ask tasks to sleep at their next checkpoint", (*sched.Driver).RequestSleep),
		taskAction("wakeup", "Resume sleeping tasks", func(d *sched.Driver, ctx context.Context, t schtypes.Task) (bool, error) {
			if t.Status != schtypes.StatusSleeping {
				return false, xerrors.Errorf("task %d is %s: %w", t.ID, t.Status, schtypes.ErrInvalidTransition)
			}
			return d.Resume(ctx, t)
		}),
		taskAction("kill", "Kill task processes running on this host", (*sched.Driver).Kill),
		taskAction("init", "Put tasks back in the queue", (*sched.Driver).Init),
		taskAction("delete", "Soft-delete finished tasks", (*sched.Driver).Delete),
		taskAction("ack", "Acknowledge failed tasks", (*sched.Driver).Ack),
		taskPriorityCmd,
	},
}

// taskFunc has the shape of a *sched.Driver method expression.
type taskFunc func(d *sched.Driver, ctx context.Context, t schtypes.Task) (bool, error)

func taskAction(name, usage string, act taskFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id> [id...]",
		Action: func(cctx *cli.Context) error {
			ids, err := ParseTaskIDs(cctx.Args().Slice())
			if err != nil {
				return ShowHelp(cctx, err)
			}
			if len(ids) == 0 {
				return ShowHelp(cctx, xerrors.New("expected at least one task id"))
			}

			svc, closer, err := GetServices(cctx)
			if err != nil {
				return err
			}
			defer closer()

			ctx := ReqContext(cctx)

			var merr error
			for _, id := range ids {
				if err := applyTask(ctx, cctx, svc, id, act); err != nil {
					merr = multierror.Append(merr, err)
				}
			}
			return merr
		},
	}
}

func applyTask(ctx context.Context, cctx *cli.Context, svc *Services, id schtypes.TaskID, act taskFunc) error {
	t, err := svc.Backend.Get(ctx, id)
	if err != nil {
		return xerrors.Errorf("task %d: %w", id, err)
	}
	ok, err := act(svc.Driver, ctx, t)
	if err != nil {
		return err
	}
	after, err := svc.Backend.Get(ctx, id)
	if err != nil {
		return xerrors.Errorf("task %d: %w", id, err)
	}
	if !ok {
		fmt.Fprintf(cctx.App.Writer, "%s: changed concurrently, left as is\n", after)
		return nil
	}
	fmt.Fprintf(cctx.App.Writer, "%s\n", after)
	return nil
}

var taskPriorityCmd = &cli.Command{
	Name:      "priority",
	Usage:     "Change the priority of a task",
	ArgsUsage: "<id> <priority>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return ShowHelp(cctx, xerrors.New("expected a task id and a priority"))
		}
		ids, err := ParseTaskIDs(cctx.Args().Slice()[:1])
		if err != nil {
			return ShowHelp(cctx, err)
		}
		prio, err := strconv.Atoi(cctx.Args().Get(1))
		if err != nil {
			return ShowHelp(cctx, xerrors.Errorf("bad priority: %w", err))
		}

		svc, closer, err := GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		return applyTask(ReqContext(cctx), cctx, svc, ids[0], func(_ *sched.Driver, ctx context.Context, t schtypes.Task) (bool, error) {
			if t.Status.IsTerminal() || t.Status.Deleted() {
				return false, xerrors.Errorf("task %d is %s: %w", t.ID, t.Status, schtypes.ErrInvalidTransition)
			}
			return true, svc.Backend.SetField(ctx, t.ID, schtypes.FieldPriority, prio)
		})
	},
}

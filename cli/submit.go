package cli

import (
	"encoding/json"
	"fmt"
	"os/user"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var submitCmd = &cli.Command{
	Name:      "submit",
	Usage:     "Queue a new task",
	ArgsUsage: "<proc> [arguments...]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "priority",
			Usage: "task priority, higher runs first",
		},
		&cli.StringFlag{
			Name:  "runtime",
			Usage: "earliest start, as a duration from now or a local \"YYYY-MM-DD HH:MM:SS\" time",
		},
		&cli.StringFlag{
			Name:  "sleeptime",
			Usage: "resubmission interval, recorded for the task itself",
		},
		&cli.Int64Flag{
			Name:  "sequence",
			Usage: "sequence group; members run in id order",
		},
		&cli.StringFlag{
			Name:        "user",
			Usage:       "submitting user",
			DefaultText: "current user",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 1 {
			return ShowHelp(cctx, xerrors.New("expected a proc"))
		}

		svc, closer, err := GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)
		now := build.Clock.Now()

		t := schtypes.Task{
			Proc:      cctx.Args().First(),
			Runtime:   now,
			Sleeptime: cctx.String("sleeptime"),
			Status:    schtypes.StatusWaiting,
			Priority:  cctx.Int("priority"),
			User:      cctx.String("user"),
		}
		if t.User == "" {
			if u, err := user.Current(); err == nil {
				t.User = u.Username
			}
		}
		if s := cctx.String("runtime"); s != "" {
			if t.Runtime, err = ParseWhen(now, s); err != nil {
				return err
			}
		}
		if cctx.IsSet("sequence") {
			seq := cctx.Int64("sequence")
			t.SequenceID = &seq
		}
		if args := cctx.Args().Tail(); len(args) > 0 {
			if t.Arguments, err = json.Marshal(args); err != nil {
				return err
			}
		}

		if _, known := svc.Registry.Lookup(t.Family()); !known && svc.Config.Scheduler.OnlyKnownFamilies {
			return xerrors.Errorf("unknown task family %q", t.Family())
		}

		id, err := svc.Backend.Insert(ctx, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "Task #%d queued\n", id)
		return nil
	},
}

// bibtask-demo is a task executable that counts through a number of steps,
// checkpointing between them. Install it in Scheduler.BinDir under a family
// name to watch the scheduler admit, sleep, resume and stop it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	lcli "github.com/inveniosoftware/bibsched/cli"
	"github.com/inveniosoftware/bibsched/lib/bibtask"
	"github.com/inveniosoftware/bibsched/lib/schedlog"
	"github.com/inveniosoftware/bibsched/node/modules"
	"github.com/inveniosoftware/bibsched/sched/proc"
)

var log = logging.Logger("bibtask-demo")

type demoOpts struct {
	steps    int
	stepTime time.Duration
	failAt   int
	partial  bool
}

func main() {
	schedlog.SetupLogLevels()

	app := &cli.App{
		Name:      "bibtask-demo",
		Usage:     "Demo task that counts through steps",
		ArgsUsage: "<task id>",
		Version:   build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    lcli.FlagConfig,
				EnvVars: []string{"BIBSCHED_CONFIG"},
				Value:   "~/.bibsched/config.toml",
			},
			&cli.IntFlag{
				Name:    "steps",
				EnvVars: []string{"BIBTASK_DEMO_STEPS"},
				Value:   10,
			},
			&cli.DurationFlag{
				Name:    "step-time",
				EnvVars: []string{"BIBTASK_DEMO_STEP_TIME"},
				Value:   time.Second,
			},
			&cli.IntFlag{
				Name:    "fail-at",
				Usage:   "fail at this step, 0 never fails",
				EnvVars: []string{"BIBTASK_DEMO_FAIL_AT"},
			},
			&cli.BoolFlag{
				Name:    "partial",
				Usage:   "make the failure a partial one (DONE WITH ERRORS)",
				EnvVars: []string{"BIBTASK_DEMO_PARTIAL"},
			},
		},
		Action: func(cctx *cli.Context) error {
			ids, err := lcli.ParseTaskIDs(cctx.Args().Slice())
			if err != nil || len(ids) != 1 {
				return lcli.ShowHelp(cctx, xerrors.New("expected exactly one task id"))
			}

			cfg, err := lcli.GetConfig(cctx)
			if err != nil {
				return err
			}
			runDir := os.Getenv(proc.EnvRunDir)
			if runDir == "" {
				runDir = cfg.Scheduler.RunDir
			}

			ctx := lcli.ReqContext(cctx)
			backend, err := modules.OpenBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close() //nolint:errcheck

			opts := demoOpts{
				steps:    cctx.Int("steps"),
				stepTime: cctx.Duration("step-time"),
				failAt:   cctx.Int("fail-at"),
				partial:  cctx.Bool("partial"),
			}
			return bibtask.Run(ctx, backend, ids[0], runDir, func(ctx context.Context, t *bibtask.Task) error {
				return countSteps(ctx, t, opts)
			})
		},
	}

	lcli.RunApp(app)
}

func countSteps(ctx context.Context, t *bibtask.Task, opts demoOpts) error {
	for i := 1; i <= opts.steps; i++ {
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-build.Clock.After(opts.stepTime):
		}

		if i == opts.failAt {
			if opts.partial {
				return xerrors.Errorf("step %d: %w", i, bibtask.ErrPartial)
			}
			return xerrors.Errorf("step %d failed", i)
		}
		if err := t.Progress(ctx, fmt.Sprintf("step %d/%d", i, opts.steps)); err != nil {
			return err
		}
		log.Debugw("step done", "task", t.ID(), "step", i)
	}
	return nil
}

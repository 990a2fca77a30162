package main

import (
	"context"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	lcli "github.com/inveniosoftware/bibsched/cli"
	"github.com/inveniosoftware/bibsched/lib/pidfile"
	"github.com/inveniosoftware/bibsched/node"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/node/modules/dtypes"
	"github.com/inveniosoftware/bibsched/sched"
)

// DaemonPidFile is the name of the daemon pid file inside Scheduler.RunDir.
const DaemonPidFile = "bibsched.pid"

func daemonPidPath(cfg *config.BibSched) string {
	return filepath.Join(cfg.Scheduler.RunDir, DaemonPidFile)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the scheduling daemon in the foreground",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "hostname",
			Usage:       "name this daemon registers under",
			DefaultText: "Scheduler.Hostname from the config",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := lcli.GetConfig(cctx)
		if err != nil {
			return err
		}
		if h := cctx.String("hostname"); h != "" {
			cfg.Scheduler.Hostname = h
		}

		release, err := pidfile.Acquire(daemonPidPath(cfg))
		if err != nil {
			return err
		}
		defer func() {
			if err := release(); err != nil {
				log.Warnw("removing daemon pid file", "error", err)
			}
		}()

		ctx := lcli.DaemonContext(cctx)

		var (
			s          *sched.Scheduler
			shutdownCh dtypes.ShutdownChan
		)
		stop, err := node.New(ctx,
			node.ConfigBibSched(cfg),
			node.Populate(&s, &shutdownCh),
		)
		if err != nil {
			return xerrors.Errorf("initializing node: %w", err)
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// the scheduler halting on its own also shuts the node down
		var eg errgroup.Group
		eg.Go(func() error {
			defer close(shutdownCh)
			return s.Run(runCtx)
		})

		finishCh := node.MonitorShutdown(shutdownCh,
			node.ShutdownHandler{Component: "systemd", StopFunc: func(context.Context) error {
				_, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
				return err
			}},
			node.ShutdownHandler{Component: "scheduler", StopFunc: func(context.Context) error {
				cancel()
				<-shutdownCh
				return nil
			}},
			node.ShutdownHandler{Component: "node", StopFunc: stop},
		)

		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warnw("notifying systemd", "error", err)
		}
		log.Infow("bibsched daemon started", "version", build.UserVersion(), "pid", daemonPidPath(cfg))

		<-finishCh
		return eg.Wait()
	},
}

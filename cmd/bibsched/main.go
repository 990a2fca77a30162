package main

import (
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	"github.com/inveniosoftware/bibsched/build"
	lcli "github.com/inveniosoftware/bibsched/cli"
	"github.com/inveniosoftware/bibsched/journal/fsjournal"
	"github.com/inveniosoftware/bibsched/lib/schedlog"
)

var log = logging.Logger("bibsched")

func main() {
	schedlog.SetupLogLevels()

	local := []*cli.Command{
		runCmd,
		haltCmd,
		stopCmd,
	}

	app := &cli.App{
		Name:                 "bibsched",
		Usage:                "Batch task scheduler daemon and operator tool",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    lcli.FlagConfig,
				EnvVars: []string{"BIBSCHED_CONFIG"},
				Value:   "~/.bibsched/config.toml",
				Usage:   "path to the config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set the log level of every subsystem (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:    "panic-reports",
				EnvVars: []string{"BIBSCHED_PANIC_REPORT_PATH"},
				Hidden:  true,
				Value:   "~/.bibsched/panic-reports",
			},
		},
		Before: func(cctx *cli.Context) error {
			if lvl := cctx.String("log-level"); lvl != "" {
				return logging.SetLogLevel("*", lvl)
			}
			return nil
		},
		After: func(cctx *cli.Context) error {
			if r := recover(); r != nil {
				// Generate report in BIBSCHED_PANIC_REPORT_PATH and re-raise panic
				build.GeneratePanicReport(panicReportDir(cctx), journalFile(cctx), cctx.App.Name)
				panic(r)
			}
			return nil
		},
		Commands: append(local, lcli.Commands...),
	}
	app.Setup()

	lcli.RunApp(app)
}

func panicReportDir(cctx *cli.Context) string {
	dir, err := homedir.Expand(cctx.String("panic-reports"))
	if err != nil {
		return ""
	}
	return dir
}

func journalFile(cctx *cli.Context) string {
	cfg, err := lcli.GetConfig(cctx)
	if err != nil {
		return ""
	}
	return filepath.Join(cfg.Journal.Path, "journal", fsjournal.CurrentFile)
}

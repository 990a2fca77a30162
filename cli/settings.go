package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var modeCmd = &cli.Command{
	Name:      "mode",
	Usage:     "Show or switch between automatic and manual scheduling",
	ArgsUsage: "[auto|manual]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "resume-after",
			Usage: "with manual: go back to automatic mode at this local time or after this duration",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() > 1 {
			return ShowHelp(cctx, xerrors.New("expected at most one argument"))
		}

		svc, closer, err := GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)
		out := cctx.App.Writer

		switch cctx.Args().First() {
		case "":
			auto, _, err := svc.Backend.Setting(ctx, schtypes.SettingAutoMode)
			if err != nil {
				return err
			}
			at, _, err := svc.Backend.Setting(ctx, schtypes.SettingResumeAfter)
			if err != nil {
				return err
			}
			switch {
			case auto == "0" && at != "":
				fmt.Fprintf(out, "manual until %s\n", at)
			case auto == "0":
				fmt.Fprintln(out, "manual")
			default:
				fmt.Fprintln(out, "auto")
			}
			return nil
		case "auto":
			if cctx.IsSet("resume-after") {
				return ShowHelp(cctx, xerrors.New("--resume-after only applies to manual mode"))
			}
			if err := svc.Backend.SetSetting(ctx, schtypes.SettingResumeAfter, ""); err != nil {
				return err
			}
			if err := svc.Backend.SetSetting(ctx, schtypes.SettingAutoMode, "1"); err != nil {
				return err
			}
			fmt.Fprintln(out, "switched to automatic mode")
			return nil
		case "manual":
			var at string
			if s := cctx.String("resume-after"); s != "" {
				t, err := ParseWhen(build.Clock.Now(), s)
				if err != nil {
					return ShowHelp(cctx, err)
				}
				at = t.Local().Format(schtypes.SettingTimeFormat)
			}
			if err := svc.Backend.SetSetting(ctx, schtypes.SettingResumeAfter, at); err != nil {
				return err
			}
			if err := svc.Backend.SetSetting(ctx, schtypes.SettingAutoMode, "0"); err != nil {
				return err
			}
			if at != "" {
				fmt.Fprintf(out, "switched to manual mode until %s\n", at)
			} else {
				fmt.Fprintln(out, "switched to manual mode")
			}
			return nil
		default:
			return ShowHelp(cctx, xerrors.Errorf("unknown mode %q", cctx.Args().First()))
		}
	},
}

var debugCmd = &cli.Command{
	Name:      "debug",
	Usage:     "Toggle debug logging of the scheduling loop on every daemon",
	ArgsUsage: "<on|off>",
	Action: func(cctx *cli.Context) error {
		var val string
		switch cctx.Args().First() {
		case "on":
			val = "1"
		case "off":
			val = "0"
		default:
			return ShowHelp(cctx, xerrors.New("expected on or off"))
		}

		svc, closer, err := GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		if err := svc.Backend.SetSetting(ReqContext(cctx), schtypes.SettingDebugMode, val); err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "debug mode %s\n", cctx.Args().First())
		return nil
	},
}

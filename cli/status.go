package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Show the scheduler mode, registered hosts and the task queue",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "since",
			Usage: "include finished tasks with a runtime in this window",
			Value: 24 * time.Hour,
		},
		&cli.StringSliceFlag{
			Name:  "task",
			Usage: "only show tasks of these families",
		},
		&cli.BoolFlag{
			Name:  "all",
			Usage: "include every finished and deleted task",
		},
	},
	Action: func(cctx *cli.Context) error {
		svc, closer, err := GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ctx := ReqContext(cctx)
		now := build.Clock.Now()
		out := cctx.App.Writer

		auto, _, err := svc.Backend.Setting(ctx, schtypes.SettingAutoMode)
		if err != nil {
			return err
		}
		resumeAfter, _, err := svc.Backend.Setting(ctx, schtypes.SettingResumeAfter)
		if err != nil {
			return err
		}
		debug, _, err := svc.Backend.Setting(ctx, schtypes.SettingDebugMode)
		if err != nil {
			return err
		}

		mode := color.GreenString("AUTOMATIC")
		if auto == "0" {
			mode = color.YellowString("MANUAL")
			if resumeAfter != "" {
				mode += fmt.Sprintf(" (automatic after %s)", resumeAfter)
			}
		}
		fmt.Fprintf(out, "Mode:\t%s\n", mode)
		if debug == "1" {
			fmt.Fprintf(out, "Debug:\t%s\n", color.YellowString("on"))
		}

		hosts, err := svc.Backend.Hosts(ctx)
		if err != nil {
			return err
		}
		dead := time.Duration(svc.Config.Hosts.LooksDeadTimeout)
		hostNames := lo.Map(hosts, func(h schtypes.Host, _ int) string {
			if dead > 0 && now.Sub(h.LastContact) > dead {
				return color.RedString("%s (last seen %s)", h.Name, Ago(now, h.LastContact))
			}
			return fmt.Sprintf("%s (up %s)", h.Name, strings.TrimSuffix(Ago(now, h.Started), " ago"))
		})
		if len(hostNames) == 0 {
			hostNames = []string{color.RedString("none")}
		}
		fmt.Fprintf(out, "Hosts:\t%s\n\n", strings.Join(hostNames, ", "))

		tasks, err := listTasks(cctx, svc, now)
		if err != nil {
			return err
		}

		byStatus := lo.GroupBy(tasks, func(t schtypes.Task) schtypes.Status { return t.Status })
		var counts []string
		for _, st := range append(append([]schtypes.Status{}, schtypes.AllStatuses...), deletedStatuses()...) {
			if n := len(byStatus[st]); n > 0 {
				counts = append(counts, statusColor(st)("%s: %d", st, n))
			}
		}
		if len(counts) == 0 {
			fmt.Fprintln(out, "No tasks")
			return nil
		}
		fmt.Fprintf(out, "Tasks:\t%s\n\n", strings.Join(counts, ", "))

		tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tProc\tUser\tStatus\tPrio\tRuntime\tHost\tProgress")
		for _, t := range tasks {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				t.ID, t.Proc, t.User, statusColor(t.Status)("%s", t.Status), t.Priority,
				t.Runtime.Local().Format(schtypes.SettingTimeFormat)+" ("+Ago(now, t.Runtime)+")",
				t.Host, t.Progress)
		}
		return tw.Flush()
	},
}

func deletedStatuses() []schtypes.Status {
	return lo.Map(schtypes.TerminalStatuses, func(s schtypes.Status, _ int) schtypes.Status { return s.WithDeleted() })
}

// listTasks returns live tasks plus the finished ones selected by --since
// and --all, in id order.
func listTasks(cctx *cli.Context, svc *Services, now time.Time) ([]schtypes.Task, error) {
	ctx := ReqContext(cctx)
	families := cctx.StringSlice("task")

	live, err := svc.Backend.Snapshot(ctx, schtypes.Filter{
		Statuses: schtypes.LiveStatuses,
		Families: families,
	})
	if err != nil {
		return nil, err
	}

	finished := schtypes.Filter{
		Statuses: schtypes.TerminalStatuses,
		Families: families,
	}
	if cctx.Bool("all") {
		finished.Statuses = append(append([]schtypes.Status{}, schtypes.TerminalStatuses...), deletedStatuses()...)
	} else {
		finished.RuntimeFrom = now.Add(-cctx.Duration("since"))
	}
	done, err := svc.Backend.Snapshot(ctx, finished)
	if err != nil {
		return nil, err
	}

	tasks := append(live, done...)
	sortByID(tasks)
	return tasks, nil
}

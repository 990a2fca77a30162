package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/inveniosoftware/bibsched/build"
)

var hostsCmd = &cli.Command{
	Name:  "hosts",
	Usage: "List scheduler daemons registered in the task store",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "cleanup",
			Usage: "forget hosts silent for longer than Hosts.LooksDeadTimeout",
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
		dead := time.Duration(svc.Config.Hosts.LooksDeadTimeout)

		if cctx.Bool("cleanup") {
			n, err := svc.Backend.CleanupHosts(ctx, now.Add(-dead))
			if err != nil {
				return err
			}
			fmt.Fprintf(cctx.App.Writer, "removed %d dead hosts\n\n", n)
		}

		hosts, err := svc.Backend.Hosts(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "Host\tCPU\tRAM\tVersion\tStarted\tLast contact")
		for _, h := range hosts {
			contact := Ago(now, h.LastContact)
			if dead > 0 && now.Sub(h.LastContact) > dead {
				contact = color.RedString("%s (looks dead)", contact)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				h.Name, h.CPU, humanize.IBytes(h.RAM), h.Version, Ago(now, h.Started), contact)
		}
		return tw.Flush()
	},
}

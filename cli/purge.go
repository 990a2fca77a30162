package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var purgeCmd = &cli.Command{
	Name:  "purge",
	Usage: "Remove or archive old finished tasks",
	Description: `Finished tasks whose runtime is older than --older-than are removed or
   copied to the archive table, depending on the GC policy of their family.
   Families with the "keep" policy are never touched.`,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:        "older-than",
			Usage:       "only purge tasks with a runtime older than this",
			DefaultText: "GC.OlderThan from the config",
		},
		&cli.StringSliceFlag{
			Name:        "status",
			Usage:       "statuses to purge",
			DefaultText: "GC.Statuses from the config",
		},
		&cli.StringSliceFlag{
			Name:  "task",
			Usage: "only purge tasks of these families",
		},
	},
	Action: func(cctx *cli.Context) error {
		svc, closer, err := GetServices(cctx)
		if err != nil {
			return err
		}
		defer closer()

		req := sched.GCRequest{
			OlderThan: time.Duration(svc.Config.GC.OlderThan),
			Families:  cctx.StringSlice("task"),
		}
		if cctx.IsSet("older-than") {
			req.OlderThan = cctx.Duration("older-than")
		}
		for _, s := range cctx.StringSlice("status") {
			st := schtypes.Status(s)
			if !st.Valid() {
				return ShowHelp(cctx, xerrors.Errorf("unknown status %q", s))
			}
			req.Statuses = append(req.Statuses, st)
		}

		res, err := svc.GC.Collect(ReqContext(cctx), req)
		printGCResult(cctx, res)
		return err
	},
}

func printGCResult(cctx *cli.Context, res sched.GCResult) {
	out := cctx.App.Writer
	if res.Total() == 0 {
		fmt.Fprintln(out, "Nothing to purge")
		return
	}
	for _, part := range []struct {
		verb   string
		counts map[string]int
	}{{"removed", res.Removed}, {"archived", res.Archived}} {
		fams := make([]string, 0, len(part.counts))
		for fam := range part.counts {
			fams = append(fams, fam)
		}
		sort.Strings(fams)
		for _, fam := range fams {
			fmt.Fprintf(out, "%s: %s %d tasks\n", fam, part.verb, part.counts[fam])
		}
	}
}

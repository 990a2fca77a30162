package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/inveniosoftware/bibsched/build"
)

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "Print version",
	Action: func(cctx *cli.Context) error {
		fmt.Fprintln(cctx.App.Writer, "bibsched version", build.UserVersion())
		return nil
	},
}

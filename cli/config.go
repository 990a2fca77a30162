package cli

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Print configuration",
	Subcommands: []*cli.Command{
		configDefaultCmd,
		configShowCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print the default configuration",
	Action: func(cctx *cli.Context) error {
		cb, err := config.ConfigComment(config.DefaultBibSched())
		if err != nil {
			return err
		}
		fmt.Fprint(cctx.App.Writer, string(cb))
		return nil
	},
}

var configShowCmd = &cli.Command{
	Name:  "show",
	Usage: "Print the effective configuration, with file and environment overrides applied",
	Action: func(cctx *cli.Context) error {
		cfg, err := GetConfig(cctx)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return xerrors.Errorf("encoding config: %w", err)
		}
		fmt.Fprint(cctx.App.Writer, buf.String())
		return nil
	},
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/icza/backscanner"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/journal/fsjournal"
)

// JournalEntry is the on-disk form of a journal.Event.
type JournalEntry struct {
	System    string
	Event     string
	Timestamp time.Time
	Data      json.RawMessage
}

// alertEntry is the payload alerting writes for raised and resolved alerts.
type alertEntry struct {
	Type    string
	Message json.RawMessage
	Time    time.Time
}

var alertsCmd = &cli.Command{
	Name:  "alerts",
	Usage: "Show the latest alerts recorded in the daemon journal, newest first",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "n",
			Usage: "number of alerts to show",
			Value: 20,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := GetConfig(cctx)
		if err != nil {
			return err
		}

		path := filepath.Join(cfg.Journal.Path, "journal", fsjournal.CurrentFile)
		entries, err := TailAlerts(path, cctx.Int("n"))
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cctx.App.Writer, "No alerts")
			return nil
		}

		for _, e := range entries {
			var a alertEntry
			_ = json.Unmarshal(e.Data, &a)
			state := color.RedString("raised")
			if a.Type == "resolved" {
				state = color.GreenString("resolved")
			}
			fmt.Fprintf(cctx.App.Writer, "%s %s:%s %s %s\n",
				e.Timestamp.Local().Format(time.DateTime), e.System, e.Event, state, string(a.Message))
		}
		return nil
	},
}

// TailAlerts reads the journal at path backwards and returns up to n alert
// entries, newest first. A missing journal yields no entries.
func TailAlerts(path string, n int) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("opening journal: %w", err)
	}
	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var out []JournalEntry
	scan := backscanner.New(f, int(st.Size()))
	for len(out) < n {
		line, _, err := scan.LineBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, xerrors.Errorf("reading journal: %w", err)
		}
		if len(line) == 0 {
			continue
		}

		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Debugw("skipping bad journal line", "error", err)
			continue
		}
		var a alertEntry
		if err := json.Unmarshal(e.Data, &a); err != nil || (a.Type != "raised" && a.Type != "resolved") {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

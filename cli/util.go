package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

// Set the global default, to be overridden by individual cli flags in order
func init() {
	color.NoColor = os.Getenv("GOLOG_LOG_FMT") != "color" &&
		!isatty.IsTerminal(os.Stdout.Fd()) &&
		!isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Ago renders t relative to now, e.g. "in 5 minutes" or "2 hours 3 minutes ago".
func Ago(now, t time.Time) string {
	switch {
	case t.IsZero():
		return "never"
	case t.After(now):
		return fmt.Sprintf("in %s", durafmt.Parse(t.Sub(now).Truncate(time.Second)).LimitFirstN(2))
	case now.Sub(t) < time.Second:
		return "now"
	default:
		return fmt.Sprintf("%s ago", durafmt.Parse(now.Sub(t).Truncate(time.Second)).LimitFirstN(2))
	}
}

func statusColor(s schtypes.Status) func(format string, a ...interface{}) string {
	switch {
	case s.Deleted():
		return color.HiBlackString
	case s.IsError():
		return color.RedString
	case s == schtypes.StatusSleeping, s == schtypes.StatusAboutToSleep, s == schtypes.StatusAboutToStop:
		return color.YellowString
	case s.IsActive():
		return color.GreenString
	case s == schtypes.StatusWaiting:
		return color.CyanString
	default:
		return fmt.Sprintf
	}
}

// ParseTaskIDs parses command arguments as task ids.
func ParseTaskIDs(args []string) ([]schtypes.TaskID, error) {
	out := make([]schtypes.TaskID, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, xerrors.Errorf("bad task id %q", a)
		}
		out = append(out, schtypes.TaskID(id))
	}
	return out, nil
}

// ParseWhen accepts either a local timestamp in schtypes.SettingTimeFormat or
// a duration relative to now.
func ParseWhen(now time.Time, s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.ParseInLocation(schtypes.SettingTimeFormat, s, time.Local)
	if err != nil {
		return time.Time{}, xerrors.Errorf("%q is neither a duration nor a %q time", s, schtypes.SettingTimeFormat)
	}
	return t, nil
}

func sortByID(tasks []schtypes.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

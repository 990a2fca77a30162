package modules

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

func CheckFdLimit(min uint64) func(al *alerting.Alerting) {
	return func(al *alerting.Alerting) {
		var lim unix.Rlimit
		err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim)

		alert := al.AddAlertType("process", "fd-limit")
		if err != nil {
			al.Raise(alert, map[string]string{
				"message": "failed to get FD limit",
				"error":   err.Error(),
			})
			return
		}

		if lim.Cur < min {
			al.Raise(alert, map[string]interface{}{
				"message":         "soft FD limit is low",
				"soft_limit":      lim.Cur,
				"recommended_min": min,
			})
		}
	}
}

// CheckTaskBinaries raises an alert for configured families whose
// executable is missing from BinDir.
func CheckTaskBinaries(cfg *config.BibSched, reg *schtypes.Registry, al *alerting.Alerting) {
	alert := al.AddAlertType("bibsched", "missing-executable")

	var missing []string
	for _, fam := range reg.Families() {
		st, err := os.Stat(filepath.Join(cfg.Scheduler.BinDir, fam))
		if err != nil || st.IsDir() || st.Mode()&0111 == 0 {
			missing = append(missing, fam)
		}
	}
	if len(missing) == 0 {
		return
	}

	log.Warnw("task executables missing", "bindir", cfg.Scheduler.BinDir, "families", missing)
	al.Raise(alert, map[string]interface{}{
		"message":  "some task families have no executable",
		"bindir":   cfg.Scheduler.BinDir,
		"families": missing,
	})
}

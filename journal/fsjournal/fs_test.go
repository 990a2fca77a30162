package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/journal"
)

func withMockClock(t *testing.T) *clock.Mock {
	mc := clock.NewMock()
	mc.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	prev := build.Clock
	build.Clock = mc
	t.Cleanup(func() { build.Clock = prev })
	return mc
}

func TestRollingRemovesOldFiles(t *testing.T) {
	req := require.New(t)
	mc := withMockClock(t)

	path := t.TempDir()
	j, err := openFSJournal(path, nil, 1<<20, 3)
	req.NoError(err)
	defer j.Close() //nolint:errcheck

	dir := filepath.Join(path, "journal")
	for i := 0; i <= j.keep; i++ {
		files, _ := os.ReadDir(dir)
		// the current file plus one per roll
		req.Lenf(files, i+1, "add one file for every roll before max keep")
		mc.Add(time.Second)
		req.NoError(j.rollJournalFile())
	}

	// on the last roll, one of the files should have been pruned,
	// so we should still have only the maximum kept files.
	files, _ := os.ReadDir(dir)
	req.Lenf(files, j.keep+1, "files are not being pruned from the journal directory")
}

func TestRecordEvent(t *testing.T) {
	req := require.New(t)
	withMockClock(t)

	path := t.TempDir()
	disabled := journal.DisabledEvents{{System: "sched", Event: "cycle"}}
	j, err := OpenFSJournalPath(path, disabled)
	req.NoError(err)

	admitted := j.RegisterEventType("sched", "admitted")
	cycle := j.RegisterEventType("sched", "cycle")

	j.RecordEvent(admitted, func() interface{} { return map[string]int{"task": 12} })
	j.RecordEvent(cycle, func() interface{} { return "noise" })
	j.RecordEvent(admitted, func() interface{} { panic("boom") })
	req.NoError(j.Close())

	f, err := os.Open(filepath.Join(path, "journal", CurrentFile))
	req.NoError(err)
	defer f.Close() //nolint:errcheck

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		req.NoError(json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	req.Len(lines, 1)
	req.Equal("admitted", lines[0]["Event"])
	req.Equal(map[string]interface{}{"task": float64(12)}, lines[0]["Data"])
}

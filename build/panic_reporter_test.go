package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratePanicReport(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "journal.ndjson")
	require.NoError(t, os.WriteFile(journal, []byte("one\ntwo\nthree\n"), 0644))

	PanicReportJournalTail = 2
	t.Cleanup(func() { PanicReportJournalTail = defaultJournalTail })

	report := GeneratePanicReport(filepath.Join(dir, "reports"), journal, "bib sched")
	require.NotEmpty(t, report)
	require.True(t, strings.HasPrefix(filepath.Base(report), "report_bibsched_"))

	for _, f := range []string{"version", "stacktrace.dump", "goroutines.pprof.gz", "heap.pprof.gz"} {
		require.FileExists(t, filepath.Join(report, f))
	}

	tail, err := os.ReadFile(filepath.Join(report, "journal.ndjson"))
	require.NoError(t, err)
	require.Equal(t, "three\ntwo\n", string(tail))

	v, err := os.ReadFile(filepath.Join(report, "version"))
	require.NoError(t, err)
	require.Equal(t, UserVersion()+"\n", string(v))
}

func TestGeneratePanicReportNoPath(t *testing.T) {
	require.Empty(t, GeneratePanicReport("", "", "x"))
}

package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/icza/backscanner"
	logging "github.com/ipfs/go-log/v2"
)

var (
	panicLog           = logging.Logger("panic-reporter")
	defaultJournalTail = 500
)

// PanicReportJournalTail is the number of journal lines copied into a panic
// report. BIBSCHED_PANIC_JOURNAL_LOOKBACK overrides it.
var PanicReportJournalTail = defaultJournalTail

// GeneratePanicReport writes a timestamped dump of the process state under
// reportDir: version, stack trace, goroutine and heap profiles and the tail
// of the journal file at journalFile. label is included in the report name.
func GeneratePanicReport(reportDir, journalFile, label string) string {
	// make sure we always dump the latest logs on the way out
	// especially since we're probably panicking
	defer panicLog.Sync() //nolint:errcheck

	if reportDir == "" {
		panicLog.Warn("missing report path, aborting panic report creation")
		return ""
	}

	reportPath := filepath.Join(reportDir, reportName(label))
	panicLog.Warnf("generating panic report at %s", reportPath)

	if tl := os.Getenv("BIBSCHED_PANIC_JOURNAL_LOOKBACK"); tl != "" && PanicReportJournalTail == defaultJournalTail {
		if i, err := strconv.Atoi(tl); err == nil {
			PanicReportJournalTail = i
		}
	}

	if err := os.MkdirAll(reportPath, 0755); err != nil {
		panicLog.Error(err.Error())
		return ""
	}

	writeFile(filepath.Join(reportPath, "version"), []byte(UserVersion()+"\n"))
	writeFile(filepath.Join(reportPath, "stacktrace.dump"), debug.Stack())
	writeProfile("goroutine", filepath.Join(reportPath, "goroutines.pprof.gz"))
	writeProfile("heap", filepath.Join(reportPath, "heap.pprof.gz"))
	if journalFile != "" {
		writeJournalTail(PanicReportJournalTail, journalFile, filepath.Join(reportPath, "journal.ndjson"))
	}
	return reportPath
}

func writeFile(file string, b []byte) {
	if err := os.WriteFile(file, b, 0644); err != nil {
		panicLog.Error(err.Error())
	}
}

func writeProfile(profileType string, file string) {
	p := pprof.Lookup(profileType)
	if p == nil {
		panicLog.Warnf("%s profile not available", profileType)
		return
	}
	f, err := os.Create(file)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer f.Close() //nolint:errcheck

	if err := p.WriteTo(f, 0); err != nil {
		panicLog.Error(err.Error())
	}
}

// writeJournalTail copies the last tailLen lines of journalFile, newest first.
func writeJournalTail(tailLen int, journalFile, file string) {
	j, err := os.Open(journalFile)
	if err != nil {
		panicLog.Warnf("opening journal: %s", err)
		return
	}
	defer j.Close() //nolint:errcheck

	js, err := j.Stat()
	if err != nil {
		panicLog.Error(err.Error())
		return
	}

	f, err := os.Create(file)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer f.Close() //nolint:errcheck

	jScan := backscanner.New(j, int(js.Size()))
	for written := 0; written < tailLen; {
		line, _, err := jScan.LineBytes()
		if err != nil {
			if err != io.EOF {
				panicLog.Error(err.Error())
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		if _, err := f.Write(line); err != nil {
			panicLog.Error(err.Error())
			return
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			panicLog.Error(err.Error())
			return
		}
		written++
	}
}

func reportName(label string) string {
	label = strings.ReplaceAll(label, " ", "")
	return fmt.Sprintf("report_%s_%s", label, time.Now().Format("2006-01-02T150405"))
}

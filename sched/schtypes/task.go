package schtypes

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type TaskID int64

// Task is one row of the task table.
type Task struct {
	ID         TaskID    `db:"id"`
	Proc       string    `db:"proc"`
	User       string    `db:"user_name"`
	Arguments  []byte    `db:"arguments"`
	Runtime    time.Time `db:"runtime"`
	Sleeptime  string    `db:"sleeptime"`
	Status     Status    `db:"status"`
	Progress   string    `db:"progress"`
	Priority   int       `db:"priority"`
	Host       string    `db:"host"`
	SequenceID *int64    `db:"sequenceid"`
}

// Family is the proc up to the first ':'. It names the executable and the
// per-kind configuration.
func (t Task) Family() string {
	return Family(t.Proc)
}

// Sequence returns the sequence group of the task, if it has one.
func (t Task) Sequence() (int64, bool) {
	if t.SequenceID == nil {
		return 0, false
	}
	return *t.SequenceID, true
}

func (t Task) String() string {
	return fmt.Sprintf("#%d %s (%s, prio %d)", t.ID, t.Proc, t.Status, t.Priority)
}

// Family extracts the family part of a proc.
func Family(proc string) string {
	family, _, _ := strings.Cut(proc, ":")
	return family
}

// SortForAdmission orders candidates the way the scheduler considers them:
// priority descending, then earliest runtime, then oldest id.
func SortForAdmission(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Runtime.Equal(b.Runtime) {
			return a.Runtime.Before(b.Runtime)
		}
		return a.ID < b.ID
	})
}

// Host is one registered scheduler daemon.
type Host struct {
	Name        string    `db:"host_name"`
	Session     string    `db:"session"`
	CPU         int       `db:"cpu"`
	RAM         uint64    `db:"ram"`
	Version     string    `db:"version"`
	Started     time.Time `db:"started"`
	LastContact time.Time `db:"last_contact"`
}

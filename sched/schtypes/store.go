package schtypes

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

var ErrNotFound = xerrors.New("task not found")

// Names of the sch_status rows the daemon reads each cycle.
const (
	SettingAutoMode    = "auto_mode"
	SettingResumeAfter = "resume_after"
	SettingDebugMode   = "debug_mode"
)

// SettingTimeFormat is the layout of SettingResumeAfter, in local time.
const SettingTimeFormat = time.DateTime

// Store is the contract the scheduler needs from the task table. Every
// method that matters for correctness across daemons is a conditional update.
type Store interface {
	// Snapshot returns the tasks matching f, ordered by id.
	Snapshot(ctx context.Context, f Filter) ([]Task, error)
	Get(ctx context.Context, id TaskID) (Task, error)

	// CompareAndSetStatus sets status to `to` only if it currently is `from`.
	// It reports whether the row changed.
	CompareAndSetStatus(ctx context.Context, id TaskID, to, from Status) (bool, error)
	// Claim moves an unowned WAITING task to SCHEDULED on host in one
	// conditional update.
	Claim(ctx context.Context, id TaskID, host string) (bool, error)
	// Requeue moves a task from `from` back to WAITING and clears its host in
	// one conditional update.
	Requeue(ctx context.Context, id TaskID, from Status) (bool, error)
	SetField(ctx context.Context, id TaskID, field Field, value any) error
	// DeleteOrArchive removes the given tasks, copying them to the archive
	// first when archive is set. Tasks not in a terminal status are skipped.
	DeleteOrArchive(ctx context.Context, ids []TaskID, archive bool) (int, error)

	Setting(ctx context.Context, name string) (string, bool, error)
	SetSetting(ctx context.Context, name, value string) error
}

// Backend is a Store plus the operations used by submission tools, the host
// registry and the daemon lifecycle.
type Backend interface {
	Store

	Insert(ctx context.Context, t Task) (TaskID, error)
	Archived(ctx context.Context, ids []TaskID) ([]Task, error)

	UpsertHost(ctx context.Context, h Host) error
	HostHeartbeat(ctx context.Context, name, session string, at time.Time) error
	CleanupHosts(ctx context.Context, olderThan time.Time) (int, error)
	Hosts(ctx context.Context) ([]Host, error)

	Close() error
}

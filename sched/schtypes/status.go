package schtypes

import (
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
)

type Status string

const (
	StatusWaiting        Status = "WAITING"
	StatusScheduled      Status = "SCHEDULED"
	StatusRunning        Status = "RUNNING"
	StatusContinuing     Status = "CONTINUING"
	StatusSleeping       Status = "SLEEPING"
	StatusAboutToSleep   Status = "ABOUT TO SLEEP"
	StatusAboutToStop    Status = "ABOUT TO STOP"
	StatusStopped        Status = "STOPPED"
	StatusKilled         Status = "KILLED"
	StatusDone           Status = "DONE"
	StatusDoneWithErrors Status = "DONE WITH ERRORS"
	StatusError          Status = "ERROR"
	StatusAckError       Status = "ACK ERROR"
)

// DeletedSuffix marks a soft-deleted terminal task.
const DeletedSuffix = "_DELETED"

var (
	ActiveStatuses = []Status{
		StatusScheduled,
		StatusRunning,
		StatusContinuing,
		StatusAboutToSleep,
		StatusAboutToStop,
	}

	LiveStatuses = append([]Status{StatusWaiting, StatusSleeping}, ActiveStatuses...)

	TerminalStatuses = []Status{
		StatusDone,
		StatusDoneWithErrors,
		StatusError,
		StatusAckError,
		StatusStopped,
		StatusKilled,
	}

	// ErrorStatuses need an operator to look at them.
	ErrorStatuses = []Status{StatusError, StatusDoneWithErrors}

	AllStatuses = append(append([]Status{}, LiveStatuses...), TerminalStatuses...)
)

var ErrInvalidTransition = xerrors.New("invalid status transition")

// Deleted reports whether the status carries the soft-delete tombstone.
func (s Status) Deleted() bool {
	return strings.HasSuffix(string(s), DeletedSuffix)
}

// Base strips the soft-delete tombstone.
func (s Status) Base() Status {
	return Status(strings.TrimSuffix(string(s), DeletedSuffix))
}

// WithDeleted returns the soft-deleted form of s.
func (s Status) WithDeleted() Status {
	if s.Deleted() {
		return s
	}
	return s + DeletedSuffix
}

func (s Status) IsActive() bool {
	return lo.Contains(ActiveStatuses, s)
}

func (s Status) IsLive() bool {
	return lo.Contains(LiveStatuses, s)
}

func (s Status) IsTerminal() bool {
	return s.Deleted() || lo.Contains(TerminalStatuses, s)
}

func (s Status) IsError() bool {
	return lo.Contains(ErrorStatuses, s)
}

func (s Status) Valid() bool {
	return lo.Contains(AllStatuses, s.Base()) && (!s.Deleted() || lo.Contains(TerminalStatuses, s.Base()))
}


// transitions lists every edge written by the scheduler, the task process
// or an operator. Soft deletion and operator init are handled separately.
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusScheduled},
	StatusScheduled: {StatusRunning, StatusWaiting, StatusError},
	StatusRunning: {
		StatusAboutToSleep, StatusAboutToStop,
		StatusSleeping, StatusStopped,
		StatusDone, StatusDoneWithErrors, StatusError, StatusKilled,
	},
	StatusContinuing: {
		StatusRunning, StatusAboutToSleep, StatusAboutToStop,
		StatusDone, StatusDoneWithErrors, StatusError, StatusKilled,
	},
	StatusAboutToSleep: {
		StatusSleeping, StatusAboutToStop, StatusRunning,
		StatusDone, StatusDoneWithErrors, StatusError, StatusKilled,
	},
	StatusAboutToStop: {
		StatusStopped,
		StatusDone, StatusDoneWithErrors, StatusError, StatusKilled,
	},
	StatusSleeping:       {StatusContinuing, StatusError, StatusKilled},
	StatusError:          {StatusAckError},
	StatusDoneWithErrors: {StatusAckError},
}

// CanTransition reports whether from -> to is a known edge of the state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to.Deleted() {
		return from.IsTerminal() && !from.Deleted() && to.Base() == from
	}
	if to == StatusWaiting && CanInit(from) {
		return true
	}
	return lo.Contains(transitions[from], to)
}

// CanInit reports whether an operator may put a task in status s back to
// WAITING. Tasks that still own a process cannot be re-initialised.
func CanInit(s Status) bool {
	if s.Deleted() {
		return false
	}
	return s == StatusWaiting || s == StatusScheduled || s.IsTerminal()
}

// CheckTransition returns ErrInvalidTransition wrapped with context when
// from -> to is not an edge.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return xerrors.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

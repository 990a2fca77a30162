package sched

import "golang.org/x/xerrors"

var (
	// ErrLaunchTimeout is recorded when a started task never leaves SCHEDULED.
	ErrLaunchTimeout = xerrors.New("task did not report RUNNING in time")
	// ErrSignalFailed means the task process could not be signalled, usually
	// because it is gone or owned by another host.
	ErrSignalFailed = xerrors.New("could not signal task process")
	// ErrHalted wraps the fault that stopped the scheduling loop.
	ErrHalted = xerrors.New("scheduler halted")
	// ErrInvariant marks a store state the scheduler cannot reason about.
	ErrInvariant = xerrors.New("task table invariant violated")
)

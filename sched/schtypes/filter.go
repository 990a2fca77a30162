package schtypes

import (
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
)

// Filter selects rows for Store.Snapshot. Zero-valued fields do not filter.
type Filter struct {
	IDs      []TaskID
	Statuses []Status
	Families []string
	Host     string

	// RuntimeBefore keeps tasks with runtime strictly before it.
	RuntimeBefore time.Time
	// RuntimeFrom keeps tasks with runtime at or after it.
	RuntimeFrom time.Time
}

// Match evaluates the filter in memory. SQL backends translate the same rules.
func (f Filter) Match(t Task) bool {
	if len(f.IDs) > 0 && !lo.Contains(f.IDs, t.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !lo.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Families) > 0 && !lo.Contains(f.Families, t.Family()) {
		return false
	}
	if f.Host != "" && t.Host != f.Host {
		return false
	}
	if !f.RuntimeBefore.IsZero() && !t.Runtime.Before(f.RuntimeBefore) {
		return false
	}
	if !f.RuntimeFrom.IsZero() && t.Runtime.Before(f.RuntimeFrom) {
		return false
	}
	return true
}

// Field names a column writable through Store.SetField.
type Field string

const (
	FieldProgress Field = "progress"
	FieldPriority Field = "priority"
	FieldHost     Field = "host"
	FieldRuntime  Field = "runtime"
)

var ErrBadField = xerrors.New("bad field update")

// CheckField validates the dynamic type of a SetField value.
func CheckField(f Field, v any) error {
	var ok bool
	switch f {
	case FieldProgress, FieldHost:
		_, ok = v.(string)
	case FieldPriority:
		_, ok = v.(int)
	case FieldRuntime:
		_, ok = v.(time.Time)
	default:
		return xerrors.Errorf("unknown field %q: %w", f, ErrBadField)
	}
	if !ok {
		return xerrors.Errorf("field %q does not take %T: %w", f, v, ErrBadField)
	}
	return nil
}

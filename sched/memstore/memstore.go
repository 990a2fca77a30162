// Package memstore keeps the task table in memory. It backs unit tests and
// the memory store driver.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

type Store struct {
	lk       sync.Mutex
	nextID   schtypes.TaskID
	tasks    map[schtypes.TaskID]schtypes.Task
	archive  map[schtypes.TaskID]schtypes.Task
	settings map[string]string
	hosts    map[string]schtypes.Host
}

var _ schtypes.Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		nextID:   1,
		tasks:    map[schtypes.TaskID]schtypes.Task{},
		archive:  map[schtypes.TaskID]schtypes.Task{},
		settings: map[string]string{},
		hosts:    map[string]schtypes.Host{},
	}
}

func clone(t schtypes.Task) schtypes.Task {
	if t.Arguments != nil {
		t.Arguments = append([]byte(nil), t.Arguments...)
	}
	if t.SequenceID != nil {
		seq := *t.SequenceID
		t.SequenceID = &seq
	}
	return t
}

func (s *Store) Insert(_ context.Context, t schtypes.Task) (schtypes.TaskID, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if t.ID == 0 {
		t.ID = s.nextID
	}
	if _, exists := s.tasks[t.ID]; exists {
		return 0, xerrors.Errorf("task %d already exists", t.ID)
	}
	if t.ID >= s.nextID {
		s.nextID = t.ID + 1
	}
	if t.Status == "" {
		t.Status = schtypes.StatusWaiting
	}
	s.tasks[t.ID] = clone(t)
	return t.ID, nil
}

func (s *Store) Snapshot(_ context.Context, f schtypes.Filter) ([]schtypes.Task, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var out []schtypes.Task
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(_ context.Context, id schtypes.TaskID) (schtypes.Task, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return schtypes.Task{}, xerrors.Errorf("task %d: %w", id, schtypes.ErrNotFound)
	}
	return clone(t), nil
}

func (s *Store) CompareAndSetStatus(_ context.Context, id schtypes.TaskID, to, from schtypes.Status) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	s.tasks[id] = t
	return true, nil
}

func (s *Store) Claim(_ context.Context, id schtypes.TaskID, host string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != schtypes.StatusWaiting || t.Host != "" {
		return false, nil
	}
	t.Status = schtypes.StatusScheduled
	t.Host = host
	s.tasks[id] = t
	return true, nil
}

func (s *Store) Requeue(_ context.Context, id schtypes.TaskID, from schtypes.Status) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = schtypes.StatusWaiting
	t.Host = ""
	s.tasks[id] = t
	return true, nil
}

func (s *Store) SetField(_ context.Context, id schtypes.TaskID, field schtypes.Field, value any) error {
	if err := schtypes.CheckField(field, value); err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return xerrors.Errorf("task %d: %w", id, schtypes.ErrNotFound)
	}
	switch field {
	case schtypes.FieldProgress:
		t.Progress = value.(string)
	case schtypes.FieldPriority:
		t.Priority = value.(int)
	case schtypes.FieldHost:
		t.Host = value.(string)
	case schtypes.FieldRuntime:
		t.Runtime = value.(time.Time)
	}
	s.tasks[id] = t
	return nil
}

func (s *Store) DeleteOrArchive(_ context.Context, ids []schtypes.TaskID, archive bool) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	n := 0
	for _, id := range ids {
		t, ok := s.tasks[id]
		if !ok || !t.Status.IsTerminal() {
			continue
		}
		if archive {
			s.archive[id] = t
		}
		delete(s.tasks, id)
		n++
	}
	return n, nil
}

func (s *Store) Archived(_ context.Context, ids []schtypes.TaskID) ([]schtypes.Task, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var out []schtypes.Task
	for _, id := range ids {
		if t, ok := s.archive[id]; ok {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Setting(_ context.Context, name string) (string, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	v, ok := s.settings[name]
	return v, ok, nil
}

func (s *Store) SetSetting(_ context.Context, name, value string) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.settings[name] = value
	return nil
}

func (s *Store) UpsertHost(_ context.Context, h schtypes.Host) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.hosts[h.Name] = h
	return nil
}

func (s *Store) HostHeartbeat(_ context.Context, name, session string, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	h, ok := s.hosts[name]
	if !ok || h.Session != session {
		return xerrors.Errorf("host %s is not registered with session %s", name, session)
	}
	h.LastContact = at
	s.hosts[name] = h
	return nil
}

func (s *Store) CleanupHosts(_ context.Context, olderThan time.Time) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	n := 0
	for name, h := range s.hosts {
		if h.LastContact.Before(olderThan) {
			delete(s.hosts, name)
			n++
		}
	}
	return n, nil
}

func (s *Store) Hosts(_ context.Context) ([]schtypes.Host, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	out := make([]schtypes.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

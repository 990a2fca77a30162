// Package pgstore keeps the task table in the shared Postgres/YugabyteDB
// cluster, so daemons on several hosts can coordinate through it.
package pgstore

import (
	"context"
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/lib/harmony/harmonydb"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

type Store struct {
	db *harmonydb.DB
}

var _ schtypes.Backend = (*Store)(nil)

func New(db *harmonydb.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func statusStrings(in []schtypes.Status) []string {
	if len(in) == 0 {
		return nil
	}
	return lo.Map(in, func(st schtypes.Status, _ int) string { return string(st) })
}

func idInts(in []schtypes.TaskID) []int64 {
	if len(in) == 0 {
		return nil
	}
	return lo.Map(in, func(id schtypes.TaskID, _ int) int64 { return int64(id) })
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}

func (s *Store) Insert(ctx context.Context, t schtypes.Task) (schtypes.TaskID, error) {
	if t.Status == "" {
		t.Status = schtypes.StatusWaiting
	}
	var id int64
	var err error
	if t.ID != 0 {
		err = s.db.QueryRow(ctx, `INSERT INTO sch_task
			(id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
			int64(t.ID), t.Proc, t.User, t.Arguments, t.Runtime, t.Sleeptime, string(t.Status), t.Progress, t.Priority, t.Host, t.SequenceID).Scan(&id)
	} else {
		err = s.db.QueryRow(ctx, `INSERT INTO sch_task
			(proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			t.Proc, t.User, t.Arguments, t.Runtime, t.Sleeptime, string(t.Status), t.Progress, t.Priority, t.Host, t.SequenceID).Scan(&id)
	}
	if err != nil {
		return 0, xerrors.Errorf("inserting task: %w", err)
	}
	return schtypes.TaskID(id), nil
}

func (s *Store) Snapshot(ctx context.Context, f schtypes.Filter) ([]schtypes.Task, error) {
	var out []schtypes.Task
	err := s.db.Select(ctx, &out, `SELECT id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid
		FROM sch_task
		WHERE ($1::bigint[] IS NULL OR id = ANY($1))
		  AND ($2::text[] IS NULL OR status = ANY($2))
		  AND ($3::text[] IS NULL OR split_part(proc, ':', 1) = ANY($3))
		  AND ($4::text = '' OR host = $4)
		  AND ($5::timestamptz IS NULL OR runtime < $5)
		  AND ($6::timestamptz IS NULL OR runtime >= $6)
		ORDER BY id`,
		idInts(f.IDs), statusStrings(f.Statuses), nullStrings(f.Families), f.Host, nullTime(f.RuntimeBefore), nullTime(f.RuntimeFrom))
	if err != nil {
		return nil, xerrors.Errorf("querying tasks: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id schtypes.TaskID) (schtypes.Task, error) {
	var out []schtypes.Task
	err := s.db.Select(ctx, &out, `SELECT id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid
		FROM sch_task WHERE id = $1`, int64(id))
	if err != nil {
		return schtypes.Task{}, xerrors.Errorf("reading task %d: %w", id, err)
	}
	if len(out) == 0 {
		return schtypes.Task{}, xerrors.Errorf("task %d: %w", id, schtypes.ErrNotFound)
	}
	return out[0], nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id schtypes.TaskID, to, from schtypes.Status) (bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE sch_task SET status = $1 WHERE id = $2 AND status = $3`, string(to), int64(id), string(from))
	if err != nil {
		return false, xerrors.Errorf("setting task %d status %s -> %s: %w", id, from, to, err)
	}
	return n > 0, nil
}

func (s *Store) Claim(ctx context.Context, id schtypes.TaskID, host string) (bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE sch_task SET host = $1, status = 'SCHEDULED'
		WHERE id = $2 AND status = 'WAITING' AND host = ''`, host, int64(id))
	if err != nil {
		return false, xerrors.Errorf("claiming task %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) Requeue(ctx context.Context, id schtypes.TaskID, from schtypes.Status) (bool, error) {
	n, err := s.db.Exec(ctx, `UPDATE sch_task SET host = '', status = 'WAITING'
		WHERE id = $1 AND status = $2`, int64(id), string(from))
	if err != nil {
		return false, xerrors.Errorf("requeueing task %d from %s: %w", id, from, err)
	}
	return n > 0, nil
}

func (s *Store) SetField(ctx context.Context, id schtypes.TaskID, field schtypes.Field, value any) error {
	if err := schtypes.CheckField(field, value); err != nil {
		return err
	}

	var n int
	var err error
	switch field {
	case schtypes.FieldProgress:
		n, err = s.db.Exec(ctx, `UPDATE sch_task SET progress = $1 WHERE id = $2`, value, int64(id))
	case schtypes.FieldPriority:
		n, err = s.db.Exec(ctx, `UPDATE sch_task SET priority = $1 WHERE id = $2`, value, int64(id))
	case schtypes.FieldHost:
		n, err = s.db.Exec(ctx, `UPDATE sch_task SET host = $1 WHERE id = $2`, value, int64(id))
	case schtypes.FieldRuntime:
		n, err = s.db.Exec(ctx, `UPDATE sch_task SET runtime = $1 WHERE id = $2`, value, int64(id))
	}
	if err != nil {
		return xerrors.Errorf("setting task %d %s: %w", id, field, err)
	}
	if n == 0 {
		return xerrors.Errorf("task %d: %w", id, schtypes.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteOrArchive(ctx context.Context, ids []schtypes.TaskID, archive bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	terminal := statusStrings(schtypes.TerminalStatuses)

	var removed int
	_, err := s.db.BeginTransaction(ctx, func(tx *harmonydb.Tx) (commit bool, err error) {
		if archive {
			_, err = tx.Exec(`INSERT INTO hst_task
				(id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid)
				SELECT id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid
				FROM sch_task
				WHERE id = ANY($1) AND (status = ANY($2) OR right(status, 8) = '_DELETED')
				ON CONFLICT (id) DO NOTHING`, idInts(ids), terminal)
			if err != nil {
				return false, xerrors.Errorf("archiving tasks: %w", err)
			}
		}
		removed, err = tx.Exec(`DELETE FROM sch_task
			WHERE id = ANY($1) AND (status = ANY($2) OR right(status, 8) = '_DELETED')`, idInts(ids), terminal)
		if err != nil {
			return false, xerrors.Errorf("deleting tasks: %w", err)
		}
		return true, nil
	}, harmonydb.OptionRetry())
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) Archived(ctx context.Context, ids []schtypes.TaskID) ([]schtypes.Task, error) {
	var out []schtypes.Task
	err := s.db.Select(ctx, &out, `SELECT id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid
		FROM hst_task WHERE id = ANY($1) ORDER BY id`, idInts(ids))
	if err != nil {
		return nil, xerrors.Errorf("querying archive: %w", err)
	}
	return out, nil
}

func (s *Store) Setting(ctx context.Context, name string) (string, bool, error) {
	var values []string
	if err := s.db.Select(ctx, &values, `SELECT value FROM sch_status WHERE name = $1`, name); err != nil {
		return "", false, xerrors.Errorf("reading setting %s: %w", name, err)
	}
	if len(values) == 0 {
		return "", false, nil
	}
	return values[0], true, nil
}

func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO sch_status (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, name, value)
	if err != nil {
		return xerrors.Errorf("writing setting %s: %w", name, err)
	}
	return nil
}

func (s *Store) UpsertHost(ctx context.Context, h schtypes.Host) error {
	_, err := s.db.Exec(ctx, `INSERT INTO sch_host (host_name, session, cpu, ram, version, started, last_contact)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (host_name) DO UPDATE SET
			session = EXCLUDED.session, cpu = EXCLUDED.cpu, ram = EXCLUDED.ram,
			version = EXCLUDED.version, started = EXCLUDED.started, last_contact = EXCLUDED.last_contact`,
		h.Name, h.Session, h.CPU, int64(h.RAM), h.Version, h.Started, h.LastContact)
	if err != nil {
		return xerrors.Errorf("registering host %s: %w", h.Name, err)
	}
	return nil
}

func (s *Store) HostHeartbeat(ctx context.Context, name, session string, at time.Time) error {
	n, err := s.db.Exec(ctx, `UPDATE sch_host SET last_contact = $1 WHERE host_name = $2 AND session = $3`, at, name, session)
	if err != nil {
		return xerrors.Errorf("host heartbeat: %w", err)
	}
	if n == 0 {
		return xerrors.Errorf("host %s is not registered with session %s", name, session)
	}
	return nil
}

func (s *Store) CleanupHosts(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM sch_host WHERE last_contact < $1`, olderThan)
	if err != nil {
		return 0, xerrors.Errorf("cleaning up hosts: %w", err)
	}
	return n, nil
}

func (s *Store) Hosts(ctx context.Context) ([]schtypes.Host, error) {
	var out []schtypes.Host
	err := s.db.Select(ctx, &out, `SELECT host_name, session, cpu, ram, version, started, last_contact
		FROM sch_host ORDER BY host_name`)
	if err != nil {
		return nil, xerrors.Errorf("listing hosts: %w", err)
	}
	return out, nil
}

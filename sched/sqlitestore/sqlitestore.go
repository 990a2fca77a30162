// Package sqlitestore is the single-host task store, a SQLite file opened
// through lib/sqlite. Timestamps are stored as unix milliseconds.
package sqlitestore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/lib/sqlite"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var log = logging.Logger("sqlitestore")

const taskColumns = `id, proc, user_name, arguments, runtime, sleeptime, status, progress, priority, host, sequenceid`

const taskTableBody = ` (
	id INTEGER PRIMARY KEY %s,
	proc TEXT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	arguments BLOB,
	runtime INTEGER NOT NULL,
	sleeptime TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	host TEXT NOT NULL DEFAULT '',
	sequenceid INTEGER
)`

var ddls = []string{
	`CREATE TABLE IF NOT EXISTS sch_task` + strings.Replace(taskTableBody, "%s", "AUTOINCREMENT", 1),
	`CREATE INDEX IF NOT EXISTS sch_task_status_runtime ON sch_task (status, runtime)`,
	`CREATE INDEX IF NOT EXISTS sch_task_host_status ON sch_task (host, status)`,
	`CREATE INDEX IF NOT EXISTS sch_task_sequenceid ON sch_task (sequenceid)`,

	`CREATE TABLE IF NOT EXISTS hst_task` + strings.Replace(taskTableBody, "%s", "", 1),

	`CREATE TABLE IF NOT EXISTS sch_status (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sch_host (
		host_name TEXT PRIMARY KEY,
		session TEXT NOT NULL,
		cpu INTEGER NOT NULL,
		ram INTEGER NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		started INTEGER NOT NULL,
		last_contact INTEGER NOT NULL
	)`,
}

type Store struct {
	db *sql.DB
}

var _ schtypes.Backend = (*Store)(nil)

// Open opens or creates the task database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening task store: %w", err)
	}
	if err := sqlite.InitDb(ctx, "task store", db, ddls, nil); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("initializing task store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (schtypes.Task, error) {
	var (
		t       schtypes.Task
		runtime int64
		seq     sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Proc, &t.User, &t.Arguments, &runtime, &t.Sleeptime, &t.Status, &t.Progress, &t.Priority, &t.Host, &seq)
	if err != nil {
		return schtypes.Task{}, err
	}
	t.Runtime = fromMillis(runtime)
	if seq.Valid {
		v := seq.Int64
		t.SequenceID = &v
	}
	return t, nil
}

func (s *Store) Insert(ctx context.Context, t schtypes.Task) (schtypes.TaskID, error) {
	if t.Status == "" {
		t.Status = schtypes.StatusWaiting
	}
	var seq sql.NullInt64
	if t.SequenceID != nil {
		seq = sql.NullInt64{Int64: *t.SequenceID, Valid: true}
	}
	var id any
	if t.ID != 0 {
		id = int64(t.ID)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO sch_task (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.Proc, t.User, t.Arguments, millis(t.Runtime), t.Sleeptime, string(t.Status), t.Progress, t.Priority, t.Host, seq)
	if err != nil {
		return 0, xerrors.Errorf("inserting task: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Errorf("reading task id: %w", err)
	}
	return schtypes.TaskID(newID), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const familyExpr = `CASE WHEN instr(proc, ':') > 0 THEN substr(proc, 1, instr(proc, ':') - 1) ELSE proc END`

func filterClause(f schtypes.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, int64(id))
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Families) > 0 {
		where = append(where, familyExpr+" IN ("+placeholders(len(f.Families))+")")
		for _, fam := range f.Families {
			args = append(args, fam)
		}
	}
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	if !f.RuntimeBefore.IsZero() {
		where = append(where, "runtime < ?")
		args = append(args, millis(f.RuntimeBefore))
	}
	if !f.RuntimeFrom.IsZero() {
		where = append(where, "runtime >= ?")
		args = append(args, millis(f.RuntimeFrom))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *Store) Snapshot(ctx context.Context, f schtypes.Filter) ([]schtypes.Task, error) {
	where, args := filterClause(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM sch_task`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, xerrors.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []schtypes.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id schtypes.TaskID) (schtypes.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sch_task WHERE id = ?`, int64(id)))
	if xerrors.Is(err, sql.ErrNoRows) {
		return schtypes.Task{}, xerrors.Errorf("task %d: %w", id, schtypes.ErrNotFound)
	}
	if err != nil {
		return schtypes.Task{}, xerrors.Errorf("reading task %d: %w", id, err)
	}
	return t, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id schtypes.TaskID, to, from schtypes.Status) (bool, error) {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE sch_task SET status = ? WHERE id = ? AND status = ?`, string(to), int64(id), string(from)))
	if err != nil {
		return false, xerrors.Errorf("setting task %d status %s -> %s: %w", id, from, to, err)
	}
	return ok, nil
}

func (s *Store) Claim(ctx context.Context, id schtypes.TaskID, host string) (bool, error) {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE sch_task SET host = ?, status = 'SCHEDULED'
		WHERE id = ? AND status = 'WAITING' AND host = ''`, host, int64(id)))
	if err != nil {
		return false, xerrors.Errorf("claiming task %d: %w", id, err)
	}
	return ok, nil
}

func (s *Store) Requeue(ctx context.Context, id schtypes.TaskID, from schtypes.Status) (bool, error) {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE sch_task SET host = '', status = 'WAITING'
		WHERE id = ? AND status = ?`, int64(id), string(from)))
	if err != nil {
		return false, xerrors.Errorf("requeueing task %d from %s: %w", id, from, err)
	}
	return ok, nil
}

func (s *Store) SetField(ctx context.Context, id schtypes.TaskID, field schtypes.Field, value any) error {
	if err := schtypes.CheckField(field, value); err != nil {
		return err
	}
	if ts, ok := value.(time.Time); ok {
		value = millis(ts)
	}

	var query string
	switch field {
	case schtypes.FieldProgress:
		query = `UPDATE sch_task SET progress = ? WHERE id = ?`
	case schtypes.FieldPriority:
		query = `UPDATE sch_task SET priority = ? WHERE id = ?`
	case schtypes.FieldHost:
		query = `UPDATE sch_task SET host = ? WHERE id = ?`
	case schtypes.FieldRuntime:
		query = `UPDATE sch_task SET runtime = ? WHERE id = ?`
	}
	ok, err := affected(s.db.ExecContext(ctx, query, value, int64(id)))
	if err != nil {
		return xerrors.Errorf("setting task %d %s: %w", id, field, err)
	}
	if !ok {
		return xerrors.Errorf("task %d: %w", id, schtypes.ErrNotFound)
	}
	return nil
}

func terminalClause() (string, []any) {
	args := make([]any, 0, len(schtypes.TerminalStatuses))
	for _, st := range schtypes.TerminalStatuses {
		args = append(args, string(st))
	}
	return `(status IN (` + placeholders(len(args)) + `) OR substr(status, -8) = '` + schtypes.DeletedSuffix + `')`, args
}

func (s *Store) DeleteOrArchive(ctx context.Context, ids []schtypes.TaskID, archive bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	terminal, targs := terminalClause()
	where := ` WHERE id = ? AND ` + terminal

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n := 0
	for _, id := range ids {
		args := append([]any{int64(id)}, targs...)
		if archive {
			if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO hst_task (`+taskColumns+`)
				SELECT `+taskColumns+` FROM sch_task`+where, args...); err != nil {
				return 0, xerrors.Errorf("archiving task %d: %w", id, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sch_task`+where, args...)
		if err != nil {
			return 0, xerrors.Errorf("deleting task %d: %w", id, err)
		}
		ct, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		n += int(ct)
	}

	if err := tx.Commit(); err != nil {
		return 0, xerrors.Errorf("committing gc: %w", err)
	}
	log.Debugw("removed tasks", "count", n, "archive", archive)
	return n, nil
}

func (s *Store) Archived(ctx context.Context, ids []schtypes.TaskID) ([]schtypes.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, int64(id))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM hst_task WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, xerrors.Errorf("querying archive: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []schtypes.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Setting(ctx context.Context, name string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sch_status WHERE name = ?`, name).Scan(&v)
	if xerrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Errorf("reading setting %s: %w", name, err)
	}
	return v, true, nil
}

func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sch_status (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return xerrors.Errorf("writing setting %s: %w", name, err)
	}
	return nil
}

func (s *Store) UpsertHost(ctx context.Context, h schtypes.Host) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sch_host (host_name, session, cpu, ram, version, started, last_contact)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host_name) DO UPDATE SET
			session = excluded.session, cpu = excluded.cpu, ram = excluded.ram,
			version = excluded.version, started = excluded.started, last_contact = excluded.last_contact`,
		h.Name, h.Session, h.CPU, int64(h.RAM), h.Version, millis(h.Started), millis(h.LastContact))
	if err != nil {
		return xerrors.Errorf("registering host %s: %w", h.Name, err)
	}
	return nil
}

func (s *Store) HostHeartbeat(ctx context.Context, name, session string, at time.Time) error {
	ok, err := affected(s.db.ExecContext(ctx, `UPDATE sch_host SET last_contact = ? WHERE host_name = ? AND session = ?`, millis(at), name, session))
	if err != nil {
		return xerrors.Errorf("host heartbeat: %w", err)
	}
	if !ok {
		return xerrors.Errorf("host %s is not registered with session %s", name, session)
	}
	return nil
}

func (s *Store) CleanupHosts(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sch_host WHERE last_contact < ?`, millis(olderThan))
	if err != nil {
		return 0, xerrors.Errorf("cleaning up hosts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Hosts(ctx context.Context) ([]schtypes.Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host_name, session, cpu, ram, version, started, last_contact FROM sch_host ORDER BY host_name`)
	if err != nil {
		return nil, xerrors.Errorf("listing hosts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []schtypes.Host
	for rows.Next() {
		var h schtypes.Host
		var ram, started, contact int64
		if err := rows.Scan(&h.Name, &h.Session, &h.CPU, &ram, &h.Version, &started, &contact); err != nil {
			return nil, err
		}
		h.RAM = uint64(ram)
		h.Started = fromMillis(started)
		h.LastContact = fromMillis(contact)
		out = append(out, h)
	}
	return out, rows.Err()
}

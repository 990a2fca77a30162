package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA mmap_size = 30000000000",
	"PRAGMA page_size = 32768",
	"PRAGMA auto_vacuum = NONE",
	"PRAGMA automatic_index = OFF",
	"PRAGMA journal_mode = WAL",
	"PRAGMA wal_autocheckpoint = 256", // checkpoint @ 256 pages
	"PRAGMA journal_size_limit = 0",   // always reset journal and wal files
	"PRAGMA foreign_keys = ON",
}

const metaTableDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// Open opens a database at the given path. If the database does not exist, it will be created.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, xerrors.Errorf("error creating database base directory [@ %s]: %w", path, err)
	}

	db, err := sql.Open("sqlite3", path+"?mode=rwc&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, xerrors.Errorf("error opening database [@ %s]: %w", path, err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("error setting database pragma %q: %w", pragma, err)
		}
	}

	var foreignKeysEnabled int
	if err := db.QueryRow("SELECT foreign_keys FROM pragma_foreign_keys").Scan(&foreignKeysEnabled); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to check foreign keys setting: %w", err)
	}
	if foreignKeysEnabled == 0 {
		_ = db.Close()
		return nil, xerrors.Errorf("foreign keys are not enabled for database [@ %s]", path)
	}

	log.Infof("Database [@ %s] opened successfully with foreign keys enabled", path)

	return db, nil
}

// InitDb initializes the database by checking whether it needs to be created or upgraded.
// The ddls are the DDL statements to create the tables in the database and their initial required
// content. The schemaVersion will be set inside the database if it is newly created. Otherwise, the
// version is read from the database and returned. This value should be checked against the expected
// version to determine if the database needs to be upgraded.
// It is up to the caller to close the database if an error is returned by this function.
func InitDb(
	ctx context.Context,
	name string,
	db *sql.DB,
	ddls []string,
	versionMigrations []MigrationFunc,
) error {

	schemaVersion := len(versionMigrations) + 1

	var metaName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='_meta';").Scan(&metaName)
	switch {
	case err == nil:
		// not a new database, check the schema version and run migrations if necessary
		return migrate(ctx, name, db, schemaVersion, versionMigrations)
	case !xerrors.Is(err, sql.ErrNoRows):
		return xerrors.Errorf("error looking for %s database _meta table: %w", name, err)
	}

	// create tables

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("error beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, metaTableDdl); err != nil {
		return xerrors.Errorf("creating _meta table: %w", err)
	}

	for _, ddl := range ddls {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return xerrors.Errorf("exec ddl %q: %w", ddl, err)
		}
	}
	for v := 1; v <= schemaVersion; v++ {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO _meta (version) VALUES (?)", v); err != nil {
			return xerrors.Errorf("recording schema version %d: %w", v, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("committing transaction: %w", err)
	}

	return nil
}

func migrate(ctx context.Context, name string, db *sql.DB, schemaVersion int, versionMigrations []MigrationFunc) error {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT max(version) FROM _meta").Scan(&version); err != nil {
		return xerrors.Errorf("error getting %s database version: %w", name, err)
	}

	if version > schemaVersion {
		return xerrors.Errorf("invalid %s database version: version %d is greater than the number of migrations %d", name, version, len(versionMigrations))
	}

	if version == schemaVersion {
		return nil
	}

	log.Infof("Upgrading %s database from version %d to %d", name, version, schemaVersion)
	start := time.Now()

	for i := version; i < schemaVersion; i++ {
		log.Infof("Migrating %s database to version %d...", name, i+1)
		now := time.Now()

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("error beginning transaction: %w", err)
		}

		if err := versionMigrations[i-1](ctx, tx); err != nil {
			_ = tx.Rollback()
			return xerrors.Errorf("error migrating %s database to version %d: %w", name, i+1, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO _meta (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return xerrors.Errorf("error updating %s database version: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			return xerrors.Errorf("error committing %s database migration transaction: %w", name, err)
		}

		log.Infof("Successfully migrated %s database from version %d to %d in %s", name, i, i+1, time.Since(now))
	}

	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		log.Warnf("error vacuuming %s database: %s", name, err)
	}

	log.Infof("Successfully upgraded %s database from version %d to %d in %s", name, version, schemaVersion, time.Since(start))
	return nil
}

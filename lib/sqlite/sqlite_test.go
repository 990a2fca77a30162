package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/lib/sqlite"
)

func TestInitDbMigrations(t *testing.T) {
	req := require.New(t)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS task (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			proc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_log (
		 	task_id INTEGER NOT NULL,
			message TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES task(id)
		 )`,
		`CREATE INDEX IF NOT EXISTS task_proc_index ON task (proc)`,
	}

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "/test.db")

	db, err := sqlite.Open(dbPath)
	req.NoError(err)
	req.NotNil(db)

	err = sqlite.InitDb(context.Background(), "task store", db, ddl, nil)
	req.NoError(err)

	// insert some data

	r, err := db.Exec("INSERT INTO task (proc) VALUES ('bibupload')")
	req.NoError(err)
	id, err := r.LastInsertId()
	req.NoError(err)
	req.Equal(int64(1), id)
	_, err = db.Exec("INSERT INTO task_log (task_id, message) VALUES (?, 'started')", id)
	req.NoError(err)
	r, err = db.Exec("INSERT INTO task (proc) VALUES ('bibindex')")
	req.NoError(err)
	id, err = r.LastInsertId()
	req.NoError(err)
	req.Equal(int64(2), id)
	_, err = db.Exec("INSERT INTO task_log (task_id, message) VALUES (?, 'indexing')", id)
	req.NoError(err)

	// check that the db contains what we think it should

	expectedIndexes := []string{"task_proc_index"}

	expectedData := []tabledata{
		{
			name: "_meta",
			cols: []string{"version"},
			data: [][]interface{}{
				{int64(1)},
			},
		},
		{
			name: "task",
			cols: []string{"id", "proc"},
			data: [][]interface{}{
				{int64(1), "bibupload"},
				{int64(2), "bibindex"},
			},
		},
		{
			name: "task_log",
			cols: []string{"task_id", "message"},
			data: [][]interface{}{
				{int64(1), "started"},
				{int64(2), "indexing"},
			},
		},
	}

	actualIndexes, actualData := dumpTables(t, db)
	req.Equal(expectedIndexes, actualIndexes)
	req.Equal(expectedData, actualData)

	req.NoError(db.Close())

	// open again, check contents is the same

	db, err = sqlite.Open(dbPath)
	req.NoError(err)
	req.NotNil(db)

	err = sqlite.InitDb(context.Background(), "task store", db, ddl, nil)
	req.NoError(err)

	// database should contain the same things

	actualIndexes, actualData = dumpTables(t, db)
	req.Equal(expectedIndexes, actualIndexes)
	req.Equal(expectedData, actualData)

	req.NoError(db.Close())

	// open again, with a migration

	db, err = sqlite.Open(dbPath)
	req.NoError(err)
	req.NotNil(db)

	migration1 := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.Exec("ALTER TABLE task ADD COLUMN sleeptime TEXT NOT NULL DEFAULT ''")
		return err
	}

	err = sqlite.InitDb(context.Background(), "task store", db, ddl, []sqlite.MigrationFunc{migration1})
	req.NoError(err)

	// also add something new
	r, err = db.Exec("INSERT INTO task (proc, sleeptime) VALUES ('webcoll', '+1h')")
	req.NoError(err)
	id, err = r.LastInsertId()
	req.NoError(err)
	_, err = db.Exec("INSERT INTO task_log (task_id, message) VALUES (?, 'sleeping')", id)
	req.NoError(err)

	// database should contain new stuff

	expectedData[0].data = append(expectedData[0].data, []interface{}{int64(2)}) // _meta schema version 2
	expectedData[1] = tabledata{
		name: "task",
		cols: []string{"id", "proc", "sleeptime"},
		data: [][]interface{}{
			{int64(1), "bibupload", ""},
			{int64(2), "bibindex", ""},
			{int64(3), "webcoll", "+1h"},
		},
	}
	expectedData[2].data = append(expectedData[2].data, []interface{}{int64(3), "sleeping"})

	actualIndexes, actualData = dumpTables(t, db)
	req.Equal(expectedIndexes, actualIndexes)
	req.Equal(expectedData, actualData)

	req.NoError(db.Close())

	// open again, with another migration

	db, err = sqlite.Open(dbPath)
	req.NoError(err)
	req.NotNil(db)

	migration2 := func(ctx context.Context, tx *sql.Tx) error {
		// add an index
		_, err := tx.Exec("CREATE INDEX IF NOT EXISTS task_sleeptime_index ON task (sleeptime)")
		return err
	}

	err = sqlite.InitDb(context.Background(), "task store", db, ddl, []sqlite.MigrationFunc{migration1, migration2})
	req.NoError(err)

	// database should contain new stuff

	expectedData[0].data = append(expectedData[0].data, []interface{}{int64(3)}) // _meta schema version 3
	expectedIndexes = append(expectedIndexes, "task_sleeptime_index")

	actualIndexes, actualData = dumpTables(t, db)
	req.Equal(expectedIndexes, actualIndexes)
	req.Equal(expectedData, actualData)

	req.NoError(db.Close())
}

func dumpTables(t *testing.T, db *sql.DB) ([]string, []tabledata) {
	req := require.New(t)

	var indexes []string
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index'")
	req.NoError(err)
	for rows.Next() {
		var name string
		err = rows.Scan(&name)
		req.NoError(err)
		if !strings.Contains(name, "sqlite_autoindex") {
			indexes = append(indexes, name)
		}
	}

	var data []tabledata
	rows, err = db.Query("SELECT name, sql FROM sqlite_master WHERE type = 'table'")
	req.NoError(err)
	for rows.Next() {
		var name, sql string
		err = rows.Scan(&name, &sql)
		req.NoError(err)
		if strings.HasPrefix(name, "sqlite") {
			continue
		}
		sqla := strings.Split(sql, "\n")
		cols := []string{}
		for _, s := range sqla {
			// alter table does funky things to the sql, hence the "," ReplaceAll:
			s = strings.Split(strings.TrimSpace(strings.ReplaceAll(s, ",", "")), " ")[0]
			switch s {
			case "CREATE", "FOREIGN", "", ")":
			default:
				cols = append(cols, s)
			}
		}
		data = append(data, tabledata{name: name, cols: cols})
		rows2, err := db.Query("SELECT * FROM " + name)
		req.NoError(err)
		for rows2.Next() {
			vals := make([]interface{}, len(cols))
			vals2 := make([]interface{}, len(cols))
			for i := range vals {
				vals[i] = &vals2[i]
			}
			err = rows2.Scan(vals...)
			req.NoError(err)
			data[len(data)-1].data = append(data[len(data)-1].data, vals2)
		}
	}
	return indexes, data
}

type tabledata struct {
	name string
	cols []string
	data [][]interface{}
}

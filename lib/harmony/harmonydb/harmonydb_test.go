package harmonydb

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	hosts := os.Getenv("BIBSCHED_HARMONYDB_HOSTS")
	if hosts == "" {
		t.Skip("BIBSCHED_HARMONYDB_HOSTS not set")
	}
	db, err := New(strings.Split(hosts, ","), "yugabyte", "yugabyte", "yugabyte", "5433", ITestNewID())
	require.NoError(t, err)
	t.Cleanup(db.ITestDeleteAll)
	return db
}

func TestUpgradeIsIdempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.upgrade())

	var entries []struct{ Entry string }
	require.NoError(t, db.Select(context.Background(), &entries, "SELECT entry FROM base ORDER BY entry"))
	require.Len(t, entries, 2)
	require.Equal(t, "20240601-tasks.sql", entries[0].Entry)
}

func TestTransactionRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	committed, err := db.BeginTransaction(ctx, func(tx *Tx) (bool, error) {
		n, err := tx.Exec("INSERT INTO sch_status (name, value) VALUES ($1, $2)", "mode", "auto")
		require.NoError(t, err)
		require.Equal(t, 1, n)
		return false, nil
	})
	require.NoError(t, err)
	require.False(t, committed)

	var values []string
	require.NoError(t, db.Select(ctx, &values, "SELECT value FROM sch_status"))
	require.Empty(t, values)

	_, err = db.Exec(ctx, "INSERT INTO sch_status (name, value) VALUES ($1, $2)", "mode", "auto")
	require.NoError(t, err)
	_, err = db.Exec(ctx, "INSERT INTO sch_status (name, value) VALUES ($1, $2)", "mode", "manual")
	require.True(t, IsErrUniqueContraint(err))
}

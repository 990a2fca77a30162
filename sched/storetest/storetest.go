// Package storetest holds the behaviour every task store must share.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

// Factory returns an empty backend. It is called once per sub-test.
type Factory func(t *testing.T) schtypes.Backend

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against the backend produced by mk.
func Run(t *testing.T, mk Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, schtypes.Backend)
	}{
		{"InsertGet", testInsertGet},
		{"GetMissing", testGetMissing},
		{"SnapshotFilter", testSnapshotFilter},
		{"CompareAndSetStatus", testCompareAndSetStatus},
		{"Claim", testClaim},
		{"ClaimRace", testClaimRace},
		{"Requeue", testRequeue},
		{"SetField", testSetField},
		{"DeleteOrArchive", testDeleteOrArchive},
		{"Settings", testSettings},
		{"Hosts", testHosts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := mk(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func seq(v int64) *int64 { return &v }

func insert(t *testing.T, s schtypes.Backend, task schtypes.Task) schtypes.TaskID {
	if task.Runtime.IsZero() {
		task.Runtime = base
	}
	id, err := s.Insert(context.Background(), task)
	require.NoError(t, err)
	return id
}

func testInsertGet(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()

	id := insert(t, s, schtypes.Task{
		Proc:       "bibupload",
		User:       "admin",
		Arguments:  []byte(`["-r","/tmp/upload.xml"]`),
		Runtime:    base.Add(90 * time.Second),
		Sleeptime:  "+1d",
		Priority:   3,
		SequenceID: seq(7),
	})
	require.NotZero(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, "bibupload", got.Proc)
	require.Equal(t, "admin", got.User)
	require.Equal(t, []byte(`["-r","/tmp/upload.xml"]`), got.Arguments)
	require.True(t, base.Add(90*time.Second).Equal(got.Runtime), "runtime %s", got.Runtime)
	require.Equal(t, "+1d", got.Sleeptime)
	require.Equal(t, schtypes.StatusWaiting, got.Status)
	require.Equal(t, 3, got.Priority)
	require.Empty(t, got.Host)
	require.NotNil(t, got.SequenceID)
	require.EqualValues(t, 7, *got.SequenceID)

	second := insert(t, s, schtypes.Task{Proc: "webcoll"})
	require.Greater(t, second, id)

	got, err = s.Get(ctx, second)
	require.NoError(t, err)
	require.Nil(t, got.SequenceID)
}

func testGetMissing(t *testing.T, s schtypes.Backend) {
	_, err := s.Get(context.Background(), 4242)
	require.ErrorIs(t, err, schtypes.ErrNotFound)
}

func testSnapshotFilter(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()

	a := insert(t, s, schtypes.Task{Proc: "bibindex:fast", Runtime: base})
	b := insert(t, s, schtypes.Task{Proc: "bibindex", Status: schtypes.StatusRunning, Host: "h1", Runtime: base.Add(time.Hour)})
	c := insert(t, s, schtypes.Task{Proc: "webcoll", Status: schtypes.StatusSleeping, Host: "h2", Runtime: base.Add(2 * time.Hour)})
	d := insert(t, s, schtypes.Task{Proc: "bibupload", Status: schtypes.StatusDone, Host: "h1", Runtime: base.Add(-time.Hour)})

	ids := func(f schtypes.Filter) []schtypes.TaskID {
		tasks, err := s.Snapshot(ctx, f)
		require.NoError(t, err)
		out := make([]schtypes.TaskID, 0, len(tasks))
		for _, tk := range tasks {
			out = append(out, tk.ID)
		}
		return out
	}

	require.Equal(t, []schtypes.TaskID{a, b, c, d}, ids(schtypes.Filter{}))
	require.Equal(t, []schtypes.TaskID{b, c}, ids(schtypes.Filter{Statuses: []schtypes.Status{schtypes.StatusRunning, schtypes.StatusSleeping}}))
	require.Equal(t, []schtypes.TaskID{a, b}, ids(schtypes.Filter{Families: []string{"bibindex"}}))
	require.Equal(t, []schtypes.TaskID{b, d}, ids(schtypes.Filter{Host: "h1"}))
	require.Equal(t, []schtypes.TaskID{d}, ids(schtypes.Filter{RuntimeBefore: base}))
	require.Equal(t, []schtypes.TaskID{a, b}, ids(schtypes.Filter{RuntimeFrom: base, RuntimeBefore: base.Add(2 * time.Hour)}))
	require.Equal(t, []schtypes.TaskID{c}, ids(schtypes.Filter{IDs: []schtypes.TaskID{c, 999}}))
	require.Empty(t, ids(schtypes.Filter{Families: []string{"bibindex"}, Host: "h2"}))
}

func testCompareAndSetStatus(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()
	id := insert(t, s, schtypes.Task{Proc: "bibrank", Status: schtypes.StatusRunning, Host: "h1"})

	ok, err := s.CompareAndSetStatus(ctx, id, schtypes.StatusAboutToSleep, schtypes.StatusWaiting)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndSetStatus(ctx, id, schtypes.StatusAboutToSleep, schtypes.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schtypes.StatusAboutToSleep, got.Status)
	require.Equal(t, "h1", got.Host)

	ok, err = s.CompareAndSetStatus(ctx, 4242, schtypes.StatusDone, schtypes.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok)
}

func testClaim(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()
	waiting := insert(t, s, schtypes.Task{Proc: "bibupload"})
	bound := insert(t, s, schtypes.Task{Proc: "bibupload", Host: "other"})
	running := insert(t, s, schtypes.Task{Proc: "bibupload", Status: schtypes.StatusRunning, Host: "h1"})

	ok, err := s.Claim(ctx, waiting, "h1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, waiting)
	require.NoError(t, err)
	require.Equal(t, schtypes.StatusScheduled, got.Status)
	require.Equal(t, "h1", got.Host)

	ok, err = s.Claim(ctx, waiting, "h2")
	require.NoError(t, err)
	require.False(t, ok, "already claimed")

	ok, err = s.Claim(ctx, bound, "h1")
	require.NoError(t, err)
	require.False(t, ok, "host is set")

	ok, err = s.Claim(ctx, running, "h1")
	require.NoError(t, err)
	require.False(t, ok, "not waiting")
}

func testClaimRace(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()
	id := insert(t, s, schtypes.Task{Proc: "bibupload"})

	var wins atomic.Int32
	var winner atomic.Value
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		host := fmt.Sprintf("host%d", i)
		eg.Go(func() error {
			ok, err := s.Claim(ctx, id, host)
			if err != nil {
				return err
			}
			if ok {
				wins.Add(1)
				winner.Store(host)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.EqualValues(t, 1, wins.Load())

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, winner.Load(), got.Host)
}

func testRequeue(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()
	scheduled := insert(t, s, schtypes.Task{Proc: "bibindex", Status: schtypes.StatusScheduled, Host: "h1"})
	stranded := insert(t, s, schtypes.Task{Proc: "bibindex", Host: "h1"})

	ok, err := s.Requeue(ctx, scheduled, schtypes.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok, "status moved on")

	ok, err = s.Requeue(ctx, scheduled, schtypes.StatusScheduled)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, scheduled)
	require.NoError(t, err)
	require.Equal(t, schtypes.StatusWaiting, got.Status)
	require.Empty(t, got.Host)

	ok, err = s.Requeue(ctx, stranded, schtypes.StatusWaiting)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, stranded, "h2")
	require.NoError(t, err)
	require.True(t, ok, "a released task is claimable again")

	ok, err = s.Requeue(ctx, 4242, schtypes.StatusScheduled)
	require.NoError(t, err)
	require.False(t, ok)
}

func testSetField(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()
	id := insert(t, s, schtypes.Task{Proc: "oaiharvest"})

	require.NoError(t, s.SetField(ctx, id, schtypes.FieldProgress, "harvested 10 records"))
	require.NoError(t, s.SetField(ctx, id, schtypes.FieldPriority, 9))
	require.NoError(t, s.SetField(ctx, id, schtypes.FieldHost, "h3"))
	require.NoError(t, s.SetField(ctx, id, schtypes.FieldRuntime, base.Add(time.Minute)))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "harvested 10 records", got.Progress)
	require.Equal(t, 9, got.Priority)
	require.Equal(t, "h3", got.Host)
	require.True(t, base.Add(time.Minute).Equal(got.Runtime))

	require.ErrorIs(t, s.SetField(ctx, id, schtypes.FieldPriority, "high"), schtypes.ErrBadField)
	require.ErrorIs(t, s.SetField(ctx, id, schtypes.Field("status"), "DONE"), schtypes.ErrBadField)
	require.ErrorIs(t, s.SetField(ctx, 4242, schtypes.FieldPriority, 1), schtypes.ErrNotFound)
}

func testDeleteOrArchive(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()
	done := insert(t, s, schtypes.Task{Proc: "bibupload", Status: schtypes.StatusDone, Host: "h1", Progress: "Done."})
	deleted := insert(t, s, schtypes.Task{Proc: "webcoll", Status: schtypes.StatusError.WithDeleted(), Host: "h1"})
	running := insert(t, s, schtypes.Task{Proc: "bibupload", Status: schtypes.StatusRunning, Host: "h1"})

	n, err := s.DeleteOrArchive(ctx, []schtypes.TaskID{done, running}, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, done)
	require.ErrorIs(t, err, schtypes.ErrNotFound)
	_, err = s.Get(ctx, running)
	require.NoError(t, err)

	archived, err := s.Archived(ctx, []schtypes.TaskID{done, running})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Equal(t, done, archived[0].ID)
	require.Equal(t, "Done.", archived[0].Progress)
	require.Equal(t, schtypes.StatusDone, archived[0].Status)

	n, err = s.DeleteOrArchive(ctx, []schtypes.TaskID{deleted}, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	archived, err = s.Archived(ctx, []schtypes.TaskID{deleted})
	require.NoError(t, err)
	require.Empty(t, archived)

	n, err = s.DeleteOrArchive(ctx, nil, false)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testSettings(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()

	_, ok, err := s.Setting(ctx, schtypes.SettingAutoMode)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, schtypes.SettingAutoMode, "1"))
	require.NoError(t, s.SetSetting(ctx, schtypes.SettingAutoMode, "0"))

	v, ok, err := s.Setting(ctx, schtypes.SettingAutoMode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0", v)
}

func testHosts(t *testing.T, s schtypes.Backend) {
	ctx := context.Background()

	h1 := schtypes.Host{Name: "h1", Session: "s1", CPU: 8, RAM: 16 << 30, Version: "1.3.0", Started: base, LastContact: base}
	h2 := schtypes.Host{Name: "h2", Session: "s2", CPU: 4, RAM: 8 << 30, Version: "1.3.0", Started: base, LastContact: base}
	require.NoError(t, s.UpsertHost(ctx, h1))
	require.NoError(t, s.UpsertHost(ctx, h2))

	require.NoError(t, s.HostHeartbeat(ctx, "h1", "s1", base.Add(time.Hour)))
	require.Error(t, s.HostHeartbeat(ctx, "h1", "stale", base.Add(time.Hour)))

	n, err := s.CleanupHosts(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	hosts, err := s.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.Equal(t, "h1", hosts[0].Name)
	require.Equal(t, 8, hosts[0].CPU)
	require.Equal(t, uint64(16<<30), hosts[0].RAM)
	require.True(t, base.Add(time.Hour).Equal(hosts[0].LastContact))

	// re-registering replaces the session
	h1.Session = "s3"
	require.NoError(t, s.UpsertHost(ctx, h1))
	require.NoError(t, s.HostHeartbeat(ctx, "h1", "s3", base.Add(2*time.Hour)))
}

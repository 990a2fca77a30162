package schtypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func task(id TaskID, proc string) Task {
	return Task{ID: id, Proc: proc, Status: StatusWaiting}
}

func TestUnsafe(t *testing.T) {
	r := NewRegistry(map[string]FamilyConfig{
		"bibupload": {Serial: true},
		"bibindex":  {},
	}, false, [][]string{{"bibrank", "webcoll:full"}}, nil)

	require.True(t, r.Unsafe(task(1, "bibindex"), task(2, "bibindex")))
	require.False(t, r.Unsafe(task(1, "bibindex:a"), task(2, "bibindex:b")), "sub-types split the lock")
	require.True(t, r.Unsafe(task(1, "bibupload:a"), task(2, "bibupload:b")), "serial families lock as a whole")
	require.True(t, r.Unsafe(task(1, "bibrank:x"), task(2, "webcoll:full")))
	require.False(t, r.Unsafe(task(1, "bibrank"), task(2, "webcoll")))
	require.False(t, r.Unsafe(task(1, "bibindex"), task(1, "bibindex")), "a task never conflicts with itself")
}

func TestNonConcurrent(t *testing.T) {
	r := NewRegistry(nil, false, nil, [][]string{{"bibreformat", "bibsort:full"}})

	require.True(t, r.NonConcurrent(task(1, "bibreformat:xm"), task(2, "bibsort:full")))
	require.False(t, r.NonConcurrent(task(1, "bibreformat"), task(2, "bibsort:fast")), "only the listed sub-type is a member")
	require.False(t, r.NonConcurrent(task(1, "bibreformat"), task(1, "bibreformat")))
	require.False(t, r.Unsafe(task(1, "bibreformat"), task(2, "bibsort:full")), "non-concurrent peers are not unsafe")
}

func TestAllowed(t *testing.T) {
	r := NewRegistry(map[string]FamilyConfig{
		"oaiharvest": {AllowedHosts: []string{"harvester"}},
		"bibindex":   {},
	}, false, nil, nil)

	require.True(t, r.Allowed(task(1, "oaiharvest"), "harvester"))
	require.False(t, r.Allowed(task(1, "oaiharvest:arxiv"), "node1"))
	require.True(t, r.Allowed(task(1, "bibindex"), "node1"))
	require.True(t, r.Allowed(task(1, "unknown"), "node1"))

	strict := NewRegistry(map[string]FamilyConfig{"bibindex": {}}, true, nil, nil)
	require.False(t, strict.Allowed(task(1, "unknown"), "node1"))
}

func TestGCFamilies(t *testing.T) {
	r := NewRegistry(map[string]FamilyConfig{
		"webcoll":   {GC: GCRemove},
		"bibupload": {GC: GCArchive},
		"bibindex":  {GC: GCArchive},
		"dbdump":    {},
	}, false, nil, nil)

	require.Equal(t, []string{"webcoll"}, r.GCFamilies(GCRemove))
	require.Equal(t, []string{"bibindex", "bibupload"}, r.GCFamilies(GCArchive))
	require.Equal(t, GCKeep, r.GCPolicy("nope"))

	p, err := ParseGCPolicy("archive")
	require.NoError(t, err)
	require.Equal(t, GCArchive, p)
	_, err = ParseGCPolicy("shred")
	require.Error(t, err)
}

func TestSortForAdmission(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []Task{
		{ID: 4, Priority: 1, Runtime: now},
		{ID: 3, Priority: 5, Runtime: now.Add(time.Minute)},
		{ID: 2, Priority: 5, Runtime: now},
		{ID: 1, Priority: 5, Runtime: now},
	}
	SortForAdmission(tasks)

	var ids []TaskID
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	require.Equal(t, []TaskID{1, 2, 3, 4}, ids)
}

func TestFilterMatch(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := Task{ID: 7, Proc: "bibindex:fast", Status: StatusDone, Host: "n1", Runtime: now}

	require.True(t, Filter{}.Match(tk))
	require.True(t, Filter{Families: []string{"bibindex"}, Statuses: []Status{StatusDone}}.Match(tk))
	require.False(t, Filter{Statuses: []Status{StatusWaiting}}.Match(tk))
	require.False(t, Filter{Host: "n2"}.Match(tk))
	require.False(t, Filter{RuntimeBefore: now}.Match(tk))
	require.True(t, Filter{RuntimeBefore: now.Add(time.Second)}.Match(tk))
	require.True(t, Filter{RuntimeFrom: now}.Match(tk))
	require.False(t, Filter{IDs: []TaskID{1, 2}}.Match(tk))
}

func TestCheckField(t *testing.T) {
	require.NoError(t, CheckField(FieldPriority, 3))
	require.Error(t, CheckField(FieldPriority, "3"))
	require.NoError(t, CheckField(FieldRuntime, time.Now()))
	require.Error(t, CheckField(Field("status"), "DONE"))
}

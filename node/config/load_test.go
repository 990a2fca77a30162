package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	req := require.New(t)

	def := DefaultBibSched()
	cfg, err := FromFile(os.DevNull, def)
	req.NoError(err, "error should be nil")
	req.Equal(def.Scheduler.RefreshInterval, cfg.Scheduler.RefreshInterval)
	req.Equal(def.Scheduler.PriorityFloor, cfg.Scheduler.PriorityFloor)
	req.Equal(def.Scheduler.StopPriority, cfg.Scheduler.StopPriority)
	req.NotContains(cfg.Scheduler.RunDir, "~", "paths are expanded")
	req.Equal("~/.bibsched/run", def.Scheduler.RunDir, "defaults are not expanded in place")

	cfg, err = FromFile(filepath.Join(t.TempDir(), "nope.toml"), DefaultBibSched())
	req.NoError(err, "error should be nil")
	req.Equal(DefaultBibSched().GC, cfg.GC)
}

func TestParitalConfig(t *testing.T) {
	req := require.New(t)
	cfgString := `
		[Scheduler]
		MaxConcurrentTasks = 3
		RefreshInterval = "1s"
		IncompatibleGroups = [["bibindex", "bibrank"]]
		NonConcurrentGroups = [["bibreformat", "bibsort"]]

		[Families.bibexport]
		FixedTime = true
		AllowedHosts = ["worker1"]
	`
	expected := DefaultBibSched()
	expected.Scheduler.MaxConcurrentTasks = 3
	expected.Scheduler.RefreshInterval = Duration(time.Second)
	expected.Scheduler.IncompatibleGroups = [][]string{{"bibindex", "bibrank"}}

	cfg, err := FromReader(bytes.NewReader([]byte(cfgString)), DefaultBibSched())
	req.NoError(err)
	req.Equal(expected.Scheduler.MaxConcurrentTasks, cfg.Scheduler.MaxConcurrentTasks)
	req.Equal(expected.Scheduler.RefreshInterval, cfg.Scheduler.RefreshInterval)
	req.Equal(expected.Scheduler.IncompatibleGroups, cfg.Scheduler.IncompatibleGroups)
	req.Equal([][]string{{"bibreformat", "bibsort"}}, cfg.Scheduler.NonConcurrentGroups)

	req.Equal(Family{FixedTime: true, AllowedHosts: []string{"worker1"}}, cfg.Families["bibexport"])
	req.True(cfg.Families["bibupload"].Serial, "defaults stay for families not mentioned")
	req.NotContains(DefaultBibSched().Families, "bibexport", "defaults must not be mutated")
}

func TestUnknownKeys(t *testing.T) {
	_, err := FromReader(bytes.NewReader([]byte("[Scheduler]\nMaxConcurentTasks = 3\n")), DefaultBibSched())
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BIBSCHED_SCHEDULER_HOSTNAME", "node7")
	t.Setenv("BIBSCHED_HARMONYDB_HOSTS", "db1,db2")
	t.Setenv("BIBSCHED_SCHEDULER_LAUNCHPOLLINTERVAL", "250ms")

	cfg, err := FromReader(bytes.NewReader(nil), DefaultBibSched())
	require.NoError(t, err)

	host, err := cfg.Hostname()
	require.NoError(t, err)
	require.Equal(t, "node7", host)
	require.Equal(t, []string{"db1", "db2"}, cfg.HarmonyDB.Hosts)
	require.Equal(t, Duration(250*time.Millisecond), cfg.Scheduler.LaunchPollInterval)
}

func TestDefaultRoundTrip(t *testing.T) {
	b, err := ConfigComment(DefaultBibSched())
	require.NoError(t, err)

	cfg, err := FromReader(bytes.NewReader(b), DefaultBibSched())
	require.NoError(t, err)
	require.Equal(t, DefaultBibSched().Families, cfg.Families)
}

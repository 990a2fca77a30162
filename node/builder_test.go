package node_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/node"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

func testConfig(t *testing.T) *config.BibSched {
	dir := t.TempDir()
	cfg := config.DefaultBibSched()
	cfg.Store.Driver = config.StoreMemory
	cfg.Journal.Path = dir
	cfg.Scheduler.Hostname = "node1"
	cfg.Scheduler.BinDir = filepath.Join(dir, "bin")
	cfg.Scheduler.RunDir = filepath.Join(dir, "run")
	cfg.Scheduler.LogDir = filepath.Join(dir, "log")
	return cfg
}

func TestBuildDaemon(t *testing.T) {
	ctx := context.Background()

	var (
		s       *sched.Scheduler
		backend schtypes.Backend
		al      *alerting.Alerting
	)
	stop, err := node.New(ctx,
		node.ConfigBibSched(testConfig(t)),
		node.Populate(&s, &backend, &al),
	)
	require.NoError(t, err)
	require.NotNil(t, s)

	hosts, err := backend.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.Equal(t, "node1", hosts[0].Name)

	// no executables in the temp bin dir
	var missing bool
	for _, a := range al.GetAlerts() {
		if a.Type.Subsystem == "missing-executable" {
			missing = a.Active
		}
	}
	require.True(t, missing)

	require.NoError(t, stop(ctx))
}

func TestPopulateNeedsConfig(t *testing.T) {
	var s *sched.Scheduler
	_, err := node.New(context.Background(), node.Populate(&s))
	require.Error(t, err)
}

func TestBadFamilyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Families["broken"] = config.Family{GC: "shred"}

	var s *sched.Scheduler
	_, err := node.New(context.Background(), node.ConfigBibSched(cfg), node.Populate(&s))
	require.Error(t, err)
}

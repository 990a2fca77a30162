package modules

import (
	"context"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/journal/fsjournal"
	"github.com/inveniosoftware/bibsched/lib/harmony/harmonydb"
	"github.com/inveniosoftware/bibsched/lib/harmony/resources"
	"github.com/inveniosoftware/bibsched/lib/retry"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/node/modules/dtypes"
	"github.com/inveniosoftware/bibsched/node/modules/helpers"
	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/memstore"
	"github.com/inveniosoftware/bibsched/sched/pgstore"
	"github.com/inveniosoftware/bibsched/sched/proc"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
	"github.com/inveniosoftware/bibsched/sched/sqlitestore"
)

var log = logging.Logger("modules")

func Hostname(cfg *config.BibSched) (dtypes.Hostname, error) {
	h, err := cfg.Hostname()
	if err != nil {
		return "", xerrors.Errorf("resolving hostname: %w", err)
	}
	return dtypes.Hostname(h), nil
}

// NewRegistry resolves the configured families.
func NewRegistry(cfg *config.BibSched) (*schtypes.Registry, error) {
	fams := make(map[string]schtypes.FamilyConfig, len(cfg.Families))
	for name, f := range cfg.Families {
		policy, err := schtypes.ParseGCPolicy(f.GC)
		if err != nil {
			return nil, xerrors.Errorf("family %s: %w", name, err)
		}
		fams[name] = schtypes.FamilyConfig{
			FixedTime:    f.FixedTime,
			Monotask:     f.Monotask,
			Serial:       f.Serial,
			AllowedHosts: f.AllowedHosts,
			GC:           policy,
		}
	}
	return schtypes.NewRegistry(fams, cfg.Scheduler.OnlyKnownFamilies,
		cfg.Scheduler.IncompatibleGroups, cfg.Scheduler.NonConcurrentGroups), nil
}

// OpenBackend connects to the configured task store. Connection failures to
// the shared database are retried.
func OpenBackend(ctx context.Context, cfg *config.BibSched) (schtypes.Backend, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		log.Warn("using the in-memory task store, nothing will be persisted")
		return memstore.New(), nil
	case config.StoreSQLite:
		return sqlitestore.Open(ctx, cfg.Store.SQLitePath)
	case config.StoreHarmonyDB, "":
		db, err := retry.Retry(ctx, 5, time.Second, []error{&net.OpError{}}, func() (*harmonydb.DB, error) {
			return harmonydb.NewFromConfig(cfg.HarmonyDB)
		})
		if err != nil {
			return nil, xerrors.Errorf("connecting to harmonydb: %w", err)
		}
		return pgstore.New(db), nil
	default:
		return nil, xerrors.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func Backend(lc fx.Lifecycle, mctx helpers.MetricsCtx, cfg *config.BibSched) (schtypes.Backend, error) {
	b, err := OpenBackend(helpers.LifecycleCtx(mctx, lc), cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return b.Close()
		},
	})
	return b, nil
}

func DisabledEvents(cfg *config.BibSched) (journal.DisabledEvents, error) {
	if cfg.Journal.DisabledEvents == "" {
		return journal.EnvDisabledEvents(), nil
	}
	return journal.ParseDisabledEvents(cfg.Journal.DisabledEvents)
}

func OpenFilesystemJournal(lc fx.Lifecycle, cfg *config.BibSched, disabled journal.DisabledEvents) (journal.Journal, error) {
	jrnl, err := fsjournal.OpenFSJournalPath(cfg.Journal.Path, disabled)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return jrnl.Close() },
	})

	return jrnl, err
}

func Launcher(cfg *config.BibSched) (*proc.Launcher, error) {
	return proc.New(proc.Config{
		BinDir: cfg.Scheduler.BinDir,
		RunDir: cfg.Scheduler.RunDir,
		LogDir: cfg.Scheduler.LogDir,
	})
}

func Controller(cfg *config.BibSched) *sched.Controller {
	return sched.NewController(sched.Limits{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		PriorityFloor:      cfg.Scheduler.PriorityFloor,
		StopPriority:       cfg.Scheduler.StopPriority,
	})
}

func Driver(cfg *config.BibSched, host dtypes.Hostname, store schtypes.Store, l sched.Launcher, reg *schtypes.Registry, j journal.Journal, al *alerting.Alerting) *sched.Driver {
	return sched.NewDriver(store, l, reg, sched.DriverConfig{
		Host:               string(host),
		LaunchPollAttempts: cfg.Scheduler.LaunchPollAttempts,
		LaunchPollInterval: time.Duration(cfg.Scheduler.LaunchPollInterval),
		ResumeAckTimeout:   time.Duration(cfg.Scheduler.ResumeAckTimeout),
	}, j, al)
}

func GCDefaults(cfg *config.BibSched) (sched.GCRequest, error) {
	req := sched.GCRequest{OlderThan: time.Duration(cfg.GC.OlderThan)}
	for _, s := range cfg.GC.Statuses {
		st := schtypes.Status(s)
		if !st.Valid() {
			return req, xerrors.Errorf("gc: unknown status %q", s)
		}
		req.Statuses = append(req.Statuses, st)
	}
	return req, nil
}

func GC(cfg *config.BibSched, store schtypes.Store, reg *schtypes.Registry, j journal.Journal) (*sched.GC, error) {
	def, err := GCDefaults(cfg)
	if err != nil {
		return nil, err
	}
	return sched.NewGC(store, reg, def, j), nil
}

func Scheduler(cfg *config.BibSched, store schtypes.Store, reg *schtypes.Registry, ctrl *sched.Controller, drv *sched.Driver, gc *sched.GC, al *alerting.Alerting, j journal.Journal) *sched.Scheduler {
	return sched.New(store, reg, ctrl, drv, gc, al, j, sched.Options{
		RefreshInterval: time.Duration(cfg.Scheduler.RefreshInterval),
		CrashCheckEvery: cfg.Scheduler.CrashCheckEvery,
		GCInterval:      time.Duration(cfg.GC.Interval),
	})
}

// RegisterHost records this daemon in the host table for the lifetime of the node.
// lowDiskSpace is the free space below which RegisterHost warns about LogDir.
const lowDiskSpace = 1 << 30

func RegisterHost(lc fx.Lifecycle, mctx helpers.MetricsCtx, cfg *config.BibSched, host dtypes.Hostname, b schtypes.Backend) error {
	if d := time.Duration(cfg.Hosts.LooksDeadTimeout); d > 0 {
		resources.LOOKS_DEAD_TIMEOUT = d
	}
	reg, err := resources.Register(helpers.LifecycleCtx(mctx, lc), b, string(host), time.Duration(cfg.Hosts.HeartbeatInterval))
	if err != nil {
		return err
	}
	log.Infow("registered host", "host", host, "cpu", reg.Cpu, "ram", reg.Ram, "session", reg.Host.Session)
	if free, err := resources.DiskFree(cfg.Scheduler.LogDir); err != nil {
		log.Warnw("checking free space for task logs", "dir", cfg.Scheduler.LogDir, "error", err)
	} else if free < lowDiskSpace {
		log.Warnw("little free space left for task logs", "dir", cfg.Scheduler.LogDir, "free", free)
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			reg.Shutdown()
			return nil
		},
	})
	return nil
}

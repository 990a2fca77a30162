package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/node/modules"
	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var log = logging.Logger("cli")

const (
	metadataTraceContext = "traceContext"
	metadataContext      = "context"
)

// FlagConfig names the global flag holding the config file path.
const FlagConfig = "config"

// GetConfig loads the file named by --config over the defaults.
func GetConfig(cctx *cli.Context) (*config.BibSched, error) {
	cfg, err := config.FromFile(cctx.String(FlagConfig), config.DefaultBibSched())
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// Services is what operator commands work with. The driver is bound to the
// host the command runs on, so signals only reach local tasks.
type Services struct {
	Config   *config.BibSched
	Host     string
	Backend  schtypes.Backend
	Registry *schtypes.Registry
	Driver   *sched.Driver
	GC       *sched.GC
}

// GetServices opens the task store named in the config. The returned closer
// must be called once the command is done with the store.
func GetServices(cctx *cli.Context) (*Services, func(), error) {
	cfg, err := GetConfig(cctx)
	if err != nil {
		return nil, nil, err
	}
	host, err := modules.Hostname(cfg)
	if err != nil {
		return nil, nil, err
	}
	reg, err := modules.NewRegistry(cfg)
	if err != nil {
		return nil, nil, err
	}

	backend, err := modules.OpenBackend(ReqContext(cctx), cfg)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := backend.Close(); err != nil {
			log.Warnw("closing task store", "error", err)
		}
	}

	l, err := modules.Launcher(cfg)
	if err != nil {
		closer()
		return nil, nil, err
	}
	gc, err := modules.GC(cfg, backend, reg, journal.NilJournal())
	if err != nil {
		closer()
		return nil, nil, err
	}

	// operator actions are not journaled; the journal file belongs to the daemon
	j := journal.NilJournal()
	drv := modules.Driver(cfg, host, backend, l, reg, j, alerting.NewAlertingSystem(j))

	return &Services{
		Config:   cfg,
		Host:     string(host),
		Backend:  backend,
		Registry: reg,
		Driver:   drv,
		GC:       gc,
	}, closer, nil
}

// DaemonContext is the base context of long running commands. Signal
// handling is left to the caller.
func DaemonContext(cctx *cli.Context) context.Context {
	if mtCtx, ok := cctx.App.Metadata[metadataTraceContext]; ok {
		return mtCtx.(context.Context)
	}

	return context.Background()
}

// ReqContext returns context for cli execution. Calling it for the first time
// installs SIGTERM handler that will close returned context.
// Not safe for concurrent execution.
func ReqContext(cctx *cli.Context) context.Context {
	if uctx, ok := cctx.App.Metadata[metadataContext]; ok {
		// unchecked cast as if something else is in there
		// it is crash worthy either way
		return uctx.(context.Context)
	}

	ctx, done := context.WithCancel(DaemonContext(cctx))
	sigChan := make(chan os.Signal, 2)
	go func() {
		<-sigChan
		done()
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	if cctx.App.Metadata == nil {
		cctx.App.Metadata = map[string]interface{}{}
	}
	cctx.App.Metadata[metadataContext] = ctx
	return ctx
}

var Commands = []*cli.Command{
	statusCmd,
	submitCmd,
	taskCmd,
	purgeCmd,
	modeCmd,
	debugCmd,
	hostsCmd,
	alertsCmd,
	configCmd,
	versionCmd,
}

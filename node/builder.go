package node

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/node/config"
	"github.com/inveniosoftware/bibsched/node/modules"
	"github.com/inveniosoftware/bibsched/node/modules/dtypes"
	"github.com/inveniosoftware/bibsched/node/modules/helpers"
	"github.com/inveniosoftware/bibsched/sched"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var log = logging.Logger("node")

// special is a type used to give keys to modules which
// can't really be identified by the returned type
type special struct{ id int }

type invoke int

// Invokes are called in the order they are defined.
//
//nolint:golint
const (
	// InitJournal at position 0 initializes the journal global var as soon as
	// the system starts, so that it's available for all other components.
	InitJournalKey = invoke(iota)

	InitMetricsKey
	CheckFDLimitKey
	CheckBinariesKey
	RegisterHostKey

	ExtractKey

	_nInvokes // keep this last
)

// DefaultFDLimit is the soft open-file limit below which the daemon warns.
const DefaultFDLimit = 4096

type Settings struct {
	// modules is a map of constructors for DI
	//
	// In most cases the index will be a reflect. Type of element returned by
	// the constructor, but for some 'constructors' it's hard to specify what's
	// the return type should be (or the constructor returns fx group)
	modules map[interface{}]fx.Option

	// invokes are separate from modules as they can't be referenced by return
	// type, and must be applied in correct order
	invokes []fx.Option

	Config bool // Config option applied
}

func defaults() []Option {
	return []Option{
		Override(new(helpers.MetricsCtx), func() helpers.MetricsCtx { return context.Background() }),
		Override(new(dtypes.ShutdownChan), make(chan struct{})),

		// global system journal.
		Override(new(journal.DisabledEvents), modules.DisabledEvents),
		Override(new(journal.Journal), modules.OpenFilesystemJournal),
		Override(InitJournalKey, func(j journal.Journal) {}),

		Override(new(*alerting.Alerting), alerting.NewAlertingSystem),
	}
}

// ConfigBibSched wires the scheduler daemon from cfg.
func ConfigBibSched(cfg *config.BibSched) Option {
	return Options(
		func(s *Settings) error { s.Config = true; return nil },
		Override(new(*config.BibSched), cfg),
		Override(new(dtypes.Hostname), modules.Hostname),
		Override(new(*schtypes.Registry), modules.NewRegistry),

		Override(new(schtypes.Backend), modules.Backend),
		Override(new(schtypes.Store), From(new(schtypes.Backend))),

		Override(new(sched.Launcher), modules.Launcher),
		Override(new(*sched.Controller), modules.Controller),
		Override(new(*sched.Driver), modules.Driver),
		Override(new(*sched.GC), modules.GC),
		Override(new(*sched.Scheduler), modules.Scheduler),

		Override(InitMetricsKey, modules.InitMetrics),
		Override(CheckFDLimitKey, modules.CheckFdLimit(DefaultFDLimit)),
		Override(CheckBinariesKey, modules.CheckTaskBinaries),
		Override(RegisterHostKey, modules.RegisterHost),
	)
}

// Populate extracts built components into targets, e.g. a **sched.Scheduler.
func Populate(targets ...interface{}) Option {
	return Options(
		ApplyIf(func(s *Settings) bool { return !s.Config },
			Error(xerrors.New("the Populate option must be set after ConfigBibSched")),
		),
		func(s *Settings) error {
			s.invokes[ExtractKey] = fx.Populate(targets...)
			return nil
		},
	)
}

type StopFunc func(context.Context) error

// New builds and starts a new scheduler node
func New(ctx context.Context, opts ...Option) (StopFunc, error) {
	settings := Settings{
		modules: map[interface{}]fx.Option{},
		invokes: make([]fx.Option, _nInvokes),
	}

	// apply module options in the right order
	if err := Options(Options(defaults()...), Options(opts...))(&settings); err != nil {
		return nil, xerrors.Errorf("applying node options failed: %w", err)
	}

	// gather constructors for fx.Options
	ctors := make([]fx.Option, 0, len(settings.modules))
	for _, opt := range settings.modules {
		ctors = append(ctors, opt)
	}

	// fill holes in invokes for use in fx.Options
	for i, opt := range settings.invokes {
		if opt == nil {
			settings.invokes[i] = fx.Options()
		}
	}

	app := fx.New(
		fx.Options(ctors...),
		fx.Options(settings.invokes...),

		fx.NopLogger,
	)

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	return app.Stop, nil
}

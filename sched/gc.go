package sched

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/journal"
	"github.com/inveniosoftware/bibsched/metrics"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

type GCRequest struct {
	// OlderThan is compared against the task runtime. Zero uses the default.
	OlderThan time.Duration
	// Statuses to collect. Empty uses the default; non-terminal ones are ignored.
	Statuses []schtypes.Status
	// Families to collect. Empty means every family with a remove or archive policy.
	Families []string
}

// GCResult counts collected tasks per family.
type GCResult struct {
	Removed  map[string]int
	Archived map[string]int
}

func (r GCResult) Total() int {
	var n int
	for _, c := range r.Removed {
		n += c
	}
	for _, c := range r.Archived {
		n += c
	}
	return n
}

// GC deletes or archives old finished tasks according to each family's policy.
type GC struct {
	store schtypes.Store
	reg   *schtypes.Registry
	def   GCRequest

	clock   clock.Clock
	journal journal.Journal
	evtType evtTypes
}

func NewGC(store schtypes.Store, reg *schtypes.Registry, defaults GCRequest, j journal.Journal) *GC {
	if len(defaults.Statuses) == 0 {
		defaults.Statuses = []schtypes.Status{schtypes.StatusDone}
	}
	return &GC{
		store:   store,
		reg:     reg,
		def:     defaults,
		clock:   build.Clock,
		journal: j,
		evtType: registerEvents(j),
	}
}

func (g *GC) Collect(ctx context.Context, req GCRequest) (GCResult, error) {
	defer metrics.Timer(ctx, metrics.GCDuration)()

	if req.OlderThan == 0 {
		req.OlderThan = g.def.OlderThan
	}
	if len(req.Statuses) == 0 {
		req.Statuses = g.def.Statuses
	}
	if len(req.Families) == 0 {
		req.Families = append(g.reg.GCFamilies(schtypes.GCRemove), g.reg.GCFamilies(schtypes.GCArchive)...)
	}

	var statuses []schtypes.Status
	for _, s := range req.Statuses {
		if !s.IsTerminal() {
			log.Warnw("not collecting tasks in a non-terminal status", "status", s)
			continue
		}
		statuses = append(statuses, s)
	}

	res := GCResult{Removed: map[string]int{}, Archived: map[string]int{}}
	if len(statuses) == 0 {
		return res, nil
	}
	cutoff := g.clock.Now().Add(-req.OlderThan)

	var merr error
	for _, fam := range req.Families {
		policy := g.reg.GCPolicy(fam)
		if policy == schtypes.GCKeep {
			log.Debugw("family keeps its tasks", "family", fam)
			continue
		}

		old, err := g.store.Snapshot(ctx, schtypes.Filter{
			Statuses:      statuses,
			Families:      []string{fam},
			RuntimeBefore: cutoff,
		})
		if err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("listing %s tasks: %w", fam, err))
			continue
		}
		if len(old) == 0 {
			continue
		}

		archive := policy == schtypes.GCArchive
		n, err := g.store.DeleteOrArchive(ctx, ids(old), archive)
		if err != nil {
			merr = multierror.Append(merr, xerrors.Errorf("collecting %s tasks: %w", fam, err))
			continue
		}

		tctx, _ := tag.New(ctx, tag.Upsert(metrics.Family, fam))
		if archive {
			res.Archived[fam] += n
			stats.Record(tctx, metrics.GCArchived.M(int64(n)))
		} else {
			res.Removed[fam] += n
			stats.Record(tctx, metrics.GCRemoved.M(int64(n)))
		}
		log.Infow("collected finished tasks", "family", fam, "policy", policy, "count", n)
	}

	if res.Total() > 0 {
		g.journal.RecordEvent(g.evtType[evtTypeGC], func() interface{} {
			return GCEvt{Removed: res.Removed, Archived: res.Archived}
		})
	}
	return res, merr
}

package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/inveniosoftware/bibsched/build"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	1100, 1200, 1300, 1400, 1500, 1600, 1700, 1800, 1900, 2000, // 100 ms intervals from 1000 to 2000 ms
	3000, 4000, 5000, 6000, 8000, 10000, 13000, 16000, 20000, 25000, 30000, 40000, 50000, 65000, 80000, 100000,
)

var queueSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 90, 130, 200, 300, 500, 1000, 2000, 5000, 10000)

// Tags
var (
	// common
	Version, _     = tag.NewKey("version")
	Commit, _      = tag.NewKey("commit")
	Hostname, _    = tag.NewKey("hostname")
	FailureType, _ = tag.NewKey("failure_type")

	// scheduler
	Family, _  = tag.NewKey("family")
	Status, _  = tag.NewKey("status")
	Action, _  = tag.NewKey("action")
	Outcome, _ = tag.NewKey("outcome")
	Mode, _    = tag.NewKey("mode")
)

// Measures
var (
	// common
	BibSchedInfo = stats.Int64("info", "Arbitrary counter to tag bibsched info to", stats.UnitDimensionless)

	// scheduler loop
	CycleDuration  = stats.Float64("sched/cycle_ms", "Duration of one scheduling cycle", stats.UnitMilliseconds)
	CycleFailures  = stats.Int64("sched/cycle_failures", "Counter of scheduling cycles that failed", stats.UnitDimensionless)
	RunnableTasks  = stats.Int64("sched/runnable", "Number of runnable candidates seen by the last cycle", stats.UnitDimensionless)
	TasksInStatus  = stats.Int64("sched/tasks_in_status", "Number of tasks per status seen by the last cycle", stats.UnitDimensionless)
	AdmissionCount = stats.Int64("sched/admission", "Counter of admission verdicts", stats.UnitDimensionless)
	SchedulerMode  = stats.Int64("sched/mode", "1 when the scheduler is in automatic mode", stats.UnitDimensionless)

	// lifecycle driver
	ActionCount        = stats.Int64("driver/action", "Counter of lifecycle actions", stats.UnitDimensionless)
	LaunchDuration     = stats.Float64("driver/launch_ms", "Time between spawn and RUNNING acknowledgement", stats.UnitMilliseconds)
	LaunchFailures     = stats.Int64("driver/launch_failures", "Counter of failed task launches", stats.UnitDimensionless)
	CrashedTasks       = stats.Int64("driver/crashed", "Counter of tasks found without a live process", stats.UnitDimensionless)
	ClaimConflictCount = stats.Int64("driver/claim_conflict", "Counter of claims lost to another host", stats.UnitDimensionless)

	// gc
	GCRemoved  = stats.Int64("gc/removed", "Counter of finished tasks removed", stats.UnitDimensionless)
	GCArchived = stats.Int64("gc/archived", "Counter of finished tasks archived", stats.UnitDimensionless)
	GCDuration = stats.Float64("gc/duration_ms", "Duration of a garbage-collection sweep", stats.UnitMilliseconds)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "BibSched node information",
		Measure:     BibSchedInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, Hostname},
	}
	CycleDurationView = &view.View{
		Measure:     CycleDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	CycleFailuresView = &view.View{
		Measure:     CycleFailures,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	RunnableTasksView = &view.View{
		Measure:     RunnableTasks,
		Aggregation: queueSizeDistribution,
	}
	TasksInStatusView = &view.View{
		Measure:     TasksInStatus,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Status},
	}
	AdmissionCountView = &view.View{
		Measure:     AdmissionCount,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Family, Outcome},
	}
	SchedulerModeView = &view.View{
		Measure:     SchedulerMode,
		Aggregation: view.LastValue(),
	}
	ActionCountView = &view.View{
		Measure:     ActionCount,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Action, Outcome},
	}
	LaunchDurationView = &view.View{
		Measure:     LaunchDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Family},
	}
	LaunchFailuresView = &view.View{
		Measure:     LaunchFailures,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Family, FailureType},
	}
	CrashedTasksView = &view.View{
		Measure:     CrashedTasks,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Family},
	}
	ClaimConflictView = &view.View{
		Measure:     ClaimConflictCount,
		Aggregation: view.Count(),
	}
	GCRemovedView = &view.View{
		Measure:     GCRemoved,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Family},
	}
	GCArchivedView = &view.View{
		Measure:     GCArchived,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Family},
	}
	GCDurationView = &view.View{
		Measure:     GCDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
)

var views = []*view.View{
	InfoView,

	CycleDurationView,
	CycleFailuresView,
	RunnableTasksView,
	TasksInStatusView,
	AdmissionCountView,
	SchedulerModeView,

	ActionCountView,
	LaunchDurationView,
	LaunchFailuresView,
	CrashedTasksView,
	ClaimConflictView,

	GCRemovedView,
	GCArchivedView,
	GCDurationView,
}

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = func() []*view.View {
	return views
}()

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	views = append(views, v...)
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(build.Clock.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := build.Clock.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return build.Clock.Since(start)
	}
}

// AddHostTag tags ctx with the scheduler hostname.
func AddHostTag(ctx context.Context, host string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(Hostname, host))
	return ctx
}

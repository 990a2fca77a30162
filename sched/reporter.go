package sched

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/journal/alerting"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

// Reporter keeps the task-errors alert in step with the tasks that are in
// an error status and not yet acknowledged.
type Reporter struct {
	store    schtypes.Store
	alerting *alerting.Alerting
	alert    alerting.AlertType

	reported map[schtypes.TaskID]struct{}
}

type TaskErrorsAlert struct {
	New   []schtypes.TaskID
	Total int
}

func NewReporter(store schtypes.Store, al *alerting.Alerting) *Reporter {
	return &Reporter{
		store:    store,
		alerting: al,
		alert:    al.AddAlertType("bibsched", "task-errors"),
		reported: map[schtypes.TaskID]struct{}{},
	}
}

// Check raises the alert for newly failed tasks and resolves it once none
// remain. It returns the ids reported for the first time.
func (r *Reporter) Check(ctx context.Context) ([]schtypes.TaskID, error) {
	failed, err := r.store.Snapshot(ctx, schtypes.Filter{Statuses: schtypes.ErrorStatuses})
	if err != nil {
		return nil, xerrors.Errorf("listing failed tasks: %w", err)
	}

	current := make(map[schtypes.TaskID]struct{}, len(failed))
	var fresh []schtypes.TaskID
	for _, t := range failed {
		current[t.ID] = struct{}{}
		if _, ok := r.reported[t.ID]; !ok {
			fresh = append(fresh, t.ID)
			log.Errorw("task failed", "task", t.ID, "proc", t.Proc, "status", t.Status, "progress", t.Progress)
		}
	}
	r.reported = current

	switch {
	case len(fresh) > 0:
		r.alerting.Raise(r.alert, TaskErrorsAlert{New: fresh, Total: len(failed)})
	case len(failed) == 0 && r.alerting.IsRaised(r.alert):
		r.alerting.Resolve(r.alert, TaskErrorsAlert{})
	}
	return fresh, nil
}

package observer

import (
	"time"

	"github.com/qcloop/qcloop/internal/domain"
	"github.com/qcloop/qcloop/internal/record"
	"github.com/qcloop/qcloop/internal/runner"
	"github.com/qcloop/qcloop/internal/runstore"
)

// StageState classifies a plan stage for display.
type StageState string

const (
	StagePending  StageState = "pending"
	StageRunning  StageState = "running"
	StageFailed   StageState = "failed"
	StageRecorded StageState = "done"
)

// StageStatus is one plan stage joined with its record entry and, when a
// history store is available, its last attempt.
type StageStatus struct {
	ID         domain.StageID
	State      StageState
	StartedAt  *time.Time
	FinishedAt *time.Time
	TrainLoss  *float64
	TestLoss   *float64
	Error      string
}

// Snapshot builds the per-stage view of a workdir. The record decides
// done vs not; the store only adds timings, losses and failure detail.
// A nil store and a missing record are both fine.
func Snapshot(workdir string, plan domain.Plan, store *runstore.Store) ([]StageStatus, error) {
	rec, err := record.Load(workdir)
	if err != nil {
		return nil, err
	}

	runs := map[string]*runstore.StageRun{}
	if store != nil {
		list, err := store.List()
		if err == nil {
			for _, r := range list {
				runs[r.JobID] = r
			}
		}
	}

	statuses := make([]StageStatus, 0, plan.NumStages())
	for _, id := range plan.Stages() {
		st := StageStatus{ID: id, State: StagePending}
		if rec.Has(id) {
			st.State = StageRecorded
		}
		if run, ok := runs[runner.JobID(id)]; ok {
			st.StartedAt = &run.StartedAt
			st.FinishedAt = run.FinishedAt
			st.TrainLoss = run.TrainLoss
			st.TestLoss = run.TestLoss
			if st.State != StageRecorded {
				switch run.Status {
				case runstore.RunRunning:
					st.State = StageRunning
				case runstore.RunFailed:
					st.State = StageFailed
					st.Error = run.Error
				}
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Done counts recorded stages.
func Done(statuses []StageStatus) int {
	n := 0
	for _, st := range statuses {
		if st.State == StageRecorded {
			n++
		}
	}
	return n
}

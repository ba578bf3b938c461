package runstore

import (
	"testing"

	"github.com/qcloop/qcloop/internal/domain"
)

func TestStore_BeginCompleteGet(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	stage := domain.StageID{Iter: 0, Stage: domain.StageSCF}
	if err := store.Begin("job-1", stage); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != RunRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.StageID != stage {
		t.Errorf("StageID = %v, want %v", got.StageID, stage)
	}

	if err := store.Complete("job-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get("job-1")
	if got.Status != RunCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestStore_FailAndRestart(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	stage := domain.StageID{Init: true, Stage: domain.StageTrain}
	store.Begin("job-2", stage)
	if err := store.Fail("job-2", "NaN loss at epoch 40"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get("job-2")
	if got.Status != RunFailed || got.Error != "NaN loss at epoch 40" {
		t.Errorf("run = %+v", got)
	}

	// A restart reuses the job ID and resets the row.
	if err := store.Begin("job-2", stage); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get("job-2")
	if got.Status != RunRunning || got.Error != "" || got.FinishedAt != nil {
		t.Errorf("restarted run = %+v", got)
	}
}

func TestStore_Losses(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Begin("job-3", domain.StageID{Iter: 1, Stage: domain.StageTrain})
	if err := store.RecordLosses("job-3", 1.5e-4, 2.5e-4); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get("job-3")
	if got.TrainLoss == nil || *got.TrainLoss != 1.5e-4 {
		t.Errorf("TrainLoss = %v", got.TrainLoss)
	}
	if got.TestLoss == nil || *got.TestLoss != 2.5e-4 {
		t.Errorf("TestLoss = %v", got.TestLoss)
	}
}

func TestStore_List(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Begin("a", domain.StageID{Iter: 0, Stage: domain.StageSCF})
	store.Begin("b", domain.StageID{Iter: 0, Stage: domain.StageTrain})

	runs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("List returned %d runs, want 2", len(runs))
	}
}

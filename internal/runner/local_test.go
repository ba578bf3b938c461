package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qcloop/qcloop/internal/domain"
)

func TestJobID_Deterministic(t *testing.T) {
	a := JobID(domain.StageID{Iter: 3, Stage: domain.StageSCF})
	b := JobID(domain.StageID{Iter: 3, Stage: domain.StageSCF})
	c := JobID(domain.StageID{Iter: 3, Stage: domain.StageTrain})

	if a != b {
		t.Errorf("same stage produced different job IDs: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different stages produced the same job ID")
	}
}

func TestLocal_Submit(t *testing.T) {
	dir := t.TempDir()
	task := Task{
		ID:      "test-job",
		Dir:     dir,
		Command: "echo hello from the job",
	}

	if err := NewLocal().Submit(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(filepath.Join(dir, LogName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "hello from the job") {
		t.Errorf("job log = %q", out)
	}
}

func TestLocal_SubmitFailure(t *testing.T) {
	task := Task{
		ID:      "failing-job",
		Dir:     t.TempDir(),
		Command: "exit 3",
	}
	if err := NewLocal().Submit(context.Background(), task); err == nil {
		t.Error("failing job returned nil error")
	}
}

func TestLocal_SubmitEnv(t *testing.T) {
	dir := t.TempDir()
	task := Task{
		ID:      "env-job",
		Dir:     dir,
		Command: "echo $QCLOOP_MODEL",
		Env:     []string{"QCLOOP_MODEL=/models/model.json"},
	}
	if err := NewLocal().Submit(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	out, _ := os.ReadFile(filepath.Join(dir, LogName))
	if !strings.Contains(string(out), "/models/model.json") {
		t.Errorf("job log = %q", out)
	}
}

func TestCleanupScratch(t *testing.T) {
	dir := t.TempDir()
	task := Task{ID: "c", Dir: dir, Command: "true"}
	if err := NewLocal().Submit(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	CleanupScratch(dir)
	if _, err := os.Stat(filepath.Join(dir, ScriptName)); !os.IsNotExist(err) {
		t.Error("submit script not removed")
	}
	if _, err := os.Stat(filepath.Join(dir, LogName)); !os.IsNotExist(err) {
		t.Error("job log not removed")
	}
}

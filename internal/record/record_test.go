package record

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/qcloop/qcloop/internal/domain"
)

func TestLoad_Missing(t *testing.T) {
	dir := t.TempDir()

	if Exists(dir) {
		t.Error("Exists = true for empty workdir")
	}
	r, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	ids := []domain.StageID{
		{Init: true, Stage: domain.StageSCF},
		{Init: true, Stage: domain.StageTrain},
		{Iter: 0, Stage: domain.StageSCF},
	}
	for _, id := range ids {
		if err := r.Append(id); err != nil {
			t.Fatal(err)
		}
	}

	if !Exists(dir) {
		t.Error("Exists = false after append")
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.Entries()
	if len(got) != len(ids) {
		t.Fatalf("reloaded %d entries, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("entry[%d] = %v, want %v", i, got[i], ids[i])
		}
	}
	if !reloaded.Has(ids[2]) {
		t.Error("Has = false for recorded stage")
	}
	if reloaded.Has(domain.StageID{Iter: 0, Stage: domain.StageTrain}) {
		t.Error("Has = true for unrecorded stage")
	}
}

func TestAppend_Duplicate(t *testing.T) {
	dir := t.TempDir()
	r, _ := Load(dir)

	id := domain.StageID{Iter: 0, Stage: domain.StageSCF}
	if err := r.Append(id); err != nil {
		t.Fatal(err)
	}
	if err := r.Append(id); err == nil {
		t.Error("duplicate Append expected error")
	}
}

func TestLoad_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("0 scf\nnonsense line\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(dir)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("Load error = %v, want CorruptError", err)
	}
	if ce.Line != 2 {
		t.Errorf("Line = %d, want 2", ce.Line)
	}
}

func TestLoad_DuplicateEntry(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(Path(dir), []byte("0 scf\n0 scf\n"), 0644)

	_, err := Load(dir)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("Load error = %v, want CorruptError", err)
	}
}

func TestValidate(t *testing.T) {
	plan, _ := domain.NewPlan(1, true)

	good := &Record{done: map[domain.StageID]bool{}}
	for _, id := range plan.Stages()[:3] {
		good.entries = append(good.entries, id)
		good.done[id] = true
	}
	if err := good.Validate(plan); err != nil {
		t.Errorf("valid prefix rejected: %v", err)
	}

	// Entry out of plan order.
	bad := &Record{
		entries: []domain.StageID{{Init: true, Stage: domain.StageTrain}},
		done:    map[domain.StageID]bool{{Init: true, Stage: domain.StageTrain}: true},
	}
	var ce *CorruptError
	if err := bad.Validate(plan); !errors.As(err, &ce) {
		t.Errorf("out-of-order record: error = %v, want CorruptError", err)
	}

	// Record for an iteration beyond the plan.
	beyond := &Record{
		entries: []domain.StageID{{Iter: 5, Stage: domain.StageSCF}},
		done:    map[domain.StageID]bool{{Iter: 5, Stage: domain.StageSCF}: true},
	}
	if err := beyond.Validate(plan); !errors.As(err, &ce) {
		t.Errorf("beyond-plan record: error = %v, want CorruptError", err)
	}
}

func TestNextStage(t *testing.T) {
	dir := t.TempDir()
	plan, _ := domain.NewPlan(0, false)

	r, _ := Load(dir)
	next, ok := r.NextStage(plan)
	if !ok || next != (domain.StageID{Iter: 0, Stage: domain.StageSCF}) {
		t.Errorf("empty record NextStage = %v, %v", next, ok)
	}

	r.Append(domain.StageID{Iter: 0, Stage: domain.StageSCF})
	next, ok = r.NextStage(plan)
	if !ok || next != (domain.StageID{Iter: 0, Stage: domain.StageTrain}) {
		t.Errorf("NextStage = %v, %v, want 0 train", next, ok)
	}

	r.Append(domain.StageID{Iter: 0, Stage: domain.StageTrain})
	if _, ok := r.NextStage(plan); ok {
		t.Error("NextStage ok = true for complete plan")
	}
}

// Truncating the file after entry k and reloading must resume at k+1.
func TestCrashTruncation(t *testing.T) {
	dir := t.TempDir()
	plan, _ := domain.NewPlan(1, false)

	r, _ := Load(dir)
	for _, id := range plan.Stages()[:3] {
		if err := r.Append(id); err != nil {
			t.Fatal(err)
		}
	}

	// Drop the last line, as if the process died mid-run afterwards.
	if err := os.WriteFile(Path(dir), []byte("0 scf\n0 train\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	next, ok := reloaded.NextStage(plan)
	if !ok || next != (domain.StageID{Iter: 1, Stage: domain.StageSCF}) {
		t.Errorf("NextStage after truncation = %v, want 1 scf", next)
	}
}

func TestPath(t *testing.T) {
	if got := Path("w"); got != filepath.Join("w", "RECORD") {
		t.Errorf("Path = %q", got)
	}
}

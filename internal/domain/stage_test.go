package domain

import (
	"path/filepath"
	"testing"
)

func TestParseStageID(t *testing.T) {
	tests := []struct {
		in      string
		want    StageID
		wantErr bool
	}{
		{"init scf", StageID{Init: true, Stage: StageSCF}, false},
		{"init train", StageID{Init: true, Stage: StageTrain}, false},
		{"0 scf", StageID{Iter: 0, Stage: StageSCF}, false},
		{"12 train", StageID{Iter: 12, Stage: StageTrain}, false},
		{"", StageID{}, true},
		{"0", StageID{}, true},
		{"scf 0", StageID{}, true},
		{"1 fit", StageID{}, true},
		{"init  scf", StageID{}, true},
		{"-1 scf", StageID{}, true},
	}

	for _, tt := range tests {
		got, err := ParseStageID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseStageID(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStageID(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStageID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStageID_RoundTrip(t *testing.T) {
	ids := []StageID{
		{Init: true, Stage: StageSCF},
		{Iter: 0, Stage: StageTrain},
		{Iter: 42, Stage: StageSCF},
	}
	for _, id := range ids {
		got, err := ParseStageID(id.String())
		if err != nil {
			t.Fatalf("ParseStageID(%q) error = %v", id.String(), err)
		}
		if got != id {
			t.Errorf("round trip = %v, want %v", got, id)
		}
	}
}

func TestStageID_Dir(t *testing.T) {
	id := StageID{Iter: 3, Stage: StageTrain}
	want := filepath.Join("work", "iter.03", "01.train")
	if got := id.Dir("work"); got != want {
		t.Errorf("Dir = %q, want %q", got, want)
	}

	init := StageID{Init: true, Stage: StageSCF}
	want = filepath.Join("work", "iter.init", "00.scf")
	if got := init.Dir("work"); got != want {
		t.Errorf("init Dir = %q, want %q", got, want)
	}
}

func TestNewPlan(t *testing.T) {
	if _, err := NewPlan(-1, false); err == nil {
		t.Error("NewPlan(-1) expected error")
	}

	plan, err := NewPlan(2, true)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Len() != 4 {
		t.Errorf("Len = %d, want 4", plan.Len())
	}

	stages := plan.Stages()
	wantOrder := []string{
		"init scf", "init train",
		"0 scf", "0 train",
		"1 scf", "1 train",
		"2 scf", "2 train",
	}
	if len(stages) != len(wantOrder) {
		t.Fatalf("stage count = %d, want %d", len(stages), len(wantOrder))
	}
	for i, s := range stages {
		if s.String() != wantOrder[i] {
			t.Errorf("stage[%d] = %q, want %q", i, s, wantOrder[i])
		}
	}
}

func TestPlan_Contains(t *testing.T) {
	plan, _ := NewPlan(1, false)

	if !plan.Contains(StageID{Iter: 1, Stage: StageTrain}) {
		t.Error("plan should contain iteration 1")
	}
	if plan.Contains(StageID{Iter: 2, Stage: StageSCF}) {
		t.Error("plan should not contain iteration 2")
	}
	if plan.Contains(StageID{Init: true, Stage: StageSCF}) {
		t.Error("plan without init should not contain the init stage")
	}
}

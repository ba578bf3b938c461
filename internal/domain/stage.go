package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Stage is one of the two stages executed within an iteration.
type Stage string

const (
	StageSCF   Stage = "scf"
	StageTrain Stage = "train"
)

// Subfolder returns the stage directory name inside an iteration folder.
func (s Stage) Subfolder() string {
	if s == StageTrain {
		return "01.train"
	}
	return "00.scf"
}

var stageIDRegex = regexp.MustCompile(`^(init|\d+) (scf|train)$`)

// StageID uniquely identifies an (iteration, stage) pair.
// The init pseudo-iteration carries Init=true and ignores Iter.
type StageID struct {
	Iter  int
	Init  bool
	Stage Stage
}

// ParseStageID parses a record line like "init scf" or "3 train".
func ParseStageID(s string) (StageID, error) {
	matches := stageIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return StageID{}, fmt.Errorf("invalid stage ID format: %q (expected \"<iter|init> <scf|train>\")", s)
	}
	id := StageID{Stage: Stage(matches[2])}
	if matches[1] == "init" {
		id.Init = true
	} else {
		id.Iter, _ = strconv.Atoi(matches[1]) // regex guarantees digits
	}
	return id, nil
}

// String returns the canonical record-line representation.
func (id StageID) String() string {
	if id.Init {
		return fmt.Sprintf("init %s", id.Stage)
	}
	return fmt.Sprintf("%d %s", id.Iter, id.Stage)
}

// IterName returns the iteration folder name, e.g. "iter.init" or "iter.02".
func (id StageID) IterName() string {
	if id.Init {
		return "iter.init"
	}
	return fmt.Sprintf("iter.%02d", id.Iter)
}

// Dir returns the stage directory under workdir.
func (id StageID) Dir(workdir string) string {
	return filepath.Join(workdir, id.IterName(), id.Stage.Subfolder())
}

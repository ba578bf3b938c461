// Package record implements the append-only RECORD file that tracks
// completed stages. The record is the sole resume authority: a stage is
// done iff its entry is present, regardless of what exists on disk.
package record

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qcloop/qcloop/internal/domain"
)

// FileName is the record file name inside the working directory.
const FileName = "RECORD"

// CorruptError reports a record that cannot be reconciled with the
// iteration plan. It is never repaired automatically; the user must edit
// or remove the record file.
type CorruptError struct {
	Line   int
	Entry  string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt record at line %d (%q): %s", e.Line, e.Entry, e.Reason)
}

// Path returns the record file path for a working directory.
func Path(workdir string) string {
	return filepath.Join(workdir, FileName)
}

// Exists reports whether a record file is present, i.e. the run is resumable.
func Exists(workdir string) bool {
	_, err := os.Stat(Path(workdir))
	return err == nil
}

// Record is the in-memory view of the record file. Entries are only ever
// appended; the file is the durable copy and is synced on every append.
type Record struct {
	path    string
	entries []domain.StageID
	done    map[domain.StageID]bool
}

// Load reads the record file from workdir. A missing file yields an empty
// record. Unparseable lines are a CorruptError.
func Load(workdir string) (*Record, error) {
	r := &Record{
		path: Path(workdir),
		done: make(map[domain.StageID]bool),
	}

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("opening record: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := domain.ParseStageID(line)
		if err != nil {
			return nil, &CorruptError{Line: lineNo, Entry: line, Reason: err.Error()}
		}
		if r.done[id] {
			return nil, &CorruptError{Line: lineNo, Entry: line, Reason: "duplicate entry"}
		}
		r.entries = append(r.entries, id)
		r.done[id] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	return r, nil
}

// Append durably records a completed stage. The line is written with
// O_APPEND and fsynced before Append returns, so a crash after Append
// never loses the entry.
func (r *Record) Append(id domain.StageID) error {
	if r.done[id] {
		return fmt.Errorf("stage %q already recorded", id)
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening record for append: %w", err)
	}
	if _, err := fmt.Fprintln(f, id.String()); err != nil {
		f.Close()
		return fmt.Errorf("appending record entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing record: %w", err)
	}

	r.entries = append(r.entries, id)
	r.done[id] = true
	return nil
}

// Has reports whether a stage has been recorded complete.
func (r *Record) Has(id domain.StageID) bool {
	return r.done[id]
}

// Entries returns the recorded stages in completion order.
func (r *Record) Entries() []domain.StageID {
	out := make([]domain.StageID, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded stages.
func (r *Record) Len() int {
	return len(r.entries)
}

// Validate checks the record against the plan. Stages complete strictly in
// plan order, so a consistent record is exactly a prefix of the plan's
// stage sequence; anything else means the plan changed under the record.
func (r *Record) Validate(plan domain.Plan) error {
	stages := plan.Stages()
	if len(r.entries) > len(stages) {
		return &CorruptError{
			Line:   len(stages) + 1,
			Entry:  r.entries[len(stages)].String(),
			Reason: fmt.Sprintf("record has %d entries but the plan has only %d stages", len(r.entries), len(stages)),
		}
	}
	for i, e := range r.entries {
		if e != stages[i] {
			return &CorruptError{
				Line:   i + 1,
				Entry:  e.String(),
				Reason: fmt.Sprintf("expected stage %q at this position", stages[i]),
			}
		}
	}
	return nil
}

// NextStage returns the earliest plan stage not yet recorded. ok is false
// when the whole plan is complete.
func (r *Record) NextStage(plan domain.Plan) (id domain.StageID, ok bool) {
	for _, s := range plan.Stages() {
		if !r.done[s] {
			return s, true
		}
	}
	return domain.StageID{}, false
}

// Package tui is the live progress board behind `qcloop watch`: one row
// per plan stage, refreshed on a ticker and whenever the RECORD changes.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qcloop/qcloop/internal/domain"
	"github.com/qcloop/qcloop/internal/observer"
	"github.com/qcloop/qcloop/internal/runstore"
)

// Model is the TUI application model
type Model struct {
	workdir string
	plan    domain.Plan
	store   *runstore.Store // optional history mirror

	statuses []observer.StageStatus
	loadErr  error

	// UI state
	width  int
	height int

	lastRefresh time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Workdir string
	Plan    domain.Plan
	Store   *runstore.Store
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	return Model{
		workdir: cfg.Workdir,
		plan:    cfg.Plan,
		store:   cfg.Store,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.workdir, m.plan, m.store),
		tickCmd(),
	)
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

// RecordChangedMsg is injected from outside when the RECORD watcher
// fires, so appends show up without waiting for the next tick.
type RecordChangedMsg struct{}

// StatusMsg carries a freshly loaded progress snapshot
type StatusMsg struct {
	Statuses []observer.StageStatus
	Err      error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func refreshCmd(workdir string, plan domain.Plan, store *runstore.Store) tea.Cmd {
	return func() tea.Msg {
		statuses, err := observer.Snapshot(workdir, plan, store)
		return StatusMsg{Statuses: statuses, Err: err}
	}
}

package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.workdir, m.plan, m.store)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.workdir, m.plan, m.store), tickCmd())

	case RecordChangedMsg:
		return m, refreshCmd(m.workdir, m.plan, m.store)

	case StatusMsg:
		m.statuses = msg.Statuses
		m.loadErr = msg.Err
		m.lastRefresh = time.Now()
		return m, nil
	}

	return m, nil
}

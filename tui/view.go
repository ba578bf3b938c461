package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/qcloop/qcloop/internal/observer"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	doneStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" qcloop │ %s │ %d/%d stages done ",
		m.workdir, observer.Done(m.statuses), m.plan.NumStages())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n\n")

	if m.loadErr != nil {
		b.WriteString(failedStyle.Render("  record error: " + m.loadErr.Error()))
		b.WriteString("\n")
	}

	for _, st := range m.statuses {
		b.WriteString(renderStage(st))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	bar := " q quit │ r refresh"
	if !m.lastRefresh.IsZero() {
		bar += " │ updated " + humanize.Time(m.lastRefresh)
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(bar))
	return b.String()
}

func renderStage(st observer.StageStatus) string {
	glyph, style := stageGlyph(st.State)
	line := fmt.Sprintf("  %s %-10s %-6s", glyph, st.ID.IterName(), string(st.ID.Stage))

	if st.State == observer.StageRunning && st.StartedAt != nil {
		line += "  " + humanize.Time(*st.StartedAt)
	}
	if st.TrainLoss != nil && st.TestLoss != nil {
		line += fmt.Sprintf("  trn %.3e  tst %.3e", *st.TrainLoss, *st.TestLoss)
	}
	if st.StartedAt != nil && st.FinishedAt != nil {
		line += "  " + st.FinishedAt.Sub(*st.StartedAt).Round(time.Second).String()
	}
	if st.Error != "" {
		line += "  " + st.Error
	}
	return style.Render(line)
}

func stageGlyph(s observer.StageState) (string, lipgloss.Style) {
	switch s {
	case observer.StageRecorded:
		return "✓", doneStyle
	case observer.StageRunning:
		return "▶", runningStyle
	case observer.StageFailed:
		return "✗", failedStyle
	default:
		return "·", pendingStyle
	}
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/oriys/midas/internal/event"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	resultStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	sevStyles = map[event.Severity]lipgloss.Style{
		event.SeverityInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		event.SeverityWarning:  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		event.SeverityError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		event.SeverityResult:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		event.SeverityStdout:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		event.SeverityStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("135")),
	}

	statusText = map[event.Status]string{
		event.StatusIdle:        "Idle",
		event.StatusCalculating: "Calculating",
		event.StatusPaused:      "Paused",
	}
)

func formatLog(l event.Log) string {
	sev := sevStyles[l.Severity].Render(fmt.Sprintf("%-8s", l.Severity))
	return fmt.Sprintf("%s %s %s: %s",
		l.Time.Format("15:04:05"), sev, l.Source, l.Message)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("midas host"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-20s %-12s %s", "NAME", "STATUS", "PROGRESS")))
	b.WriteString("\n")
	if len(m.rows) == 0 {
		b.WriteString(helpStyle.Render("  waiting for participants..."))
		b.WriteString("\n")
	}
	for i, row := range m.rows {
		line := fmt.Sprintf("  %-20s %-12s %s", row.name, statusText[row.status], progressCell(row.progress))
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.lastResult != "" {
		b.WriteString(resultStyle.Render("result: " + m.lastResult))
		b.WriteString("\n\n")
	}

	for _, line := range tail(m.logs, m.logHeight()) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.editingPath {
		b.WriteString("script: " + m.scriptPath.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter: begin  esc: cancel"))
	} else {
		b.WriteString(helpStyle.Render(
			"b: begin  p/r/x: pause/play/kill selected  P/R/X: all  D: drop all  q: quit"))
	}
	b.WriteString("\n")
	return b.String()
}

// logHeight budgets whatever vertical space the table and chrome left over.
func (m Model) logHeight() int {
	used := len(m.rows) + 8
	if m.lastResult != "" {
		used += 2
	}
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}

func progressCell(fraction float64) string {
	if fraction < 0 {
		return "-"
	}
	return fmt.Sprintf("%5.1f%%", fraction*100)
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

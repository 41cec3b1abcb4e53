// Copyright 2025 James Ross
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	activeTabStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func (m model) View() string {
	header := headerStyle.Render("media-convert-orchestrator — admin console")

	tabs := make([]string, len(statusTabs))
	for i, s := range statusTabs {
		label := string(s)
		if i == m.tabIdx {
			label = activeTabStyle.Render(label)
		}
		tabs[i] = label
	}

	stats := fmt.Sprintf(
		"queued=%d  processing=%d  completed=%d  failed=%d  worker_slots=%d",
		m.stats.Queued, m.stats.Processing, m.stats.Completed, m.stats.Failed, m.stats.WorkerSlotsActive,
	)
	if m.loading {
		stats += "  " + m.spinner.View()
	}

	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString(strings.Join(tabs, "   ") + "\n")
	b.WriteString(stats + "\n")
	if len(m.queuedTrend) > 1 {
		b.WriteString(asciigraph.Plot(m.queuedTrend, asciigraph.Height(5), asciigraph.Caption("queued jobs")) + "\n")
	}
	b.WriteString("\n")

	if m.focus == focusCancelPrompt {
		b.WriteString(fmt.Sprintf("Cancel job %s\n%s\n\n", m.cancelTarget, m.cancelInput.View()))
	}

	b.WriteString(m.tbl.View() + "\n\n")

	if m.errText != "" {
		b.WriteString(errStyle.Render("error: "+m.errText) + "\n")
	}

	b.WriteString(helpBar(m.currentStatus()))
	return b.String()
}

func helpBar(status jobstore.Status) string {
	parts := []string{"q:quit", "tab/shift+tab:switch status", "r:refresh", "j/k:down/up"}
	if status == jobstore.StatusQueued || status == jobstore.StatusProcessing {
		parts = append(parts, "c:cancel selected")
	}
	return strings.Join(parts, "  ")
}

// Copyright 2025 James Ross
package tui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focus == focusCancelPrompt {
			return m.updateCancelPrompt(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancel()
			return m, tea.Quit
		case "tab":
			m.tabIdx = (m.tabIdx + 1) % len(statusTabs)
			m.loading = true
			return m, m.refreshCmd()
		case "shift+tab":
			m.tabIdx = (m.tabIdx - 1 + len(statusTabs)) % len(statusTabs)
			m.loading = true
			return m, m.refreshCmd()
		case "r":
			m.loading = true
			return m, m.refreshCmd()
		case "c":
			status := m.currentStatus()
			if status != jobstore.StatusQueued && status != jobstore.StatusProcessing {
				m.errText = "only queued or processing jobs can be cancelled"
				return m, nil
			}
			i := m.tbl.Cursor()
			if i >= 0 && i < len(m.jobs) {
				m.cancelTarget = m.jobs[i].ID
				m.cancelInput.SetValue("")
				m.cancelInput.Focus()
				m.focus = focusCancelPrompt
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if m.width > 0 {
			m.tbl.SetWidth(m.width)
		}
		if m.height > 8 {
			m.tbl.SetHeight(m.height - 8)
		}

	case tickMsg:
		cmds = append(cmds, m.refreshCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tickMsg{} }))

	case statsMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
		} else {
			m.stats = msg.s
			m.errText = ""
			const maxSamples = 60
			m.queuedTrend = append(m.queuedTrend, float64(msg.s.Queued))
			if len(m.queuedTrend) > maxSamples {
				m.queuedTrend = m.queuedTrend[len(m.queuedTrend)-maxSamples:]
			}
		}

	case jobsMsg:
		m.loading = false
		if msg.err != nil {
			m.errText = msg.err.Error()
			break
		}
		if msg.status != m.currentStatus() {
			// stale response from a tab we've since left; discard.
			break
		}
		m.jobs = msg.j.Jobs
		rows := make([]table.Row, 0, len(m.jobs))
		for _, j := range m.jobs {
			rows = append(rows, newRow(j))
		}
		m.tbl.SetRows(rows)
		if m.tbl.Cursor() >= len(rows) && len(rows) > 0 {
			m.tbl.SetCursor(len(rows) - 1)
		}

	case cancelResultMsg:
		if msg.err != nil {
			m.errText = fmt.Sprintf("cancel %s failed: %v", msg.id, msg.err)
		} else {
			m.errText = ""
		}
		m.loading = true
		cmds = append(cmds, m.refreshCmd())
	}

	if m.loading {
		var c tea.Cmd
		m.spinner, c = m.spinner.Update(msg)
		cmds = append(cmds, c)
	}
	var c tea.Cmd
	m.tbl, c = m.tbl.Update(msg)
	cmds = append(cmds, c)

	return m, tea.Batch(cmds...)
}

func (m model) updateCancelPrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.cancelInput.Blur()
		m.focus = focusTable
		m.cancelTarget = ""
		return m, nil
	case "enter":
		reason := m.cancelInput.Value()
		target := m.cancelTarget
		m.cancelInput.Blur()
		m.focus = focusTable
		m.cancelTarget = ""
		if len(reason) < 3 {
			m.errText = "reason must be at least 3 characters"
			return m, nil
		}
		m.loading = true
		return m, func() tea.Msg {
			err := m.client.cancel(m.ctx, target, reason, m.confirmPhrase)
			return cancelResultMsg{id: target, err: err}
		}
	}
	var cmd tea.Cmd
	m.cancelInput, cmd = m.cancelInput.Update(msg)
	return m, cmd
}

func newRow(j *jobstore.Job) table.Row {
	return table.Row{
		j.ID,
		string(j.Platform),
		string(j.Format),
		strconv.Itoa(j.Progress) + "%",
		j.CurrentStep,
		strconv.Itoa(j.Attempt),
	}
}

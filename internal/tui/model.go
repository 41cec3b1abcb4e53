// Copyright 2025 James Ross
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
)

// focusArea distinguishes the job table from the cancel-reason prompt so key
// messages route to the right widget.
type focusArea int

const (
	focusTable focusArea = iota
	focusCancelPrompt
)

var statusTabs = []jobstore.Status{
	jobstore.StatusQueued, jobstore.StatusProcessing, jobstore.StatusCompleted, jobstore.StatusFailed,
}

type statsMsg struct {
	s   statsResponse
	err error
}

type jobsMsg struct {
	status jobstore.Status
	j      jobListResponse
	err    error
}

type cancelResultMsg struct {
	id  string
	err error
}

type tickMsg struct{}

// model is the bubbletea root for the operator dashboard: a tab per job
// status, a table of that status's jobs, a stats header, and a cancel-reason
// prompt that gates the destructive action behind an explicit reason.
type model struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *adminClient

	width, height int

	tabIdx int
	tbl    table.Model
	jobs   []*jobstore.Job

	stats        statsResponse
	queuedTrend  []float64
	loading      bool
	errText      string

	focus        focusArea
	confirmPhrase string
	cancelInput  textinput.Model
	cancelTarget string

	spinner      spinner.Model
	refreshEvery time.Duration
}

func newModel(client *adminClient, confirmPhrase string, refreshEvery time.Duration) model {
	ctx, cancel := context.WithCancel(context.Background())

	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "Platform", Width: 10},
		{Title: "Format", Width: 6},
		{Title: "Progress", Width: 9},
		{Title: "Step", Width: 18},
		{Title: "Attempt", Width: 7},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(true))
	t.KeyMap.LineUp.SetKeys("k", "up")
	t.KeyMap.LineDown.SetKeys("j", "down")
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true),
		Selected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
	})

	ci := textinput.New()
	ci.Placeholder = "reason (min 3 chars), enter to confirm, esc to cancel"
	ci.CharLimit = 200

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctx: ctx, cancel: cancel, client: client,
		tbl: t, cancelInput: ci, spinner: sp,
		confirmPhrase: confirmPhrase,
		refreshEvery:  refreshEvery,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tea.Every(m.refreshEvery, func(time.Time) tea.Msg { return tickMsg{} }), spinner.Tick)
}

func (m model) currentStatus() jobstore.Status { return statusTabs[m.tabIdx] }

func (m model) refreshCmd() tea.Cmd {
	status := m.currentStatus()
	return tea.Batch(
		func() tea.Msg {
			s, err := m.client.stats(m.ctx)
			return statsMsg{s: s, err: err}
		},
		func() tea.Msg {
			j, err := m.client.jobs(m.ctx, status)
			return jobsMsg{status: status, j: j, err: err}
		},
	)
}

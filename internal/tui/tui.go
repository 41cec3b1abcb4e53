// Copyright 2025 James Ross

// Package tui implements a bubbletea operator console for the admin API:
// per-status job tables, live stats, a queued-depth sparkline, and a
// confirmation-gated cancel action.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Options configures a Run invocation.
type Options struct {
	APIBaseURL    string
	AuthToken     string
	ConfirmPhrase string
	RefreshEvery  time.Duration
}

// Run starts the bubbletea program and blocks until the operator quits.
func Run(opts Options) error {
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = 2 * time.Second
	}
	client := newAdminClient(opts.APIBaseURL, opts.AuthToken)
	m := newModel(client, opts.ConfirmPhrase, opts.RefreshEvery)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

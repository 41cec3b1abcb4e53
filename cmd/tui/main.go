// Copyright 2025 James Ross
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/tui"
)

var version = "dev"

func main() {
	var apiBaseURL, token, confirmPhrase string
	var refresh time.Duration
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&apiBaseURL, "api", "http://localhost:8091", "Admin API base URL")
	fs.StringVar(&token, "token", os.Getenv("ADMIN_API_TOKEN"), "Operator bearer token (or $ADMIN_API_TOKEN)")
	fs.StringVar(&confirmPhrase, "confirm-phrase", "", "Cancel confirmation phrase, if the admin API requires one")
	fs.DurationVar(&refresh, "refresh", 2*time.Second, "Refresh interval for stats and job tables")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := tui.Run(tui.Options{
		APIBaseURL:    apiBaseURL,
		AuthToken:     token,
		ConfirmPhrase: confirmPhrase,
		RefreshEvery:  refresh,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
		os.Exit(1)
	}
}

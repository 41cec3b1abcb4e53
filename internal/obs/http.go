// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartHTTPServer exposes the operational surface every process variant
// shares: the Prometheus scrape endpoint, a liveness probe, and a
// readiness probe backed by the caller's own check (the orchestrator
// binary passes a Redis ping; a nil check reports ready unconditionally).
// Returns the server so the caller can shut it down with the rest of the
// process.
func StartHTTPServer(cfg *config.Config, readiness func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		// Liveness: the process is up and serving.
		writeProbe(w, http.StatusOK, "ok", "")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil {
			if err := readiness(r.Context()); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, "not ready", err.Error())
				return
			}
		}
		writeProbe(w, http.StatusOK, "ready", "")
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

func writeProbe(w http.ResponseWriter, code int, status, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]string{"status": status}
	if detail != "" {
		body["detail"] = detail
	}
	_ = json.NewEncoder(w).Encode(body)
}

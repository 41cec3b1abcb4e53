// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/flyingrobots/media-convert-orchestrator/internal/config"
	"github.com/flyingrobots/media-convert-orchestrator/internal/jobstore"
	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the operator-facing HTTP server: job stats, per-status job
// listings, and job cancellation, behind the JWT/rate-limit/audit/CORS
// middleware chain.
type Server struct {
	cfg      config.AdminAPI
	handler  *Handler
	logger   *zap.Logger
	server   *http.Server
	auditLog *AuditLogger
}

// NewServer wires a Server from the operator config section, the Job
// Store, and the queue manager's worker-slot gauge.
func NewServer(cfg config.AdminAPI, store *jobstore.Store, queue ActiveSlotsReporter, logger *zap.Logger) (*Server, error) {
	var auditLog *AuditLogger
	var err error
	if cfg.AuditEnabled {
		auditLog, err = NewAuditLogger(cfg.AuditLogPath, cfg.AuditRotateSize, cfg.AuditMaxBackups)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit logger: %w", err)
		}
	}

	operators := make([]OperatorAccount, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators = append(operators, OperatorAccount{Username: op.Username, PasswordHash: op.PasswordHash})
	}
	h := NewHandler(store, queue, Config{
		CancelConfirmationPhrase: cfg.CancelConfirmationPhrase,
		JWTSecret:                cfg.JWTSecret,
		JWTIssuer:                cfg.JWTIssuer,
		TokenTTL:                 cfg.TokenTTL,
		Operators:                operators,
	}, logger, auditLog)
	return &Server{cfg: cfg, handler: h, logger: logger, auditLog: auditLog}, nil
}

// Router builds the gorilla/mux router and applies the middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/api/v1/login", s.handler.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/stats", s.handler.GetStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/queues/{status}", s.handler.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}/cancel", s.handler.CancelJob).Methods(http.MethodPost)

	return s.applyMiddleware(r)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RecoveryMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	if s.cfg.CORSEnabled {
		handler = CORSMiddleware(s.cfg.AllowedOrigins)(handler)
	}
	if s.cfg.AuditEnabled && s.auditLog != nil {
		handler = AuditMiddleware(s.auditLog, s.logger)(handler)
	}
	if s.cfg.RateLimitEnabled {
		handler = RateLimitMiddleware(s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst, s.logger)(handler)
	}
	if s.cfg.DenyByDefault {
		handler = AuthMiddleware(s.cfg.JWTSecret, s.cfg.DenyByDefault, s.logger)(handler)
	}
	return handler
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting admin api server", zap.String("addr", s.cfg.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes the audit log.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditLog != nil {
		s.auditLog.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Run starts the server and blocks until ctx is cancelled or the server
// fails, then shuts it down gracefully.
func Run(ctx context.Context, cfg config.AdminAPI, store *jobstore.Store, queue ActiveSlotsReporter, logger *zap.Logger) error {
	server, err := NewServer(cfg, store, queue, logger)
	if err != nil {
		return fmt.Errorf("failed to create admin api server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down admin api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("admin api server error: %w", err)
	}
}

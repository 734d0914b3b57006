// Package api serves the synchronous pipeline surfaces: scoring a
// feature vector, deciding on a detection, applying and rolling back
// rules, and reading the rule table and audit trail.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/audit"
	"sentinel-core/internal/config"
	"sentinel-core/internal/middleware"
	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

// Detector scores one feature vector.
type Detector interface {
	Evaluate(ctx context.Context, fv *schema.FeatureVector) (*schema.Detection, error)
}

// Decider chooses the enforcement for one detection.
type Decider interface {
	Decide(ctx context.Context, det *schema.Detection) (*schema.Decision, error)
}

// RuleDriver is the orchestrator surface the API drives.
type RuleDriver interface {
	ApplyDecision(ctx context.Context, dec *schema.Decision) (orchestrator.Snapshot, error)
	Rollback(ctx context.Context, ruleID uuid.UUID) error
	RollbackDecision(ctx context.Context, decisionID uuid.UUID) (int, error)
	Table() *orchestrator.Table
}

// AuditReader queries the audit trail.
type AuditReader interface {
	ByDetection(ctx context.Context, detectionID uuid.UUID) ([]audit.Record, error)
	ByRule(ctx context.Context, ruleID uuid.UUID) ([]audit.Record, error)
	ByDecision(ctx context.Context, decisionID uuid.UUID) ([]audit.Record, error)
}

// Reloader swaps the model bundle in place.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Server wires the pipeline stages onto HTTP.
type Server struct {
	cfg      config.ServerConfig
	detector Detector
	decider  Decider
	rules    RuleDriver
	auditor  AuditReader
	reloader Reloader
	metrics  http.Handler
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer builds the API server. auditor and reloader may be nil when
// the deployment runs without ClickHouse or a model directory.
func NewServer(cfg config.ServerConfig, detector Detector, decider Decider, rules RuleDriver,
	auditor AuditReader, reloader Reloader, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		detector: detector,
		decider:  decider,
		rules:    rules,
		auditor:  auditor,
		reloader: reloader,
		metrics:  metricsHandler,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes registers every surface on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/detect", s.handleDetect)
	mux.HandleFunc("POST /v1/decide", s.handleDecide)
	mux.HandleFunc("POST /v1/apply", s.handleApply)
	mux.HandleFunc("GET /v1/rules", s.handleListRules)
	mux.HandleFunc("GET /v1/rules/{id}", s.handleGetRule)
	mux.HandleFunc("POST /v1/rules/{id}/rollback", s.handleRollbackRule)
	mux.HandleFunc("POST /v1/decisions/{id}/rollback", s.handleRollbackDecision)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("POST /v1/model/reload", s.handleReload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// Start serves until the context ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	limiter := middleware.NewRateLimiter(s.cfg.RateLimit, s.logger)
	defer limiter.Stop()
	handler := middleware.SecurityHeaders(limiter.Wrap(mux))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/docflow/internal/builder"
	"github.com/rendis/docflow/internal/engine"
	"github.com/rendis/docflow/internal/logging"
	"github.com/rendis/docflow/internal/secrets"
	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/internal/validation"
	"github.com/rendis/docflow/pkg/schema"
)

// Server exposes the workflow and run API over HTTP. Every tenant-owned
// resource is scoped by the X-Tenant-ID header.
type Server struct {
	addr      string
	store     store.Store
	engine    *engine.Engine
	validator *validation.Validator
	graphs    *builder.Service
	vault     secrets.Vault
	logger    *slog.Logger
	httpSrv   *http.Server
}

// Config configures the API server.
type Config struct {
	Addr            string
	Store           store.Store
	Engine          *engine.Engine
	Validator       *validation.Validator
	Graphs          *builder.Service
	Vault           secrets.Vault
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      cfg.Addr,
		store:     cfg.Store,
		engine:    cfg.Engine,
		validator: cfg.Validator,
		graphs:    cfg.Graphs,
		vault:     cfg.Vault,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/workflows", s.tenant(s.handleCreateWorkflow))
	mux.HandleFunc("GET /api/workflows", s.tenant(s.handleListWorkflows))
	mux.HandleFunc("GET /api/workflows/{id}", s.tenant(s.handleGetWorkflow))
	mux.HandleFunc("PUT /api/workflows/{id}", s.tenant(s.handleUpdateWorkflow))
	mux.HandleFunc("DELETE /api/workflows/{id}", s.tenant(s.handleDeleteWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/validate", s.tenant(s.handleValidateWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/activate", s.tenant(s.handleActivateWorkflow))
	mux.HandleFunc("POST /api/workflows/{id}/deactivate", s.tenant(s.handleDeactivateWorkflow))
	mux.HandleFunc("GET /api/workflows/{id}/graph", s.tenant(s.handleLoadGraph))
	mux.HandleFunc("POST /api/workflows/{id}/graph", s.tenant(s.handleSaveGraph))

	mux.HandleFunc("POST /api/runs", s.tenant(s.handleStartRun))
	mux.HandleFunc("GET /api/runs", s.tenant(s.handleListRuns))
	mux.HandleFunc("GET /api/runs/{id}", s.tenant(s.handleGetRun))
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.tenant(s.handleCancelRun))

	mux.HandleFunc("GET /api/secrets", s.handleListSecrets)
	mux.HandleFunc("PUT /api/secrets/{key}", s.handlePutSecret)
	mux.HandleFunc("DELETE /api/secrets/{key}", s.handleDeleteSecret)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tenant wraps a handler with X-Tenant-ID extraction.
func (s *Server) tenant(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			writeError(w, schema.NewError(schema.ErrCodeValidation, "missing X-Tenant-ID header"))
			return
		}
		next(w, r.WithContext(logging.WithTenantID(r.Context(), tenantID)), tenantID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps FlowError codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	ferr, ok := err.(*schema.FlowError)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":    schema.ErrCodeStore,
			"message": err.Error(),
		})
		return
	}

	status := http.StatusInternalServerError
	switch ferr.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeConfig, schema.ErrCodeTemplate:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeMatchMiss:
		status = http.StatusUnprocessableEntity
	case schema.ErrCodeCycleDetected:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ferr)
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err)
	}
	return nil
}

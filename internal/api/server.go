package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/internal/federation"
	"github.com/davidschrooten/compsync/internal/filter"
	"github.com/davidschrooten/compsync/internal/indexer"
	"github.com/davidschrooten/compsync/internal/logger"
	"github.com/davidschrooten/compsync/internal/metrics"
	syncstate "github.com/davidschrooten/compsync/internal/sync"
)

// Querier answers federated queries
type Querier interface {
	Query(ctx context.Context, f filter.Filter, s filter.Sort, p filter.Pagination) (*federation.Result, error)
	Aggregate(ctx context.Context, f filter.Filter) (*federation.StatsResult, error)
}

// SyncController exposes sync state and control
type SyncController interface {
	HealthCheck(ctx context.Context) indexer.Health
	Status() (syncstate.IndexState, bool)
	TriggerSync() error
}

// Server represents the API server
type Server struct {
	querier Querier
	sync    SyncController
	logger  *zap.Logger
}

// NewServer creates a new API server
func NewServer(querier Querier, syncController SyncController, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		querier: querier,
		sync:    syncController,
		logger:  logger,
	}
}

// QueryRequest is the body of POST /query
type QueryRequest struct {
	Filter     filter.Filter     `json:"filter"`
	Sort       filter.Sort       `json:"sort"`
	Pagination filter.Pagination `json:"pagination"`
}

// AggregateRequest is the body of POST /aggregate
type AggregateRequest struct {
	Filter filter.Filter `json:"filter"`
}

// Router setups the API routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware())

	r.Post("/query", s.handleQuery)
	r.Post("/aggregate", s.handleAggregate)
	r.Get("/sync/status", s.handleSyncStatus)
	r.Post("/sync", s.handleSync)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger attaches a request-scoped logger to the context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.logger.With(
			zap.String("requestId", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logger.ContextWithLogger(r.Context(), l)))
		l.Debug("Request served", zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := s.querier.Query(r.Context(), req.Filter, req.Sort, req.Pagination)
	if err != nil {
		s.queryError(w, r, "query", err)
		return
	}

	response(w, http.StatusOK, result)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	result, err := s.querier.Aggregate(r.Context(), req.Filter)
	if err != nil {
		s.queryError(w, r, "aggregate", err)
		return
	}

	response(w, http.StatusOK, result)
}

func (s *Server) queryError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger.FromContext(r.Context()).Error("Federated request failed", zap.String("operation", op), zap.Error(err))
	if errors.Is(err, federation.ErrRelationalUnavailable) {
		errorResponse(w, http.StatusServiceUnavailable, "relational store unavailable")
		return
	}
	errorResponse(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	state, running := s.sync.Status()
	response(w, http.StatusOK, map[string]interface{}{
		"running": running,
		"index":   state,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.TriggerSync(); err != nil {
		if errors.Is(err, indexer.ErrSyncInProgress) {
			errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		logger.FromContext(r.Context()).Error("Failed to trigger sync", zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "failed to trigger sync")
		return
	}

	response(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
	})
}

// handleHealth reports healthy while the store of record is reachable; a
// missing search store only degrades the service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.sync.HealthCheck(r.Context())

	status, code := "healthy", http.StatusOK
	switch {
	case !health.Relational:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case !health.Search:
		status = "degraded"
	}

	response(w, code, map[string]interface{}{
		"status": status,
		"checks": health,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	health := s.sync.HealthCheck(r.Context())

	checks := map[string]string{
		"relational": "ok",
		"search":     "ok",
	}
	ready := true
	if !health.Relational {
		checks["relational"] = "unavailable"
		ready = false
	}
	if !health.Search {
		checks["search"] = "unavailable"
		ready = false
	}

	if !ready {
		response(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not ready",
			"checks": checks,
		})
		return
	}

	response(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	response(w, status, map[string]string{"error": message})
}

func response(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Error("Unable to encode response", zap.Error(err))
	}
}

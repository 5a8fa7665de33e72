// Package server exposes the documentation QA service over HTTP. Every
// query passes through the concurrency manager before it may touch the
// inference backend.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/genkai/docqa/pkg/docqa/backend"
	"github.com/genkai/docqa/pkg/docqa/common"
	"github.com/genkai/docqa/pkg/docqa/concurrency"
)

const (
	shutdownTimeout      = 10 * time.Second
	defaultMetricsWindow = 1 * time.Hour
)

// Server serves the QA API.
type Server struct {
	listenAddr string
	manager    *concurrency.Manager
	backend    *backend.Client
	logger     *zap.Logger
}

// New creates a Server.
func New(listenAddr string, manager *concurrency.Manager, backendClient *backend.Client, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listenAddr: listenAddr,
		manager:    manager,
		backend:    backendClient,
		logger:     logger,
	}
}

func (s *Server) routes() http.Handler {
	router := httprouter.New()
	router.POST("/api/query", s.handleQuery)
	router.GET("/api/metrics", s.handleMetrics)
	router.GET("/api/models", s.handleModels)
	router.GET("/healthz", s.handleHealth)
	return router
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.listenAddr,
		Handler: s.routes(),
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("address", s.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type queryRequest struct {
	Question  string `json:"question"`
	RequestID string `json:"request_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

type queryResponse struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
	Model     string `json:"model"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = clientAddr(r)
	}

	question := req.Question
	handler := func(ctx context.Context) (any, error) {
		return s.backend.Generate(ctx, backend.GenerateRequest{Prompt: question})
	}

	value, err := common.Measure(s.logger, "query", func() (any, error) {
		return s.manager.Submit(r.Context(), handler, concurrency.SubmitOptions{
			RequestID: requestID,
			ClientID:  clientID,
			Priority:  req.Priority,
		})
	})
	if err != nil {
		s.writeSubmitError(w, requestID, err)
		return
	}

	resp, ok := value.(*backend.GenerateResponse)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "unexpected handler result")
		return
	}

	s.writeJSON(w, http.StatusOK, queryResponse{
		RequestID: requestID,
		Answer:    resp.Response,
		Model:     resp.Model,
	})
}

// writeSubmitError maps the admission-control error taxonomy onto HTTP
// status codes.
func (s *Server) writeSubmitError(w http.ResponseWriter, requestID string, err error) {
	var status int
	switch {
	case errors.Is(err, common.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, common.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, common.ErrShutdown), errors.Is(err, common.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, common.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, common.ErrBackendUnavailable):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	s.logger.Warn("Query failed",
		zap.String("request_id", requestID),
		zap.Int("status", status),
		zap.Error(err))

	s.writeJSON(w, status, map[string]string{
		"request_id": requestID,
		"error":      err.Error(),
	})
}

type metricsResponse struct {
	TotalRequests            int     `json:"total_requests"`
	CompletedRequests        int     `json:"completed_requests"`
	FailedRequests           int     `json:"failed_requests"`
	PendingRequests          int     `json:"pending_requests"`
	ProcessingRequests       int     `json:"processing_requests"`
	AverageProcessingSeconds float64 `json:"average_processing_time_seconds"`
	AverageQueueSeconds      float64 `json:"average_queue_time_seconds"`
	SuccessRate              float64 `json:"success_rate"`
	QueueSize                int     `json:"queue_size"`
	ActiveConnections        int     `json:"active_connections"`
	RateLimitRemaining       int     `json:"rate_limit_remaining"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	window := defaultMetricsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid window %q", raw))
			return
		}
		window = parsed
	}

	stats := s.manager.GetMetrics(window)

	s.writeJSON(w, http.StatusOK, metricsResponse{
		TotalRequests:            stats.TotalRequests,
		CompletedRequests:        stats.CompletedRequests,
		FailedRequests:           stats.FailedRequests,
		PendingRequests:          stats.PendingRequests,
		ProcessingRequests:       stats.ProcessingRequests,
		AverageProcessingSeconds: stats.AverageProcessingTime.Seconds(),
		AverageQueueSeconds:      stats.AverageQueueTime.Seconds(),
		SuccessRate:              stats.SuccessRate,
		QueueSize:                stats.QueueSize,
		ActiveConnections:        stats.ActiveConnections,
		RateLimitRemaining:       stats.RateLimitRemaining,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	models, err := s.backend.ListModels(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if !s.backend.Healthy(ctx) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Package transport serves the run control API over HTTP and streams live run
// statistics over a websocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/evmloadtest/internal/orchestrator"
	"github.com/gateway-fm/evmloadtest/internal/storage"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// Input validation bounds
const (
	maxDurationSec = 86400 // one day
	maxUsers       = 10000
	maxSpawnRate   = 1000 // users per second
	maxRampSteps   = 1000
	maxSpikeSec    = 86400
	maxWaitMs      = 600000 // ten minutes
	maxWeight      = 1000

	readyTimeout = 5 * time.Second
)

var validPatterns = map[types.LoadPattern]bool{
	"":                    true, // server default
	types.PatternConstant: true,
	types.PatternRamp:     true,
	types.PatternSpike:    true,
}

var validWaitStrategies = map[types.WaitStrategy]bool{
	"":                       true,
	types.WaitBetween:        true,
	types.WaitConstant:       true,
	types.WaitConstantPacing: true,
}

// validateStartRequest checks request bounds. Pattern-specific consistency is
// checked again by the runner once server defaults are applied.
func validateStartRequest(req *types.StartRunRequest) error {
	if !validPatterns[req.Pattern] {
		return fmt.Errorf("invalid pattern: %s (valid: constant, ramp, spike)", req.Pattern)
	}
	if !validWaitStrategies[req.WaitStrategy] {
		return fmt.Errorf("invalid waitStrategy: %s (valid: between, constant, constant-pacing)", req.WaitStrategy)
	}

	if req.DurationSec < 0 {
		return fmt.Errorf("durationSec cannot be negative, got %d", req.DurationSec)
	}
	if req.DurationSec > maxDurationSec {
		return fmt.Errorf("durationSec exceeds maximum of %d seconds", maxDurationSec)
	}
	if req.SpawnRate < 0 || math.IsNaN(req.SpawnRate) {
		return fmt.Errorf("spawnRate cannot be negative, got %v", req.SpawnRate)
	}
	if req.SpawnRate > maxSpawnRate {
		return fmt.Errorf("spawnRate exceeds maximum of %d users/s", maxSpawnRate)
	}

	for _, c := range []struct {
		name string
		v    int
		max  int
	}{
		{"users", req.Users, maxUsers},
		{"rampStart", req.RampStart, maxUsers},
		{"rampEnd", req.RampEnd, maxUsers},
		{"rampSteps", req.RampSteps, maxRampSteps},
		{"baselineUsers", req.BaselineUsers, maxUsers},
		{"spikeUsers", req.SpikeUsers, maxUsers},
		{"spikeDuration", req.SpikeDuration, maxSpikeSec},
		{"spikeInterval", req.SpikeInterval, maxSpikeSec},
		{"waitMinMs", req.WaitMinMs, maxWaitMs},
		{"waitMaxMs", req.WaitMaxMs, maxWaitMs},
	} {
		if c.v < 0 {
			return fmt.Errorf("%s cannot be negative, got %d", c.name, c.v)
		}
		if c.v > c.max {
			return fmt.Errorf("%s exceeds maximum of %d", c.name, c.max)
		}
	}

	for name, w := range map[string]*int{"transferWeight": req.TransferWeight, "swapWeight": req.SwapWeight} {
		if w == nil {
			continue
		}
		if *w < 0 || *w > maxWeight {
			return fmt.Errorf("%s must be between 0 and %d, got %d", name, maxWeight, *w)
		}
	}
	return nil
}

// RunAPI is what the handlers need from the run orchestrator.
type RunAPI interface {
	Start(req types.StartRunRequest) (string, error)
	Stop() error
	Status() types.RunMetrics

	ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	GetRun(ctx context.Context, id string) (*storage.RunDetail, error)
	GetRunEvents(ctx context.Context, id string, limit, offset int) (*storage.PaginatedEvents, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error

	Ready(ctx context.Context) error
}

// Server handles HTTP requests for the control API.
type Server struct {
	api       RunAPI
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
	metrics   http.Handler

	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server and starts its websocket broadcaster.
func NewServer(api RunAPI, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
		metrics:   promhttp.Handler(),
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the websocket broadcaster and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/start", s.corsMiddleware(s.handleStart))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", s.metrics)

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// StartResponse is returned by POST /v1/start.
type StartResponse struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.api.Start(req)
	if err != nil {
		s.writeAPIError(w, "Failed to start run", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, StartResponse{Status: "started", RunID: id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.api.Stop(); err != nil {
		s.writeAPIError(w, "Failed to stop run", err)
		return
	}

	status := s.api.Status()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status.Status), "runId": status.RunID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, 50, 100)
	result, err := s.api.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeAPIError(w, "Failed to get history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail serves /v1/history/{id} and /v1/history/{id}/events.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	parts := strings.Split(path, "/")

	if parts[0] == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) > 1 {
		if parts[1] != "events" || len(parts) > 2 {
			s.writeJSONError(w, "Not found", http.StatusNotFound)
			return
		}
		s.handleRunEvents(w, r, runID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.api.GetRun(r.Context(), runID)
		if err != nil {
			s.writeAPIError(w, "Failed to get run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeAPIError(w, "Failed to delete run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.api.UpdateRunMetadata(r.Context(), runID, &update); err != nil {
			s.writeAPIError(w, "Failed to update run", err)
			return
		}
		detail, err := s.api.GetRun(r.Context(), runID)
		if err != nil {
			s.writeAPIError(w, "Failed to get updated run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, detail.Run)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit, offset := pagination(r, 100, 1000)
	result, err := s.api.GetRunEvents(r.Context(), runID, limit, offset)
	if err != nil {
		s.writeAPIError(w, "Failed to get events", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady reports whether the node under test answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	start := time.Now()
	err := s.api.Ready(ctx)
	check := ReadinessCheck{
		Name:      "rpc",
		Status:    "ok",
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = "failed"
		check.Error = err.Error()
	}

	code := http.StatusOK
	if err != nil {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"ready":  err == nil,
		"checks": []ReadinessCheck{check},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeAPIError maps runner errors to status codes.
func (s *Server) writeAPIError(w http.ResponseWriter, prefix string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrRunActive), errors.Is(err, orchestrator.ErrNoActiveRun):
		code = http.StatusConflict
	case errors.Is(err, orchestrator.ErrRunNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrStorageDisabled):
		code = http.StatusNotImplemented
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(prefix, slog.String("error", err.Error()))
	}
	s.writeJSONError(w, prefix+": "+err.Error(), code)
}

// pagination reads limit and offset query parameters, ignoring invalid values.
func pagination(r *http.Request, defLimit, maxLimit int) (int, int) {
	limit, offset := defLimit, 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

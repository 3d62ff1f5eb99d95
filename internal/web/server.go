package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/engine"
	"github.com/Shugur-Network/outbox/internal/health"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// Server exposes the status endpoints: /healthz, /relays, /stats and
// the Prometheus /metrics handler.
type Server struct {
	engine    *engine.Engine
	logger    *zap.Logger
	version   string
	startTime time.Time
	srv       *http.Server
}

// NewServer builds a status server around the engine.
func NewServer(eng *engine.Engine, port int, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    eng,
		logger:    logger.Named("web"),
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.HandleFunc("/relays", s.HandleRelays)
	mux.HandleFunc("/stats", s.HandleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("status server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// CheckHealth performs a health check across the engine's components.
func (s *Server) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()
	components := make([]*ComponentStatus, 0)

	components = append(components, s.checkDatabase(ctx))
	components = append(components, s.checkRelays())
	components = append(components, s.checkPublishQueue(ctx))
	components = append(components, s.checkSystemResources())

	overallStatus := s.determineOverallStatus(components)
	uptime := time.Since(s.startTime)

	return &HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    s.version,
		Uptime:     s.formatUptime(uptime),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   s.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  s.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": s.countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkDatabase checks the durable store connectivity
func (s *Server) checkDatabase(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "database",
		Details: make(map[string]interface{}),
	}

	if err := s.engine.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Database connection failed"
		status.Details["error"] = err.Error()
		return status
	}

	status.Status = StatusHealthy
	status.Message = "Database is healthy"
	return status
}

// checkRelays checks how much of the tracked relay set is usable
func (s *Server) checkRelays() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "relays",
		Details: make(map[string]interface{}),
	}

	snap := s.engine.GetRelayHealth()
	open := 0
	for _, rs := range snap {
		if rs.CircuitState == health.StateOpen {
			open++
		}
	}
	status.Details["tracked_relays"] = len(snap)
	status.Details["open_circuits"] = open

	if len(snap) == 0 {
		status.Status = StatusHealthy
		status.Message = "No relays tracked yet"
		return status
	}

	openFraction := float64(open) / float64(len(snap))
	switch {
	case openFraction > 0.75:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Most relays unreachable: %d/%d circuits open", open, len(snap))
	case openFraction > 0.25:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated relay failures: %d/%d circuits open", open, len(snap))
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Relay set healthy: %d/%d circuits open", open, len(snap))
	}
	return status
}

// checkPublishQueue checks the retry queue backlog
func (s *Server) checkPublishQueue(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "publish_queue",
		Details: make(map[string]interface{}),
	}

	m := s.engine.GetConnectionMetrics(ctx)
	status.Details["depth"] = m.PublishQueueDepth
	status.Details["queued_total"] = m.PublishQueued
	status.Details["dropped_total"] = m.PublishDropped
	status.Details["retry_success_total"] = m.PublishRetrySuccess

	const (
		depthWarning  = 100
		depthCritical = 1000
	)

	switch {
	case m.PublishQueueDepth < 0:
		status.Status = StatusDegraded
		status.Message = "Queue depth unavailable"
	case m.PublishQueueDepth > depthCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Publish queue backlog critical: %d entries", m.PublishQueueDepth)
	case m.PublishQueueDepth > depthWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Publish queue backlog elevated: %d entries", m.PublishQueueDepth)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Publish queue normal: %d entries", m.PublishQueueDepth)
	}
	return status
}

// checkSystemResources checks system-level resources
func (s *Server) checkSystemResources() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "system",
		Details: make(map[string]interface{}),
	}

	status.Details["goroutines"] = runtime.NumGoroutine()
	status.Details["cpus"] = runtime.NumCPU()

	goroutineCount := runtime.NumGoroutine()

	const (
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	if goroutineCount > goroutineCritical {
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	} else if goroutineCount > goroutineWarning {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}

	return status
}

// determineOverallStatus determines the overall health status from components
func (s *Server) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	unhealthyCount := 0
	degradedCount := 0

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			unhealthyCount++
		case StatusDegraded:
			degradedCount++
		}
	}

	if unhealthyCount > 0 {
		return StatusUnhealthy
	}
	if degradedCount > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// countComponentsByStatus counts components with a specific status
func (s *Server) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (s *Server) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout*time.Second)
	defer cancel()

	healthResponse := s.CheckHealth(ctx)

	statusCode := http.StatusOK
	if healthResponse.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		s.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// HandleRelays returns the per-relay health snapshot.
func (s *Server) HandleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.GetRelayHealth()); err != nil {
		s.logger.Error("Failed to encode relay snapshot", zap.Error(err))
	}
}

// HandleStats returns the aggregated connection metrics.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.GetConnectionMetrics(r.Context())); err != nil {
		s.logger.Error("Failed to encode stats", zap.Error(err))
	}
}

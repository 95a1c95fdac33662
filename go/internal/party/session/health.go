package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HealthStatus struct {
	Healthy           bool
	RoomID            string
	StoreConnected    bool
	LastSuccess       time.Time
	PendingOperations int
	WritesSucceeded   uint64
	WritesFailed      uint64
	LastError         string
	LastErrorTime     time.Time
	WatchdogStalled   bool
	LastRepair        string
	Errors            []string
}

type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Health pings the store and summarizes the write pipeline.
func (s *Session) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		RoomID:  s.RoomID(),
		Errors:  []string{},
	}

	reg := s.retry.Registry()
	status.LastSuccess = reg.LastSuccess()
	status.PendingOperations = reg.Len()
	status.WritesSucceeded, status.WritesFailed = reg.Counts()
	if err, at := reg.LastError(); err != nil {
		status.LastError = err.Error()
		status.LastErrorTime = at
	}

	// Check store connection
	status.StoreConnected = s.checkConnection(ctx)
	if !status.StoreConnected {
		status.Healthy = false
		s.mu.Lock()
		err := s.lastPingErr
		s.mu.Unlock()
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("store ping failed: %v", err))
		} else {
			status.Errors = append(status.Errors, "store unreachable")
		}
	}

	s.mu.Lock()
	rep := s.lastReport
	s.mu.Unlock()
	status.WatchdogStalled = rep.Stalled
	status.LastRepair = string(rep.Repair)

	// Writes pending with no success for too long
	if status.PendingOperations > 0 {
		sinceSuccess := s.clock.Since(status.LastSuccess)
		if sinceSuccess > s.cfg.Watchdog.StallThreshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no successful write for %s with %d pending", sinceSuccess, status.PendingOperations))
		}
	}

	return status
}

// HealthHandler serves a checker's status as JSON, 503 when unhealthy.
type HealthHandler struct {
	checker HealthChecker
}

func NewHealthHandler(checker HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.checker.Health(ctx)

	response := map[string]interface{}{
		"healthy":            status.Healthy,
		"room_id":            status.RoomID,
		"store_connected":    status.StoreConnected,
		"last_success":       status.LastSuccess,
		"pending_operations": status.PendingOperations,
		"writes_succeeded":   status.WritesSucceeded,
		"writes_failed":      status.WritesFailed,
		"last_error":         status.LastError,
		"watchdog_stalled":   status.WatchdogStalled,
		"last_repair":        status.LastRepair,
		"errors":             status.Errors,
	}

	w.Header().Set("Content-Type", "application/json")

	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// Metrics exporter for Prometheus
type PrometheusExporter struct {
	checker HealthChecker
}

func NewPrometheusExporter(checker HealthChecker) *PrometheusExporter {
	return &PrometheusExporter{checker: checker}
}

func (e *PrometheusExporter) Export(ctx context.Context) string {
	status := e.checker.Health(ctx)

	healthy := 0
	if status.Healthy {
		healthy = 1
	}

	connected := 0
	if status.StoreConnected {
		connected = 1
	}

	stalled := 0
	if status.WatchdogStalled {
		stalled = 1
	}

	return fmt.Sprintf(`# HELP hotseat_healthy Whether the session is healthy
# TYPE hotseat_healthy gauge
hotseat_healthy %d

# HELP hotseat_store_connected Whether the room store is reachable
# TYPE hotseat_store_connected gauge
hotseat_store_connected %d

# HELP hotseat_pending_operations Current number of in-flight writes
# TYPE hotseat_pending_operations gauge
hotseat_pending_operations %d

# HELP hotseat_writes_succeeded_total Total number of writes that succeeded
# TYPE hotseat_writes_succeeded_total counter
hotseat_writes_succeeded_total %d

# HELP hotseat_writes_failed_total Total number of writes that failed terminally
# TYPE hotseat_writes_failed_total counter
hotseat_writes_failed_total %d

# HELP hotseat_watchdog_stalled Whether the watchdog saw a stall on its last check
# TYPE hotseat_watchdog_stalled gauge
hotseat_watchdog_stalled %d

# HELP hotseat_last_success_timestamp Unix timestamp of the last successful write
# TYPE hotseat_last_success_timestamp gauge
hotseat_last_success_timestamp %d
`,
		healthy,
		connected,
		status.PendingOperations,
		status.WritesSucceeded,
		status.WritesFailed,
		stalled,
		status.LastSuccess.Unix(),
	)
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, e.Export(ctx))
}

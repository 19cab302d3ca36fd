package api

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker pings the persistence store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker reports broker connectivity.
type ConnChecker interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        HealthChecker
	mqtt      ConnChecker
	version   string
	startTime time.Time
}

func NewHealthHandler(db HealthChecker, mqtt ConnChecker, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, mqtt: mqtt, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        map[string]string{"database": "ok", "mqtt": "ok"},
	}
	status := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		resp.Checks["database"] = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if !h.mqtt.IsConnected() {
		resp.Checks["mqtt"] = "disconnected"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

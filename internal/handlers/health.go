package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stwalsh4118/canopy/internal/middleware"
)

const (
	// APIVersion is the current version of the API
	APIVersion = "0.1.0"
	// HealthCheckTimeout bounds each readiness check.
	HealthCheckTimeout = 2 * time.Second
)

// Pinger reports whether the store is reachable. *database.Database
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is one named readiness check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// DatabaseCheck pings the PostGIS pool.
func DatabaseCheck(db Pinger) Check {
	return Check{Name: "database", Run: db.Ping}
}

// ScratchCheck verifies that downloads can be staged in dir.
func ScratchCheck(dir string) Check {
	return Check{Name: "scratch", Run: func(context.Context) error {
		f, err := os.CreateTemp(dir, ".canopy-ready-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}}
}

// HealthHandler serves liveness, readiness and build info.
type HealthHandler struct {
	checks    []Check
	clock     clockwork.Clock
	startedAt time.Time
	env       string
	schema    string
}

// NewHealthHandler creates a HealthHandler. Ready fails when any check fails.
func NewHealthHandler(env, schema string, clock clockwork.Clock, checks ...Check) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		clock:     clock,
		startedAt: clock.Now(),
		env:       env,
		schema:    schema,
	}
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse maps each check name to "ok" or its error.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type InfoResponse struct {
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	Schema      string    `json:"schema"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
}

// Health handles GET /health. Liveness only; no dependencies are checked.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}

// Ready handles GET /health/ready.
func (h *HealthHandler) Ready(c *gin.Context) {
	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), HealthCheckTimeout)
		err := check.Run(ctx)
		cancel()

		if err == nil {
			resp.Checks[check.Name] = "ok"
			continue
		}
		resp.Status = "not_ready"
		resp.Checks[check.Name] = err.Error()
		status = http.StatusServiceUnavailable
		if log := middleware.GetLogger(c); log != nil {
			log.Error("Readiness check failed", err, map[string]interface{}{
				"check":   check.Name,
				"timeout": HealthCheckTimeout.String(),
			})
		}
	}

	c.JSON(status, resp)
}

// Info handles GET /api/v1/info.
func (h *HealthHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, InfoResponse{
		Version:     APIVersion,
		Environment: h.env,
		Schema:      h.schema,
		StartedAt:   h.startedAt.UTC(),
		Uptime:      formatUptime(h.clock.Since(h.startedAt)),
	})
}

// formatUptime renders d as "1d 2h 3m 4s", omitting the day part under 24h.
func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	seconds := (d - minutes*time.Minute) / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}

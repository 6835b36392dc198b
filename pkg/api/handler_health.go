package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/database"
	"github.com/crewhq/crewd/pkg/dispatch"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/outbox"
	"github.com/crewhq/crewd/pkg/routines"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version,omitempty"`
	Database *database.HealthStatus `json:"database"`
	Control  *models.RuntimeControl `json:"control,omitempty"`
	Workers  WorkersHealth          `json:"workers"`
}

// WorkersHealth groups the per-worker snapshots. Absent workers are omitted.
type WorkersHealth struct {
	Dispatch  *dispatch.WorkerHealth      `json:"dispatch,omitempty"`
	Outbox    *outbox.Health              `json:"outbox,omitempty"`
	Scheduler *routines.SchedulerHealth   `json:"scheduler,omitempty"`
	Events    *routines.EventWorkerHealth `json:"events,omitempty"`
}

// livenessHandler handles GET /healthz: a bare database ping for probes.
func (s *Server) livenessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, err := database.Health(ctx, s.deps.Store.DB()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// healthHandler handles GET /api/v1/health: database, gate state, and
// worker snapshots in one view.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:  "healthy",
		Version: s.deps.Version,
	}

	dbHealth, err := database.Health(ctx, s.deps.Store.DB())
	resp.Database = dbHealth
	if err != nil {
		resp.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	if rc, err := s.deps.Store.GetRuntimeControl(ctx); err == nil {
		resp.Control = rc
		if !rc.ProcessingEnabled {
			resp.Status = "paused"
		}
	}

	if s.deps.Dispatch != nil {
		h := s.deps.Dispatch.Health()
		resp.Workers.Dispatch = &h
	}
	if s.deps.Outbox != nil {
		h := s.deps.Outbox.Snapshot()
		resp.Workers.Outbox = &h
	}
	if s.deps.Scheduler != nil {
		h := s.deps.Scheduler.Snapshot()
		resp.Workers.Scheduler = &h
	}
	if s.deps.Events != nil {
		h := s.deps.Events.Snapshot()
		resp.Workers.Events = &h
	}

	c.JSON(http.StatusOK, resp)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/routines"
	"github.com/crewhq/crewd/pkg/store"
)

// CreateRoutineRequest is the body of POST /api/v1/routines.
type CreateRoutineRequest struct {
	Name             string          `json:"name"`
	AgentID          string          `json:"agent_id"`
	PluginInstanceID string          `json:"plugin_instance_id"`
	SessionKey       string          `json:"session_key"`
	TriggerKind      string          `json:"trigger_kind"`
	CronExpr         string          `json:"cron_expr"`
	Timezone         string          `json:"timezone"`
	// RunAt schedules a oneshot; RFC3339. Empty means fire immediately.
	RunAt           string          `json:"run_at"`
	ConditionProbe  string          `json:"condition_probe"`
	ConditionConfig json.RawMessage `json:"condition_config"`
	Rule            json.RawMessage `json:"rule"`
	Prompt          string          `json:"prompt"`
	Enabled         *bool           `json:"enabled"`
}

// SetEnabledRequest is the body of the PUT .../enabled endpoints.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// createRoutineHandler handles POST /api/v1/routines. Each trigger kind has
// its own required fields; everything is validated here so a routine row can
// never reach the scheduler half-configured.
func (s *Server) createRoutineHandler(c *gin.Context) {
	var req CreateRoutineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.Name == "" {
		badRequest(c, "name field is required")
		return
	}
	if req.AgentID == "" {
		badRequest(c, "agent_id field is required")
		return
	}
	if req.Prompt == "" {
		badRequest(c, "prompt field is required")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetAgent(ctx, req.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			badRequest(c, "unknown agent_id")
			return
		}
		respondError(c, err)
		return
	}
	if req.PluginInstanceID != "" {
		if _, err := s.deps.Store.GetInstance(ctx, req.PluginInstanceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				badRequest(c, "unknown plugin_instance_id")
				return
			}
			respondError(c, err)
			return
		}
	}

	r := &models.Routine{
		Name:        req.Name,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		TriggerKind: models.TriggerKind(req.TriggerKind),
		Prompt:      req.Prompt,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if req.PluginInstanceID != "" {
		r.PluginInstanceID = &req.PluginInstanceID
	}

	switch r.TriggerKind {
	case models.TriggerCron:
		if req.CronExpr == "" {
			badRequest(c, "cron_expr field is required for cron routines")
			return
		}
		if err := routines.ValidateCron(req.CronExpr, req.Timezone, s.deps.Config.Routines.MinRecurrence); err != nil {
			badRequest(c, "invalid cron_expr: "+err.Error())
			return
		}
		next, err := routines.NextCronRun(req.CronExpr, req.Timezone, time.Now())
		if err != nil {
			badRequest(c, "invalid cron_expr: "+err.Error())
			return
		}
		r.CronExpr = &req.CronExpr
		if req.Timezone != "" {
			r.Timezone = &req.Timezone
		}
		r.NextRunAt = &next

	case models.TriggerOneshot:
		runAt := time.Now()
		if req.RunAt != "" {
			parsed, err := time.Parse(time.RFC3339, req.RunAt)
			if err != nil {
				badRequest(c, "invalid run_at, expected RFC3339")
				return
			}
			runAt = parsed
		}
		r.NextRunAt = &runAt

	case models.TriggerCondition:
		if req.ConditionProbe == "" {
			badRequest(c, "condition_probe field is required for condition routines")
			return
		}
		if s.deps.Probes != nil {
			if _, ok := s.deps.Probes.Get(req.ConditionProbe); !ok {
				badRequest(c, "unknown condition_probe: "+req.ConditionProbe)
				return
			}
		}
		if len(req.Rule) > 0 {
			if _, err := routines.ParseRule(req.Rule, routines.ProbeFields); err != nil {
				badRequest(c, "invalid rule: "+err.Error())
				return
			}
		}
		r.ConditionProbe = &req.ConditionProbe
		r.ConditionConfig = req.ConditionConfig
		r.Rule = req.Rule
		now := time.Now()
		r.NextRunAt = &now

	case models.TriggerEvent:
		if len(req.Rule) == 0 {
			badRequest(c, "rule field is required for event routines")
			return
		}
		if _, err := routines.ParseRule(req.Rule, routines.EnvelopeFields); err != nil {
			badRequest(c, "invalid rule: "+err.Error())
			return
		}
		r.Rule = req.Rule

	default:
		badRequest(c, "invalid trigger_kind: "+req.TriggerKind)
		return
	}

	if err := s.deps.Store.CreateRoutine(ctx, r); err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Routine created",
		"routine_id", r.ID,
		"trigger_kind", string(r.TriggerKind),
		"author", extractAuthor(c))
	c.JSON(http.StatusCreated, r)
}

// listRoutinesHandler handles GET /api/v1/routines.
func (s *Server) listRoutinesHandler(c *gin.Context) {
	kind := c.Query("kind")
	switch models.TriggerKind(kind) {
	case "", models.TriggerCron, models.TriggerCondition, models.TriggerOneshot, models.TriggerEvent:
	default:
		badRequest(c, "invalid kind: "+kind)
		return
	}
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	list, err := s.deps.Store.ListRoutines(c.Request.Context(), models.TriggerKind(kind), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"routines": list, "count": len(list)})
}

// getRoutineHandler handles GET /api/v1/routines/:id.
func (s *Server) getRoutineHandler(c *gin.Context) {
	r, err := s.deps.Store.GetRoutine(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// deleteRoutineHandler handles DELETE /api/v1/routines/:id.
func (s *Server) deleteRoutineHandler(c *gin.Context) {
	if err := s.deps.Store.DeleteRoutine(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// setRoutineEnabledHandler handles PUT /api/v1/routines/:id/enabled.
// Re-enabling recomputes the schedule; a cron routine resumes at its next
// fire rather than replaying the downtime.
func (s *Server) setRoutineEnabledHandler(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	r, err := s.deps.Store.GetRoutine(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var next *time.Time
	if req.Enabled {
		switch r.TriggerKind {
		case models.TriggerCron:
			if r.CronExpr == nil {
				respondError(c, store.NewValidationError("cron_expr", "routine has no cron expression"))
				return
			}
			n, err := routines.NextCronRun(*r.CronExpr, strDeref(r.Timezone), time.Now())
			if err != nil {
				badRequest(c, "cron schedule no longer computes: "+err.Error())
				return
			}
			next = &n
		case models.TriggerCondition, models.TriggerOneshot:
			now := time.Now()
			next = &now
		}
	}

	if err := s.deps.Store.SetRoutineEnabled(ctx, r.ID, req.Enabled, next); err != nil {
		respondError(c, err)
		return
	}
	r, err = s.deps.Store.GetRoutine(ctx, r.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// listRoutineRunsHandler handles GET /api/v1/routines/:id/runs.
func (s *Server) listRoutineRunsHandler(c *gin.Context) {
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetRoutine(ctx, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	runs, err := s.deps.Store.ListRoutineRuns(ctx, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
)

var validDispatchStatuses = map[string]struct{}{
	string(models.DispatchQueued):    {},
	string(models.DispatchRunning):   {},
	string(models.DispatchPaused):    {},
	string(models.DispatchCompleted): {},
	string(models.DispatchFailed):    {},
	string(models.DispatchCancelled): {},
	string(models.DispatchAbandoned): {},
	string(models.DispatchMerged):    {},
}

// listDispatchesHandler handles GET /api/v1/dispatches.
// Filters: session_key, agent_id, status, limit, offset.
func (s *Server) listDispatchesHandler(c *gin.Context) {
	filters := models.DispatchFilters{
		SessionKey: c.Query("session_key"),
		AgentID:    c.Query("agent_id"),
		Status:     c.Query("status"),
	}
	if filters.Status != "" {
		if _, ok := validDispatchStatuses[filters.Status]; !ok {
			badRequest(c, "invalid status: "+filters.Status)
			return
		}
	}
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}
	filters.Limit = limit
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			badRequest(c, "invalid offset")
			return
		}
		filters.Offset = offset
	}

	dispatches, err := s.deps.Store.ListRunDispatches(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dispatches": dispatches,
		"count":      len(dispatches),
	})
}

// getDispatchHandler handles GET /api/v1/dispatches/:id.
func (s *Server) getDispatchHandler(c *gin.Context) {
	dispatch, err := s.deps.Store.GetRunDispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispatch)
}

// replayDispatchHandler handles POST /api/v1/dispatches/:id/replay. A
// terminal dispatch is cloned into a fresh queued one; the worker picks it up
// on its next claim.
func (s *Server) replayDispatchHandler(c *gin.Context) {
	replay, err := s.deps.Store.ReplayRunDispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Dispatch replayed",
		"original_id", c.Param("id"),
		"replay_id", replay.ID,
		"author", extractAuthor(c))
	c.JSON(http.StatusAccepted, replay)
}

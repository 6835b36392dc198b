package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
)

// listSessionWorkItemsHandler handles GET /api/v1/sessions/:key/work-items.
func (s *Server) listSessionWorkItemsHandler(c *gin.Context) {
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}
	items, err := s.deps.Store.ListWorkItemsBySession(c.Request.Context(), c.Param("key"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_items": items, "count": len(items)})
}

// listSessionMessagesHandler handles GET /api/v1/sessions/:key/messages: the
// conversation transcript, inbound and assistant turns interleaved.
func (s *Server) listSessionMessagesHandler(c *gin.Context) {
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}
	messages, err := s.deps.Store.ListSessionMessages(c.Request.Context(), c.Param("key"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// listSessionLanesHandler handles GET /api/v1/sessions/:key/lanes. With
// `pending=true` each lane carries its queued messages, which is how an
// operator sees what a debouncing lane is holding.
func (s *Server) listSessionLanesHandler(c *gin.Context) {
	ctx := c.Request.Context()
	lanes, err := s.deps.Store.ListLanesBySession(ctx, c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}

	if c.Query("pending") != "true" {
		c.JSON(http.StatusOK, gin.H{"lanes": lanes, "count": len(lanes)})
		return
	}

	type laneWithPending struct {
		*models.QueueLane
		Pending []*models.QueueMessage `json:"pending"`
	}
	out := make([]laneWithPending, 0, len(lanes))
	for _, lane := range lanes {
		pending, err := s.deps.Store.ListPendingMessages(ctx, lane.QueueKey)
		if err != nil {
			respondError(c, err)
			return
		}
		out = append(out, laneWithPending{QueueLane: lane, Pending: pending})
	}
	c.JSON(http.StatusOK, gin.H{"lanes": out, "count": len(out)})
}

// listPluginEventsHandler handles GET /api/v1/plugin-events: the audit trail
// of hook vetoes, hook faults, permission denials, and delivery faults.
func (s *Server) listPluginEventsHandler(c *gin.Context) {
	kind := c.Query("kind")
	switch kind {
	case "", models.PluginEventHookBlocked, models.PluginEventHookError,
		models.PluginEventDelivery, models.PluginEventPermissionDenied:
	default:
		badRequest(c, "invalid kind: "+kind)
		return
	}
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	events, err := s.deps.Store.ListPluginEvents(c.Request.Context(), kind, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

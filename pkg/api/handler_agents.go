package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
)

// CreateAgentRequest is the body of POST /api/v1/agents.
type CreateAgentRequest struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	DebounceMS  *int64 `json:"debounce_ms"`
	Enabled     *bool  `json:"enabled"`
}

// createAgentHandler handles POST /api/v1/agents.
func (s *Server) createAgentHandler(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	agent := &models.Agent{
		Handle:      req.Handle,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		DebounceMS:  req.DebounceMS,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if err := s.deps.Store.CreateAgent(c.Request.Context(), agent); err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Agent created",
		"agent_id", agent.ID,
		"handle", agent.Handle,
		"author", extractAuthor(c))
	c.JSON(http.StatusCreated, agent)
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *gin.Context) {
	enabledOnly := c.Query("enabled_only") == "true"
	agents, err := s.deps.Store.ListAgents(c.Request.Context(), enabledOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	agent, err := s.deps.Store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// setAgentEnabledHandler handles PUT /api/v1/agents/:id/enabled. Disabled
// agents are skipped at fan-out; their lanes keep any pending messages.
func (s *Server) setAgentEnabledHandler(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Store.SetAgentEnabled(ctx, c.Param("id"), req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	agent, err := s.deps.Store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

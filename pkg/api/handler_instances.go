package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
)

// CreateInstanceRequest is the body of POST /api/v1/instances.
type CreateInstanceRequest struct {
	PluginType      string                 `json:"plugin_type"`
	DisplayName     string                 `json:"display_name"`
	Config          *InstanceConfigRequest `json:"config"`
	AgentIDs        []string               `json:"agent_ids"`
	IsPublicChannel bool                   `json:"is_public_channel"`
	DebounceMS      *int64                 `json:"debounce_ms"`
}

// InstanceConfigRequest mirrors the channel configuration. It is encrypted
// at rest and never echoed back.
type InstanceConfigRequest struct {
	Endpoint string         `json:"endpoint"`
	Token    string         `json:"token"`
	Extra    map[string]any `json:"extra"`
}

// AgentIDsRequest is the body of PUT /api/v1/instances/:id/agents.
type AgentIDsRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// CreateInstanceResponse returns the instance plus its webhook credentials.
// The secret is shown exactly once; afterwards it exists only encrypted.
type CreateInstanceResponse struct {
	Instance      *models.PluginInstance `json:"instance"`
	WebhookURL    string                 `json:"webhook_url,omitempty"`
	WebhookSecret string                 `json:"webhook_secret"`
}

// createInstanceHandler handles POST /api/v1/instances.
func (s *Server) createInstanceHandler(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.PluginType == "" {
		badRequest(c, "plugin_type field is required")
		return
	}
	if s.deps.Registry != nil {
		if _, ok := s.deps.Registry.Get(req.PluginType); !ok {
			badRequest(c, "unknown plugin_type: "+req.PluginType)
			return
		}
	}

	inst := &models.PluginInstance{
		PluginType:      req.PluginType,
		DisplayName:     req.DisplayName,
		AgentIDs:        req.AgentIDs,
		IsPublicChannel: req.IsPublicChannel,
		DebounceMS:      req.DebounceMS,
		Enabled:         true,
	}
	if req.Config != nil {
		inst.Config = &models.InstanceConfig{
			Endpoint: req.Config.Endpoint,
			Token:    req.Config.Token,
			Extra:    req.Config.Extra,
		}
	}

	secret, err := newWebhookSecret()
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.deps.Store.CreateInstance(c.Request.Context(), inst, secret); err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Plugin instance created",
		"instance_id", inst.ID,
		"plugin_type", inst.PluginType,
		"author", extractAuthor(c))

	c.JSON(http.StatusCreated, &CreateInstanceResponse{
		Instance:      inst,
		WebhookURL:    s.webhookURL(inst.ID),
		WebhookSecret: secret,
	})
}

// listInstancesHandler handles GET /api/v1/instances.
func (s *Server) listInstancesHandler(c *gin.Context) {
	enabledOnly := c.Query("enabled_only") == "true"
	instances, err := s.deps.Store.ListInstances(c.Request.Context(), enabledOnly)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

// getInstanceHandler handles GET /api/v1/instances/:id.
func (s *Server) getInstanceHandler(c *gin.Context) {
	inst, err := s.deps.Store.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance":    inst,
		"webhook_url": s.webhookURL(inst.ID),
	})
}

// updateInstanceConfigHandler handles PUT /api/v1/instances/:id/config. The
// whole configuration is replaced; there is no partial merge of secrets.
func (s *Server) updateInstanceConfigHandler(c *gin.Context) {
	var req InstanceConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	cfg := &models.InstanceConfig{
		Endpoint: req.Endpoint,
		Token:    req.Token,
		Extra:    req.Extra,
	}
	if err := s.deps.Store.UpdateInstanceConfig(c.Request.Context(), c.Param("id"), cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// updateInstanceAgentsHandler handles PUT /api/v1/instances/:id/agents.
func (s *Server) updateInstanceAgentsHandler(c *gin.Context) {
	var req AgentIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Store.UpdateInstanceAgents(ctx, c.Param("id"), req.AgentIDs); err != nil {
		respondError(c, err)
		return
	}
	inst, err := s.deps.Store.GetInstance(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// setInstanceEnabledHandler handles PUT /api/v1/instances/:id/enabled.
func (s *Server) setInstanceEnabledHandler(c *gin.Context) {
	var req SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Store.SetInstanceEnabled(ctx, c.Param("id"), req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	inst, err := s.deps.Store.GetInstance(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// webhookURL derives the inbound delivery URL for an instance.
func (s *Server) webhookURL(instanceID string) string {
	if s.deps.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.deps.BaseURL, "/") + "/api/v1/hooks/" + instanceID
}

// newWebhookSecret generates a 32-byte random secret, hex encoded.
func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

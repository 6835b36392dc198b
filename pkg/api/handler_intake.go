package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/store"
)

// maxInboundBody caps inbound webhook and chat payload sizes.
const maxInboundBody = 256 * 1024

// WebhookRequest is the body of POST /api/v1/hooks/:instance.
type WebhookRequest struct {
	SessionKey      string         `json:"session_key"`
	SourceRef       string         `json:"source_ref"`
	Title           string         `json:"title"`
	Text            string         `json:"text"`
	SenderName      string         `json:"sender_name"`
	ExternalID      string         `json:"external_id"`
	TargetAgentIDs  []string       `json:"target_agent_ids"`
	ResponseContext map[string]any `json:"response_context"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	SessionKey     string   `json:"session_key"`
	Text           string   `json:"text"`
	SenderName     string   `json:"sender_name"`
	ClientRef      string   `json:"client_ref"`
	TargetAgentIDs []string `json:"target_agent_ids"`
	// TargetAgentHandles addresses agents the way chat clients name them;
	// resolved to ids before submission. Combines with TargetAgentIDs.
	TargetAgentHandles []string `json:"target_agent_handles"`
}

// IntakeResponse acknowledges an accepted submission.
type IntakeResponse struct {
	WorkItemID     string   `json:"work_item_id"`
	Status         string   `json:"status"`
	Created        bool     `json:"created"`
	QueueKeys      []string `json:"queue_keys,omitempty"`
	ExcludedAgents []string `json:"excluded_agents,omitempty"`
}

// receiveWebhookHandler handles POST /api/v1/hooks/:instance.
// Providers deliver inbound events here; the body is authenticated with the
// instance's webhook secret before anything is parsed.
func (s *Server) receiveWebhookHandler(c *gin.Context) {
	instanceID := c.Param("instance")
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody+1))
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}
	if len(body) > maxInboundBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	secret, err := s.deps.Store.GetInstanceWebhookSecret(ctx, instanceID)
	if err != nil {
		respondError(c, err)
		return
	}
	// An instance without a secret takes unsigned deliveries, matching the
	// outbound side which skips signing in that case.
	if secret != "" && !plugins.VerifySignature(secret, body, c.GetHeader(plugins.SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.SessionKey == "" {
		badRequest(c, "session_key field is required")
		return
	}
	if req.Text == "" {
		badRequest(c, "text field is required")
		return
	}

	sourceRef := req.SourceRef
	if sourceRef == "" {
		sourceRef = "webhook:" + uuid.Must(uuid.NewV7()).String()
	}

	receipt, err := s.deps.Intake.Submit(ctx, &intake.Submission{
		InstanceID: instanceID,
		SessionKey: req.SessionKey,
		Source:     models.SourceWebhook,
		SourceRef:  sourceRef,
		Title:      req.Title,
		Text:       req.Text,
		SenderName: req.SenderName,
		Actor: models.ActorEnvelope{
			Kind:        models.ActorHuman,
			DisplayName: req.SenderName,
			ExternalID:  req.ExternalID,
		},
		TargetAgentIDs:  req.TargetAgentIDs,
		ResponseContext: req.ResponseContext,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, intakeResponse(receipt))
}

// chatHandler handles POST /api/v1/chat: an in-app message with no plugin
// instance behind it.
func (s *Server) chatHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxInboundBody)

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.SessionKey == "" {
		badRequest(c, "session_key field is required")
		return
	}
	if req.Text == "" {
		badRequest(c, "text field is required")
		return
	}
	if len(req.TargetAgentIDs) == 0 && len(req.TargetAgentHandles) == 0 {
		badRequest(c, "target_agent_ids or target_agent_handles is required for chat messages")
		return
	}

	targets := req.TargetAgentIDs
	for _, handle := range req.TargetAgentHandles {
		agent, err := s.deps.Store.GetAgentByHandle(c.Request.Context(), handle)
		if errors.Is(err, store.ErrNotFound) {
			badRequest(c, "unknown agent handle: "+handle)
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		targets = append(targets, agent.ID)
	}

	// client_ref is the client's idempotency key; without one every
	// submission is a fresh work item.
	sourceRef := req.ClientRef
	if sourceRef == "" {
		sourceRef = "chat:" + uuid.Must(uuid.NewV7()).String()
	}

	receipt, err := s.deps.Intake.Submit(c.Request.Context(), &intake.Submission{
		SessionKey: req.SessionKey,
		Source:     models.SourceChat,
		SourceRef:  sourceRef,
		Text:       req.Text,
		SenderName: req.SenderName,
		Actor: models.ActorEnvelope{
			Kind:        models.ActorHuman,
			Handle:      extractAuthor(c),
			DisplayName: req.SenderName,
		},
		TargetAgentIDs: targets,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, intakeResponse(receipt))
}

func intakeResponse(r *intake.Receipt) *IntakeResponse {
	return &IntakeResponse{
		WorkItemID:     r.WorkItem.ID,
		Status:         "queued",
		Created:        r.Created,
		QueueKeys:      r.QueueKeys,
		ExcludedAgents: r.ExcludedAgents,
	}
}

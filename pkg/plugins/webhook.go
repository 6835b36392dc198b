package plugins

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

// WebhookPluginType is the registry key for the outbound webhook channel.
const WebhookPluginType = "webhook"

// SignatureHeader carries the HMAC-SHA256 of the request body, hex encoded.
// Outbound deliveries are signed with it and the inbound hooks endpoint
// verifies it, both against the instance's webhook secret.
const SignatureHeader = "X-Crewd-Signature"

// Signature computes the header value for a body signed with secret.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header is a valid signature of body. The
// comparison is constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(header), []byte(Signature(secret, body)))
}

// SecretSource resolves the per-instance signing secret. The store satisfies
// this.
type SecretSource interface {
	GetInstanceWebhookSecret(ctx context.Context, instanceID string) (string, error)
}

// WebhookHandler delivers agent responses by POSTing them to the instance's
// configured endpoint. Deliveries are signed; outcomes are classified so the
// outbox can decide between retry, permanent failure, and operator review.
type WebhookHandler struct {
	httpClient *http.Client
	secrets    SecretSource
	logger     *slog.Logger
}

// NewWebhookHandler creates a webhook channel handler. The client timeout is
// a backstop; per-attempt deadlines come from the caller's context.
func NewWebhookHandler(secrets SecretSource) *WebhookHandler {
	return &WebhookHandler{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		secrets:    secrets,
		logger:     slog.Default().With("component", "webhook_handler"),
	}
}

func (h *WebhookHandler) PluginType() string { return WebhookPluginType }

func (h *WebhookHandler) ResponseMode() models.ResponseMode { return models.ResponseFinal }

// webhookDelivery is the wire shape POSTed to the instance endpoint.
type webhookDelivery struct {
	EffectID        string         `json:"effect_id"`
	Kind            string         `json:"kind"`
	Content         string         `json:"content"`
	Agent           agentRef       `json:"agent"`
	WorkItemID      string         `json:"work_item_id,omitempty"`
	HitLimit        bool           `json:"hit_limit,omitempty"`
	ResponseContext map[string]any `json:"response_context,omitempty"`
}

type agentRef struct {
	ID          string `json:"id,omitempty"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// PostResponse delivers one effect to the instance endpoint.
//
// Outcome mapping: 2xx is sent; 408, 429 and 5xx are retryable failures;
// other 4xx are permanent failures; a deadline that expires after the request
// left is unknown, because the receiver may have processed it.
func (h *WebhookHandler) PostResponse(ctx context.Context, instance *models.PluginInstance, effect *models.Effect) (*PostResult, error) {
	if instance.Config == nil || instance.Config.Endpoint == "" {
		return &PostResult{
			Outcome:   OutcomeFailed,
			Retryable: false,
			Detail:    "instance has no endpoint configured",
		}, nil
	}

	body, err := json.Marshal(webhookDelivery{
		EffectID: effect.ID,
		Kind:     string(effect.Kind),
		Content:  effect.Payload.Content,
		Agent: agentRef{
			ID:          effect.Payload.Actor.AgentID,
			Handle:      effect.Payload.Actor.Handle,
			DisplayName: effect.Payload.Actor.DisplayName,
		},
		WorkItemID:      deref(effect.WorkItemID),
		HitLimit:        effect.Payload.HitLimit,
		ResponseContext: effect.Payload.ResponseContext,
	})
	if err != nil {
		return &PostResult{Outcome: OutcomeFailed, Retryable: false, Detail: fmt.Sprintf("encode delivery: %v", err)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", instance.Config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &PostResult{Outcome: OutcomeFailed, Retryable: false, Detail: fmt.Sprintf("build request: %v", err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if instance.Config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+instance.Config.Token)
	}
	if err := h.sign(ctx, req, instance.ID, body); err != nil {
		return &PostResult{Outcome: OutcomeFailed, Retryable: true, Detail: fmt.Sprintf("sign delivery: %v", err)}, nil
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			// The request may have reached the receiver before the
			// deadline hit. Do not retry without an operator.
			return &PostResult{Outcome: OutcomeUnknown, Detail: fmt.Sprintf("delivery timed out: %v", err)}, nil
		}
		// Connection-level failures never reached the receiver.
		return &PostResult{Outcome: OutcomeFailed, Retryable: true, Detail: fmt.Sprintf("delivery failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &PostResult{Outcome: OutcomeSent, ProviderRef: providerRef(resp)}, nil
	}

	detail := readErrorBody(resp)
	h.logger.Warn("Webhook delivery rejected",
		"instance_id", instance.ID,
		"effect_id", effect.ID,
		"status", resp.StatusCode)

	retryable := resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500
	return &PostResult{
		Outcome:   OutcomeFailed,
		Retryable: retryable,
		Detail:    fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, detail),
	}, nil
}

// AcknowledgeReceipt sends a lightweight "accepted" ping on intake when the
// instance endpoint is configured for it. Best effort.
func (h *WebhookHandler) AcknowledgeReceipt(ctx context.Context, instance *models.PluginInstance, responseContext map[string]any) error {
	if instance.Config == nil || instance.Config.Endpoint == "" {
		return nil
	}
	ackURL, _ := instance.Config.Extra["ack_url"].(string)
	if ackURL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"status":           "accepted",
		"response_context": responseContext,
	})
	if err != nil {
		return fmt.Errorf("encode acknowledgement: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", ackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build acknowledgement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if instance.Config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+instance.Config.Token)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send acknowledgement: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("acknowledgement endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (h *WebhookHandler) sign(ctx context.Context, req *http.Request, instanceID string, body []byte) error {
	secret, err := h.secrets.GetInstanceWebhookSecret(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("resolve signing secret: %w", err)
	}
	if secret == "" {
		return nil
	}
	req.Header.Set(SignatureHeader, Signature(secret, body))
	return nil
}

// providerRef pulls the receiver-assigned delivery id out of a success
// response, when the receiver returns one.
func providerRef(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return ""
	}
	return ack.ID
}

func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(data))
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package models

import "time"

// ActorEnvelope identifies who produced an inbound message. It travels with
// the work item payload and back out on every effect so channel handlers and
// the relay loop can tell user traffic from agent traffic.
type ActorEnvelope struct {
	Kind        ActorKind `json:"kind"`
	AgentID     string    `json:"agent_id,omitempty"`
	Handle      string    `json:"handle,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
}

// WorkItemPayload is the JSONB payload of a work item row.
type WorkItemPayload struct {
	Text            string         `json:"text"`
	SenderName      string         `json:"sender_name,omitempty"`
	Actor           ActorEnvelope  `json:"actor"`
	RelayDepth      int            `json:"relay_depth,omitempty"`
	TargetAgentIDs  []string       `json:"target_agent_ids,omitempty"`
	ResponseContext map[string]any `json:"response_context,omitempty"`
}

// WorkItem is one unit of inbound work: a webhook delivery, a chat message,
// a routine firing, or an agent relay. A single work item fans out to one
// queue message per target agent.
type WorkItem struct {
	ID               string          `json:"id"`
	PluginInstanceID *string         `json:"plugin_instance_id,omitempty"`
	SessionKey       string          `json:"session_key"`
	Source           string          `json:"source"`
	SourceRef        *string         `json:"source_ref,omitempty"`
	Title            string          `json:"title,omitempty"`
	Payload          WorkItemPayload `json:"payload"`
	Status           WorkItemStatus  `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Work item sources. Relay and probe items are produced internally; the rest
// arrive through the API or channel adapters.
const (
	SourceWebhook = "webhook"
	SourceChat    = "chat"
	SourceRoutine = "routine"
	SourceRelay   = "relay"
	SourceProbe   = "probe"
)

package models

import "time"

// InstanceConfig is the decrypted per-instance channel configuration. It is
// stored encrypted at rest; only the store's read path materializes it.
type InstanceConfig struct {
	// Endpoint is the provider endpoint for outbound delivery, when the
	// channel type needs one.
	Endpoint string `json:"endpoint,omitempty"`
	// Token is the provider credential. Never logged.
	Token string `json:"token,omitempty"`
	// Extra holds channel-type specific settings.
	Extra map[string]any `json:"extra,omitempty"`
}

// PluginInstance is one configured channel: a webhook endpoint, a web chat
// surface, or any other adapter type registered with the plugin registry.
type PluginInstance struct {
	ID          string `json:"id"`
	PluginType  string `json:"plugin_type"`
	DisplayName string `json:"display_name"`
	// Config is populated on reads and encrypted on writes. It is omitted
	// from API responses.
	Config          *InstanceConfig `json:"-"`
	AgentIDs        []string        `json:"agent_ids"`
	IsPublicChannel bool            `json:"is_public_channel"`
	DebounceMS      *int64          `json:"debounce_ms,omitempty"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PluginEvent records a hook rejection, a permission denial, or a handler
// fault for operator review.
type PluginEvent struct {
	ID               string    `json:"id"`
	PluginInstanceID *string   `json:"plugin_instance_id,omitempty"`
	Kind             string    `json:"kind"`
	Hook             string    `json:"hook,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Plugin event kinds.
const (
	PluginEventHookBlocked      = "hook_blocked"
	PluginEventHookError        = "hook_error"
	PluginEventDelivery         = "delivery_fault"
	PluginEventPermissionDenied = "permission_denied"
)

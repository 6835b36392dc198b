package models

import "time"

// EffectPayload is the JSONB payload of an outbox effect: what to deliver and
// enough routing context for the channel handler to address the reply.
type EffectPayload struct {
	Content         string         `json:"content"`
	Actor           ActorEnvelope  `json:"actor"`
	ResponseContext map[string]any `json:"response_context,omitempty"`
	HitLimit        bool           `json:"hit_limit,omitempty"`
}

// Effect is one row of the at-most-once delivery outbox. EffectKey is unique;
// inserting the same key twice is a no-op, so a dispatch can only ever enqueue
// one final response.
type Effect struct {
	ID               string        `json:"id"`
	EffectKey        string        `json:"effect_key"`
	DispatchID       *string       `json:"dispatch_id,omitempty"`
	PluginInstanceID *string       `json:"plugin_instance_id,omitempty"`
	WorkItemID       *string       `json:"work_item_id,omitempty"`
	JobID            *string       `json:"job_id,omitempty"`
	Kind             EffectKind    `json:"kind"`
	Payload          EffectPayload `json:"payload"`
	Status           EffectStatus  `json:"status"`
	AttemptCount     int           `json:"attempt_count"`
	NextAttemptAt    *time.Time    `json:"next_attempt_at,omitempty"`
	ClaimedEpoch     int64         `json:"claimed_epoch"`
	ClaimedAt        *time.Time    `json:"claimed_at,omitempty"`
	ProviderRef      *string       `json:"provider_ref,omitempty"`
	LastError        *string       `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
}

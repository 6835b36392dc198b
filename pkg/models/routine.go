package models

import (
	"encoding/json"
	"time"
)

// Routine is a standing instruction that fires on a schedule, on a probed
// condition, on a matching event, or exactly once.
type Routine struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	AgentID          string          `json:"agent_id"`
	PluginInstanceID *string         `json:"plugin_instance_id,omitempty"`
	SessionKey       string          `json:"session_key,omitempty"`
	TriggerKind      TriggerKind     `json:"trigger_kind"`
	CronExpr         *string         `json:"cron_expr,omitempty"`
	Timezone         *string         `json:"timezone,omitempty"`
	ConditionProbe   *string         `json:"condition_probe,omitempty"`
	ConditionConfig  json.RawMessage `json:"condition_config,omitempty"`
	Rule             json.RawMessage `json:"rule,omitempty"`
	Prompt           string          `json:"prompt"`
	NextRunAt        *time.Time      `json:"next_run_at,omitempty"`
	LastEvaluatedAt  *time.Time      `json:"last_evaluated_at,omitempty"`
	LastStatus       *string         `json:"last_status,omitempty"`
	Enabled          bool            `json:"enabled"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RoutineRun is the receipt of one routine evaluation. The (routine_id,
// trigger_ref) pair is unique, which is what makes cron catch-up and event
// fan-out idempotent.
type RoutineRun struct {
	ID              string          `json:"id"`
	RoutineID       string          `json:"routine_id"`
	TriggerOrigin   string          `json:"trigger_origin"`
	TriggerRef      string          `json:"trigger_ref"`
	Envelope        json.RawMessage `json:"envelope,omitempty"`
	Decision        RunDecision     `json:"decision"`
	Reason          string          `json:"reason,omitempty"`
	ScheduledItemID *string         `json:"scheduled_item_id,omitempty"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
}

// EventEnvelope is the normalized shape every lifecycle event is flattened
// into before event-trigger rules are evaluated against it.
type EventEnvelope struct {
	EventID          string    `json:"event_id"`
	Source           string    `json:"source"`
	EventType        string    `json:"event_type"`
	SourceRef        string    `json:"source_ref,omitempty"`
	SessionKey       string    `json:"session_key,omitempty"`
	PluginInstanceID string    `json:"plugin_instance_id,omitempty"`
	ActorKind        ActorKind `json:"actor_kind,omitempty"`
	ActorHandle      string    `json:"actor_handle,omitempty"`
	Status           string    `json:"status,omitempty"`
	Title            string    `json:"title,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RoutineEvent is one queued envelope awaiting event-routine fan-out.
// EventKey is unique so the same lifecycle transition publishes once.
type RoutineEvent struct {
	ID           string        `json:"id"`
	EventKey     string        `json:"event_key"`
	Envelope     EventEnvelope `json:"envelope"`
	Status       EventStatus   `json:"status"`
	ClaimedEpoch int64         `json:"claimed_epoch"`
	CreatedAt    time.Time     `json:"created_at"`
	ProcessedAt  *time.Time    `json:"processed_at,omitempty"`
}

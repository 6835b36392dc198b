package models

import "time"

// RunDispatch is one claimed-or-claimable unit of agent execution. A dispatch
// binds a batch of coalesced lane messages to exactly one agent run; run_key
// is unique so the same batch can never execute twice.
type RunDispatch struct {
	ID             string         `json:"id"`
	RunKey         string         `json:"run_key"`
	QueueKey       string         `json:"queue_key"`
	WorkItemID     string         `json:"work_item_id"`
	AgentID        string         `json:"agent_id"`
	Status         DispatchStatus `json:"status"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	// ClaimedEpoch increments on every claim, reap, and forced termination.
	// Writes from a worker that lost its claim carry a stale epoch and are
	// rejected by the store.
	ClaimedEpoch       int64        `json:"claimed_epoch"`
	ControlState       ControlState `json:"control_state"`
	ControlReason      *string      `json:"control_reason,omitempty"`
	ReplayOfDispatchID *string      `json:"replay_of_dispatch_id,omitempty"`
	JobID              *string      `json:"job_id,omitempty"`
	InputText          string       `json:"input_text"`
	ErrorMessage       *string      `json:"error_message,omitempty"`
	ScheduledAt        time.Time    `json:"scheduled_at"`
	CreatedAt          time.Time    `json:"created_at"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}

// SteerMessage is a lane message handed to a running job by a steer directive.
type SteerMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderName string `json:"sender_name,omitempty"`
}

// Directive is one control poll result for a running job. Action is always
// set; Messages is populated only for steer.
type Directive struct {
	Action   DirectiveAction `json:"action"`
	Messages []SteerMessage  `json:"messages,omitempty"`
}

// DispatchFilters contains filtering options for listing dispatches.
type DispatchFilters struct {
	SessionKey string `json:"session_key,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

package models

import "time"

// QueueLane is the per-(session, agent) FIFO lane. Lanes serialize dispatches:
// at most one dispatch runs per lane, and pending messages accumulate behind a
// debounce window before being promoted into a dispatch.
type QueueLane struct {
	QueueKey         string    `json:"queue_key"`
	SessionKey       string    `json:"session_key"`
	AgentID          string    `json:"agent_id"`
	State            LaneState `json:"state"`
	Mode             LaneMode  `json:"mode"`
	DebounceUntil    time.Time `json:"debounce_until"`
	DebounceMS       int64     `json:"debounce_ms"`
	MaxQueued        int       `json:"max_queued"`
	ActiveDispatchID *string   `json:"active_dispatch_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// QueueMessage is one message waiting on a lane. Messages are consumed in
// arrival order, either coalesced into a new dispatch or steered into a
// running one.
type QueueMessage struct {
	ID         string             `json:"id"`
	QueueKey   string             `json:"queue_key"`
	WorkItemID string             `json:"work_item_id"`
	Text       string             `json:"text"`
	SenderName string             `json:"sender_name,omitempty"`
	ArrivedAt  time.Time          `json:"arrived_at"`
	Status     QueueMessageStatus `json:"status"`
	DispatchID *string            `json:"dispatch_id,omitempty"`
	DropReason *string            `json:"drop_reason,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

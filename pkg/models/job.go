package models

import "time"

// Job mirrors the runner-side execution record for a dispatch. The runner
// owns job execution; this row exists so the control plane can address runs
// by job id and reap zombies whose dispatch linkage was lost.
type Job struct {
	ID         string    `json:"id"`
	DispatchID *string   `json:"dispatch_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is one transcript entry in a conversation session.
type Message struct {
	ID         string      `json:"id"`
	SessionKey string      `json:"session_key"`
	WorkItemID *string     `json:"work_item_id,omitempty"`
	AgentID    *string     `json:"agent_id,omitempty"`
	Role       MessageRole `json:"role"`
	Author     string      `json:"author,omitempty"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
}

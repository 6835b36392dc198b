package models

import "time"

// Agent is one configured teammate identity.
type Agent struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role,omitempty"`
	Enabled     bool      `json:"enabled"`
	DebounceMS  *int64    `json:"debounce_ms,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Teammate is one entry in the team context assembled for a run: who else is
// on the channel and whether they are currently busy.
type Teammate struct {
	AgentID     string `json:"agent_id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
	ActiveRuns  int    `json:"active_runs"`
}

// TeamContext is the awareness bundle handed to the runner alongside the
// coalesced input.
type TeamContext struct {
	Teammates      []Teammate `json:"teammates,omitempty"`
	RecentActivity []string   `json:"recent_activity,omitempty"`
	// ExclusiveHolder names the teammate currently running on the same work
	// item, if any.
	ExclusiveHolder string `json:"exclusive_holder,omitempty"`
}

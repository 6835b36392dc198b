package models

import "time"

// RuntimeControl is the singleton row gating all background processing.
type RuntimeControl struct {
	ProcessingEnabled bool      `json:"processing_enabled"`
	PauseMode         PauseMode `json:"pause_mode"`
	// ControlEpoch increments on emergency stop and on startup recovery.
	// It never decreases; dashboards use it to correlate forced terminations.
	ControlEpoch            int64     `json:"control_epoch"`
	MaxConcurrentDispatches int       `json:"max_concurrent_dispatches"`
	UpdatedAt               time.Time `json:"updated_at"`
}

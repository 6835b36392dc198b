package config

import (
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

// LanesConfig contains conversation lane defaults. Per-instance and
// per-agent settings override these at enqueue time.
type LanesConfig struct {
	// Debounce is the default quiet window after the last arrival before a
	// lane's pending messages are promoted into a dispatch.
	Debounce time.Duration `yaml:"debounce"`

	// Mode is the default handling of messages that arrive while a lane is
	// running: steer offers them to the running dispatch, coalesce holds
	// them for the next one.
	Mode models.LaneMode `yaml:"mode"`

	// MaxQueued caps pending messages per lane. At promotion time the
	// oldest surplus beyond the cap is dropped.
	MaxQueued int `yaml:"max_queued"`

	// FanoutStagger is the per-agent delay step when one work item fans
	// out to several agents, so replies don't land as a burst.
	FanoutStagger time.Duration `yaml:"fanout_stagger"`

	// PromoteBatch is how many due lanes a single promotion pass handles.
	PromoteBatch int `yaml:"promote_batch"`
}

// DefaultLanesConfig returns the built-in lane defaults.
func DefaultLanesConfig() *LanesConfig {
	return &LanesConfig{
		Debounce:      2 * time.Second,
		Mode:          models.LaneModeSteer,
		MaxQueued:     10,
		FanoutStagger: 5 * time.Second,
		PromoteBatch:  10,
	}
}

// SteeringConfig controls the mid-run steering arbiter.
type SteeringConfig struct {
	// Enabled turns arbiter consultation on. When off, pending messages on
	// steer lanes simply wait for the next dispatch.
	Enabled bool `yaml:"enabled"`

	// InterruptKeywords force an interrupt_now verdict when any pending
	// message contains one of them. Matched case-insensitively.
	InterruptKeywords []string `yaml:"interrupt_keywords"`
}

// DefaultSteeringConfig returns the built-in steering defaults.
func DefaultSteeringConfig() *SteeringConfig {
	return &SteeringConfig{
		Enabled:           true,
		InterruptKeywords: []string{"stop", "wait", "cancel that", "urgent"},
	}
}

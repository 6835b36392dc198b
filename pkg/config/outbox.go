package config

import "time"

// OutboxConfig contains effect delivery configuration.
type OutboxConfig struct {
	// TickInterval is how often the outbox worker polls for due effects.
	TickInterval time.Duration `yaml:"tick_interval"`

	// DeliveryTimeout bounds a single channel handler call.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	// BackoffStep is multiplied by the attempt count to compute the retry
	// delay, clamped between BackoffMin and BackoffMax.
	BackoffStep time.Duration `yaml:"backoff_step"`
	BackoffMin  time.Duration `yaml:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// MaxRelayDepth caps agent-to-agent relay chains. A delivered agent
	// reply whose chain already reached this depth is not relayed further.
	MaxRelayDepth int `yaml:"max_relay_depth"`
}

// DefaultOutboxConfig returns the built-in outbox defaults.
func DefaultOutboxConfig() *OutboxConfig {
	return &OutboxConfig{
		TickInterval:    1 * time.Second,
		DeliveryTimeout: 30 * time.Second,
		BackoffStep:     10 * time.Second,
		BackoffMin:      5 * time.Second,
		BackoffMax:      5 * time.Minute,
		MaxRelayDepth:   12,
	}
}

package config

import "time"

// RuntimeConfig contains dispatch execution configuration. These values
// control how dispatches are claimed, leased, and drained.
type RuntimeConfig struct {
	// MaxConcurrentDispatches seeds the global ceiling of concurrent
	// dispatch executions. The live value lives in the runtime_control row
	// and can be changed at runtime through the API; this only applies on
	// first boot.
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches"`

	// ClaimInterval is the base interval of the dispatch worker tick.
	ClaimInterval time.Duration `yaml:"claim_interval"`

	// ClaimIntervalJitter is the random jitter added to ClaimInterval.
	// Actual interval: ClaimInterval ± ClaimIntervalJitter.
	ClaimIntervalJitter time.Duration `yaml:"claim_interval_jitter"`

	// DispatchLease is how long a claim stays valid without a heartbeat.
	// Recovery abandons dispatches whose lease expired.
	DispatchLease time.Duration `yaml:"dispatch_lease"`

	// HeartbeatInterval is how often an executing dispatch renews its
	// lease. Must be well under DispatchLease; a sixth of it by default.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// DispatchTimeout is the maximum wall-clock time a single dispatch
	// execution may take before its context is cancelled.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active dispatches
	// to finish during shutdown before abandoning the wait.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// DrainPollInterval is how often the drain loop re-checks the active
	// set during shutdown.
	DrainPollInterval time.Duration `yaml:"drain_poll_interval"`

	// RecoveryInterval is how often the periodic recovery pass runs.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`

	// StartupStaleAfter is the lease age beyond which startup recovery
	// considers an active dispatch stale.
	StartupStaleAfter time.Duration `yaml:"startup_stale_after"`

	// EnableAgentMentionHandoffs allows agent output that mentions another
	// agent to target that agent directly during relay fan-out.
	EnableAgentMentionHandoffs bool `yaml:"enable_agent_mention_handoffs"`
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxConcurrentDispatches: 8,
		ClaimInterval:           1 * time.Second,
		ClaimIntervalJitter:     250 * time.Millisecond,
		DispatchLease:           2 * time.Minute,
		HeartbeatInterval:       20 * time.Second,
		DispatchTimeout:         15 * time.Minute,
		GracefulShutdownTimeout: 25 * time.Second,
		DrainPollInterval:       250 * time.Millisecond,
		RecoveryInterval:        1 * time.Minute,
		StartupStaleAfter:       3 * time.Minute,
	}
}

package config

import (
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
)

// Validator validates configuration with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	if err := v.validateRuntime(); err != nil {
		return fmt.Errorf("runtime validation failed: %w", err)
	}
	if err := v.validateLanes(); err != nil {
		return fmt.Errorf("lanes validation failed: %w", err)
	}
	if err := v.validateOutbox(); err != nil {
		return fmt.Errorf("outbox validation failed: %w", err)
	}
	if err := v.validateRoutines(); err != nil {
		return fmt.Errorf("routines validation failed: %w", err)
	}
	if err := v.validateSystem(); err != nil {
		return fmt.Errorf("system validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateRuntime() error {
	r := v.cfg.Runtime
	if r.MaxConcurrentDispatches < 1 {
		return NewValidationError("runtime", "max_concurrent_dispatches", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.ClaimInterval <= 0 {
		return NewValidationError("runtime", "claim_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.DispatchLease <= 0 {
		return NewValidationError("runtime", "dispatch_lease", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.HeartbeatInterval <= 0 || r.HeartbeatInterval >= r.DispatchLease {
		return NewValidationError("runtime", "heartbeat_interval", fmt.Errorf("%w: must be positive and shorter than dispatch_lease", ErrInvalidValue))
	}
	if r.DispatchTimeout <= 0 {
		return NewValidationError("runtime", "dispatch_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.GracefulShutdownTimeout <= 0 {
		return NewValidationError("runtime", "graceful_shutdown_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.DrainPollInterval <= 0 {
		return NewValidationError("runtime", "drain_poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.StartupStaleAfter <= 0 {
		return NewValidationError("runtime", "startup_stale_after", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateLanes() error {
	l := v.cfg.Lanes
	if l.Debounce < 0 {
		return NewValidationError("lanes", "debounce", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if l.Mode != models.LaneModeSteer && l.Mode != models.LaneModeCoalesce {
		return NewValidationError("lanes", "mode", fmt.Errorf("%w: must be steer or coalesce", ErrInvalidValue))
	}
	if l.MaxQueued < 1 {
		return NewValidationError("lanes", "max_queued", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if l.PromoteBatch < 1 {
		return NewValidationError("lanes", "promote_batch", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateOutbox() error {
	o := v.cfg.Outbox
	if o.TickInterval <= 0 {
		return NewValidationError("outbox", "tick_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.DeliveryTimeout <= 0 {
		return NewValidationError("outbox", "delivery_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.BackoffMin <= 0 || o.BackoffMax < o.BackoffMin {
		return NewValidationError("outbox", "backoff_min", fmt.Errorf("%w: need 0 < backoff_min <= backoff_max", ErrInvalidValue))
	}
	if o.BackoffStep <= 0 {
		return NewValidationError("outbox", "backoff_step", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.MaxRelayDepth < 0 {
		return NewValidationError("outbox", "max_relay_depth", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateRoutines() error {
	r := v.cfg.Routines
	if r.SchedulerInterval <= 0 {
		return NewValidationError("routines", "scheduler_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.EventInterval <= 0 {
		return NewValidationError("routines", "event_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.MinRecurrence <= 0 {
		return NewValidationError("routines", "min_recurrence", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.CatchupJitterMax < 0 {
		return NewValidationError("routines", "catchup_jitter_max", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if r.ConditionRetry <= 0 {
		return NewValidationError("routines", "condition_retry", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.DueBatch < 1 {
		return NewValidationError("routines", "due_batch", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateSystem() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: must be a valid TCP port", ErrInvalidValue))
	}
	if v.cfg.GitHub.BaseURL == "" {
		return NewValidationError("github", "base_url", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	ret := v.cfg.Retention
	if ret.SweepInterval <= 0 {
		return NewValidationError("retention", "sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if ret.SettledEventTTL <= 0 || ret.ResolvedEffectTTL <= 0 || ret.PluginEventTTL <= 0 {
		return NewValidationError("retention", "ttl", fmt.Errorf("%w: all TTLs must be positive", ErrInvalidValue))
	}
	return nil
}

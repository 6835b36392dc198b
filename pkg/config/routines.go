package config

import "time"

// RoutinesConfig contains routine scheduler and event worker configuration.
type RoutinesConfig struct {
	// SchedulerInterval is how often due cron/condition/oneshot routines
	// are evaluated.
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	// EventInterval is how often the event worker drains the routine
	// event queue.
	EventInterval time.Duration `yaml:"event_interval"`

	// MinRecurrence is the tightest average cadence a cron expression may
	// have. Validation measures it over the first eight successive fires.
	MinRecurrence time.Duration `yaml:"min_recurrence"`

	// CatchupJitterMax spreads catch-up firings after downtime over a
	// random 0..max delay so agents don't all wake at once.
	CatchupJitterMax time.Duration `yaml:"catchup_jitter_max"`

	// ConditionRetry is how long a condition routine waits before its next
	// evaluation, both after a probe error and after a no-match.
	ConditionRetry time.Duration `yaml:"condition_retry"`

	// DueBatch is how many due routines one scheduler pass evaluates.
	DueBatch int `yaml:"due_batch"`

	// EventStuckAfter is how long an event may sit in processing before
	// recovery requeues it.
	EventStuckAfter time.Duration `yaml:"event_stuck_after"`
}

// DefaultRoutinesConfig returns the built-in routine defaults.
func DefaultRoutinesConfig() *RoutinesConfig {
	return &RoutinesConfig{
		SchedulerInterval: 30 * time.Second,
		EventInterval:     1 * time.Second,
		MinRecurrence:     5 * time.Minute,
		CatchupJitterMax:  2 * time.Minute,
		ConditionRetry:    5 * time.Minute,
		DueBatch:          20,
		EventStuckAfter:   5 * time.Minute,
	}
}

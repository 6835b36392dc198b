package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/store"
)

// RecoveryDeps bundles the collaborators Recovery needs.
type RecoveryDeps struct {
	Store    *store.Store
	Runtime  *config.RuntimeConfig
	Routines *config.RoutinesConfig
}

// Recovery reclaims work orphaned by crashes: expired dispatch leases,
// zombie jobs, stuck routine events, and deliveries wedged in sending.
// RunStartup is called once before the workers start; the periodic pass
// repeats the same sweep without bumping the control epoch.
type Recovery struct {
	store    *store.Store
	runtime  *config.RuntimeConfig
	routines *config.RoutinesConfig

	sweeping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewRecovery creates the recovery worker.
func NewRecovery(deps RecoveryDeps) *Recovery {
	return &Recovery{
		store:    deps.Store,
		runtime:  deps.Runtime,
		routines: deps.Routines,
		stopCh:   make(chan struct{}),
		logger:   slog.Default().With("component", "recovery"),
	}
}

// RunStartup terminates dispatches whose lease went stale before this
// process started, fails their zombie jobs, and bumps the control epoch so
// any holder that somehow survived cannot write. Must complete before the
// workers start claiming.
func (r *Recovery) RunStartup(ctx context.Context) (*store.TerminateReport, error) {
	cutoff := time.Now().Add(-r.runtime.StartupStaleAfter)
	report, err := r.store.ForceTerminateActive(ctx, store.TerminateStale, cutoff,
		"startup recovery: stale lease", false, true)
	if err != nil {
		return nil, fmt.Errorf("startup termination: %w", err)
	}

	zombies, err := r.store.ReapZombieJobs(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reap zombie jobs: %w", err)
	}

	r.logger.Info("Startup recovery finished",
		"dispatches_abandoned", len(report.Dispatches),
		"jobs_failed", zombies,
		"effects_parked", report.EffectsUnknown,
		"events_requeued", report.EventsRequeued,
		"control_epoch", report.ControlEpoch)
	return report, nil
}

// Start begins the periodic pass in a goroutine.
func (r *Recovery) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (r *Recovery) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Recovery) run(ctx context.Context) {
	defer r.wg.Done()
	r.logger.Info("Recovery loop started", "interval", r.runtime.RecoveryInterval)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Recovery loop shutting down")
			return
		case <-ctx.Done():
			r.logger.Info("Context cancelled, recovery loop shutting down")
			return
		default:
			if _, err := r.pass(ctx); err != nil {
				if store.IsSchemaDrift(err) {
					store.LogSchemaDrift(r.logger, err)
					r.logger.Error("Recovery loop stopped on schema drift")
					return
				}
				r.logger.Error("Recovery pass failed", "error", err)
			}
			r.sleep(r.runtime.RecoveryInterval)
		}
	}
}

func (r *Recovery) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.stopCh:
	case <-timer.C:
	}
}

// PassReport summarizes what one recovery pass reclaimed. Skipped means the
// pass did not run: processing was paused or another pass was in flight.
type PassReport struct {
	Skipped             bool  `json:"skipped"`
	DispatchesAbandoned int   `json:"dispatches_abandoned"`
	JobsFailed          int64 `json:"jobs_failed"`
	EventsRequeued      int64 `json:"events_requeued"`
	EffectsParked       int64 `json:"effects_parked"`
}

// TriggerPass runs one recovery pass on demand instead of waiting for the
// next periodic tick. Semantics match the periodic pass exactly, including
// the processing gate and the single-flight guard.
func (r *Recovery) TriggerPass(ctx context.Context) (*PassReport, error) {
	return r.pass(ctx)
}

// pass is the periodic sweep. Unlike startup it leaves the control epoch
// alone: per-row epoch bumps already invalidate the preempted holders, and a
// global bump every minute would needlessly churn healthy claims.
func (r *Recovery) pass(ctx context.Context) (*PassReport, error) {
	if !r.sweeping.CompareAndSwap(false, true) {
		return &PassReport{Skipped: true}, nil
	}
	defer r.sweeping.Store(false)

	rc, err := r.store.GetRuntimeControl(ctx)
	if err != nil {
		return nil, fmt.Errorf("read runtime control: %w", err)
	}
	if !rc.ProcessingEnabled {
		return &PassReport{Skipped: true}, nil
	}

	now := time.Now()
	reaped, err := r.store.ReapExpiredDispatches(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("reap expired dispatches: %w", err)
	}

	zombies, err := r.store.ReapZombieJobs(ctx, now.Add(-r.runtime.StartupStaleAfter))
	if err != nil {
		return nil, fmt.Errorf("reap zombie jobs: %w", err)
	}

	requeued, err := r.store.RequeueStuckRoutineEvents(ctx, now.Add(-r.routines.EventStuckAfter))
	if err != nil {
		return nil, fmt.Errorf("requeue stuck events: %w", err)
	}

	parked, err := r.store.ParkStaleSendingEffects(ctx, now.Add(-r.runtime.StartupStaleAfter),
		"recovery: sending past stale cutoff")
	if err != nil {
		return nil, fmt.Errorf("park stale sending effects: %w", err)
	}

	if len(reaped) > 0 || zombies > 0 || requeued > 0 || parked > 0 {
		r.logger.Warn("Recovery pass reclaimed work",
			"dispatches_abandoned", len(reaped),
			"jobs_failed", zombies,
			"events_requeued", requeued,
			"effects_parked", parked)
	}
	return &PassReport{
		DispatchesAbandoned: len(reaped),
		JobsFailed:          zombies,
		EventsRequeued:      requeued,
		EffectsParked:       parked,
	}, nil
}

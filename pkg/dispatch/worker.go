// Package dispatch runs the claim loop that turns queued dispatches into
// agent runs: lane promotion, leased claiming, heartbeat, directive
// resolution, terminal settlement, and response enqueueing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/runner"
	"github.com/crewhq/crewd/pkg/steering"
	"github.com/crewhq/crewd/pkg/store"
)

// Deps bundles the collaborators a Worker needs.
type Deps struct {
	Store    *store.Store
	Runner   runner.Runner
	Registry *plugins.Registry
	Arbiter  steering.Arbiter

	Runtime  *config.RuntimeConfig
	Lanes    *config.LanesConfig
	Steering *config.SteeringConfig

	// Active is shared with the control plane so emergency stop can abort
	// runs on this host. A fresh set is created when nil.
	Active *ActiveSet
}

// Worker owns the dispatch tick loop. One Worker per process; concurrency
// comes from the runs it spawns, bounded by max_concurrent_dispatches.
type Worker struct {
	id         string
	store      *store.Store
	runner     runner.Runner
	registry   *plugins.Registry
	arbiter    steering.Arbiter
	steerCache *steering.Cache

	cfg      *config.RuntimeConfig
	lanes    *config.LanesConfig
	steering *config.SteeringConfig

	active   *ActiveSet
	claiming atomic.Bool
	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu           sync.RWMutex
	processed    int
	lastActivity time.Time
}

// WorkerHealth is a point-in-time snapshot for the health endpoint.
type WorkerHealth struct {
	WorkerID     string    `json:"worker_id"`
	ActiveRuns   int       `json:"active_runs"`
	ActiveIDs    []string  `json:"active_ids,omitempty"`
	Processed    int       `json:"processed"`
	LastActivity time.Time `json:"last_activity"`
}

// NewWorker creates the dispatch worker.
func NewWorker(id string, deps Deps) *Worker {
	active := deps.Active
	if active == nil {
		active = NewActiveSet()
	}
	arbiter := deps.Arbiter
	if arbiter == nil {
		arbiter = steering.NewRuleArbiter(deps.Steering)
	}
	return &Worker{
		id:           id,
		store:        deps.Store,
		runner:       deps.Runner,
		registry:     deps.Registry,
		arbiter:      arbiter,
		steerCache:   steering.NewCache(),
		cfg:          deps.Runtime,
		lanes:        deps.Lanes,
		steering:     deps.Steering,
		active:       active,
		kickCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       slog.Default().With("component", "dispatch_worker", "worker_id", id),
		lastActivity: time.Now(),
	}
}

// Active exposes the run registry for the control plane.
func (w *Worker) Active() *ActiveSet { return w.active }

// Start begins the tick loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it. In-flight runs are not
// interrupted; the coordinator drains them separately.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Kick requests an immediate tick, e.g. right after an enqueue, instead of
// waiting out the claim interval. Non-blocking.
func (w *Worker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// Health returns the worker snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		WorkerID:     w.id,
		ActiveRuns:   w.active.Size(),
		ActiveIDs:    w.active.IDs(),
		Processed:    w.processed,
		LastActivity: w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Dispatch worker started",
		"claim_interval", w.cfg.ClaimInterval,
		"max_concurrent", w.cfg.MaxConcurrentDispatches)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Dispatch worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, dispatch worker shutting down")
			return
		default:
			if err := w.tick(ctx); err != nil {
				if store.IsSchemaDrift(err) {
					store.LogSchemaDrift(w.logger, err)
					w.logger.Error("Dispatch worker stopped on schema drift")
					return
				}
				w.logger.Error("Dispatch tick failed", "error", err)
				w.sleep(time.Second)
				continue
			}
			w.sleep(w.claimInterval())
		}
	}
}

// sleep waits out the claim interval, a stop signal, or a kick.
func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-w.kickCh:
	case <-timer.C:
	}
}

// tick promotes due lanes and claims dispatches up to capacity. Overlapping
// ticks are gated by the claiming flag.
func (w *Worker) tick(ctx context.Context) error {
	if !w.claiming.CompareAndSwap(false, true) {
		return nil
	}
	defer w.claiming.Store(false)

	rc, err := w.store.GetRuntimeControl(ctx)
	if err != nil {
		return fmt.Errorf("read runtime control: %w", err)
	}
	if !rc.ProcessingEnabled {
		return nil
	}

	promoted, err := w.store.PromoteDueLanes(ctx, w.lanes.PromoteBatch)
	if err != nil {
		return fmt.Errorf("promote due lanes: %w", err)
	}
	for _, d := range promoted {
		w.logger.Info("Lane promoted",
			"dispatch_id", d.ID,
			"queue_key", d.QueueKey,
			"run_key", d.RunKey)
	}

	maxConcurrent := rc.MaxConcurrentDispatches
	if maxConcurrent <= 0 {
		maxConcurrent = w.cfg.MaxConcurrentDispatches
	}

	for {
		// Global capacity check; racy across hosts but bounded by the
		// claim primitive itself.
		active, err := w.store.CountActiveDispatches(ctx)
		if err != nil {
			return fmt.Errorf("count active dispatches: %w", err)
		}
		if active >= maxConcurrent {
			return nil
		}

		claimed, err := w.store.ClaimNextRunDispatch(ctx, w.id, w.cfg.DispatchLease)
		if errors.Is(err, store.ErrNoDispatchAvailable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim dispatch: %w", err)
		}

		w.logger.Info("Dispatch claimed",
			"dispatch_id", claimed.ID,
			"queue_key", claimed.QueueKey,
			"agent_id", claimed.AgentID,
			"epoch", claimed.ClaimedEpoch)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.executeDispatch(ctx, claimed)
		}()
	}
}

// claimInterval returns the poll cadence with jitter so multiple hosts do not
// synchronize their claims.
func (w *Worker) claimInterval() time.Duration {
	base := w.cfg.ClaimInterval
	jitter := w.cfg.ClaimIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) markProcessed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processed++
	w.lastActivity = time.Now()
}

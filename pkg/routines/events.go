package routines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
)

// EventWorkerDeps bundles the collaborators an EventWorker needs.
type EventWorkerDeps struct {
	Store    *store.Store
	Intake   *intake.Service
	Routines *config.RoutinesConfig
}

// EventWorker drains the routine event queue: each claimed lifecycle
// envelope is matched against every enabled event routine, and matches are
// enqueued through intake. The receipt table dedupes per (routine, event), so
// a crashed worker replaying a requeued event cannot double-fire.
type EventWorker struct {
	store  *store.Store
	intake *intake.Service
	cfg    *config.RoutinesConfig

	draining atomic.Bool
	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu           sync.Mutex
	processed    int64
	lastActivity time.Time
}

// EventWorkerHealth is a point-in-time snapshot for the health endpoint.
type EventWorkerHealth struct {
	Processed    int64     `json:"processed"`
	LastActivity time.Time `json:"last_activity"`
}

// NewEventWorker creates the event worker.
func NewEventWorker(deps EventWorkerDeps) *EventWorker {
	return &EventWorker{
		store:  deps.Store,
		intake: deps.Intake,
		cfg:    deps.Routines,
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: slog.Default().With("component", "routine_events"),
	}
}

// Start begins the drain loop in a goroutine.
func (w *EventWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (w *EventWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Kick nudges the worker without waiting for the next tick. Intake calls
// this after publishing a lifecycle event.
func (w *EventWorker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// Snapshot returns processing counters for health reporting.
func (w *EventWorker) Snapshot() EventWorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return EventWorkerHealth{Processed: w.processed, LastActivity: w.lastActivity}
}

func (w *EventWorker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Routine event worker started", "interval", w.cfg.EventInterval)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Routine event worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, routine event worker shutting down")
			return
		default:
			if err := w.tick(ctx); err != nil {
				if store.IsSchemaDrift(err) {
					store.LogSchemaDrift(w.logger, err)
					w.logger.Error("Routine event worker stopped on schema drift")
					return
				}
				w.logger.Error("Event drain failed", "error", err)
				w.sleep(time.Second)
				continue
			}
			w.sleep(w.cfg.EventInterval)
		}
	}
}

func (w *EventWorker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-w.kickCh:
	case <-timer.C:
	}
}

// tick drains the queue until no claimable event remains.
func (w *EventWorker) tick(ctx context.Context) error {
	if !w.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer w.draining.Store(false)

	rc, err := w.store.GetRuntimeControl(ctx)
	if err != nil {
		return fmt.Errorf("read runtime control: %w", err)
	}
	if !rc.ProcessingEnabled {
		return nil
	}

	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}

		ev, err := w.store.ClaimNextRoutineEvent(ctx)
		if errors.Is(err, store.ErrNoEventAvailable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim routine event: %w", err)
		}
		if err := w.process(ctx, ev); err != nil {
			return err
		}
	}
}

func (w *EventWorker) process(ctx context.Context, ev *models.RoutineEvent) error {
	routines, err := w.store.ListEventRoutines(ctx)
	if err != nil {
		if markErr := w.store.MarkRoutineEventFailed(ctx, ev.ID, ev.ClaimedEpoch); markErr != nil && !errors.Is(markErr, store.ErrStaleEpoch) {
			w.logger.Error("Event settle failed", "event_id", ev.ID, "error", markErr)
		}
		return fmt.Errorf("list event routines: %w", err)
	}

	record, err := flattenEnvelope(ev.Envelope)
	if err != nil {
		if markErr := w.store.MarkRoutineEventFailed(ctx, ev.ID, ev.ClaimedEpoch); markErr != nil && !errors.Is(markErr, store.ErrStaleEpoch) {
			w.logger.Error("Event settle failed", "event_id", ev.ID, "error", markErr)
		}
		return fmt.Errorf("flatten envelope %s: %w", ev.EventKey, err)
	}

	matched := 0
	for _, r := range routines {
		if w.dispatchRoutine(ctx, r, ev, record) {
			matched++
		}
	}

	if err := w.store.MarkRoutineEventDone(ctx, ev.ID, ev.ClaimedEpoch); err != nil {
		if errors.Is(err, store.ErrStaleEpoch) {
			w.logger.Warn("Event already resettled, claim was preempted", "event_id", ev.ID)
			return nil
		}
		return fmt.Errorf("mark event done: %w", err)
	}

	w.mu.Lock()
	w.processed++
	w.lastActivity = time.Now()
	w.mu.Unlock()

	w.logger.Info("Lifecycle event drained",
		"event_id", ev.Envelope.EventID,
		"event_type", ev.Envelope.EventType,
		"routines", len(routines),
		"matched", matched)
	return nil
}

// dispatchRoutine evaluates one routine against the envelope and records the
// receipt. Returns true when the routine enqueued work.
func (w *EventWorker) dispatchRoutine(ctx context.Context, r *models.Routine, ev *models.RoutineEvent, record map[string]any) bool {
	run := &models.RoutineRun{
		RoutineID:     r.ID,
		TriggerOrigin: "event",
		TriggerRef:    "event:" + ev.Envelope.EventID,
		Envelope:      mustJSON(record),
	}

	// Routine-sourced events never trigger routines. Without this a routine
	// whose own work item emits lifecycle events could feed itself forever.
	if ev.Envelope.Source == models.SourceRoutine {
		run.Decision = models.DecisionSkipped
		run.Reason = "recursion blocked"
		w.record(ctx, run)
		return false
	}

	rule, err := ParseRule(r.Rule, EnvelopeFields)
	if err != nil {
		run.Decision = models.DecisionError
		run.Reason = fmt.Sprintf("invalid rule: %v", err)
		w.record(ctx, run)
		return false
	}
	if !rule.Eval(record) {
		run.Decision = models.DecisionSkipped
		run.Reason = "rule did not match"
		w.record(ctx, run)
		return false
	}

	run.Decision = models.DecisionEnqueued
	recorded, err := w.store.RecordRoutineRun(ctx, run)
	if err != nil {
		w.logger.Error("Routine receipt insert failed",
			"routine_id", r.ID, "event_id", ev.Envelope.EventID, "error", err)
		return false
	}
	if !recorded {
		// A previous claim of this event already fired the routine.
		return false
	}

	receipt, err := w.intake.Submit(ctx, buildSubmission(r, run.TriggerRef, record, nil))
	if err != nil {
		w.logger.Error("Routine enqueue failed",
			"routine_id", r.ID, "event_id", ev.Envelope.EventID, "error", err)
		if uerr := w.store.UpdateRoutineRunOutcome(ctx, run.ID, models.DecisionError, fmt.Sprintf("enqueue failed: %v", err), nil); uerr != nil {
			w.logger.Error("Routine receipt update failed", "run_id", run.ID, "error", uerr)
		}
		return false
	}
	if uerr := w.store.UpdateRoutineRunOutcome(ctx, run.ID, models.DecisionEnqueued, "", &receipt.WorkItem.ID); uerr != nil {
		w.logger.Error("Routine receipt update failed", "run_id", run.ID, "error", uerr)
	}
	w.logger.Info("Event routine fired",
		"routine_id", r.ID,
		"routine", r.Name,
		"event_id", ev.Envelope.EventID,
		"work_item_id", receipt.WorkItem.ID)
	return true
}

// record inserts a non-enqueue receipt; duplicates from event redelivery are
// expected and ignored.
func (w *EventWorker) record(ctx context.Context, run *models.RoutineRun) {
	if _, err := w.store.RecordRoutineRun(ctx, run); err != nil {
		w.logger.Error("Routine receipt insert failed",
			"routine_id", run.RoutineID, "trigger_ref", run.TriggerRef, "error", err)
	}
}

// flattenEnvelope exposes the envelope as the flat field map rules read.
func flattenEnvelope(env models.EventEnvelope) (map[string]any, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

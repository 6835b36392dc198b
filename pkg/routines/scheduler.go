// Package routines turns standing instructions into work: a scheduler
// worker that evaluates due cron/condition/oneshot routines and an event
// worker that fans lifecycle envelopes out to event-triggered routines.
// Every evaluation leaves a receipt keyed by (routine, trigger ref), which
// is what makes catch-up and redelivery idempotent.
package routines

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/telemetry"
)

// SchedulerDeps bundles the collaborators a Scheduler needs.
type SchedulerDeps struct {
	Store    *store.Store
	Intake   *intake.Service
	Probes   *ProbeRegistry
	Routines *config.RoutinesConfig
}

// Scheduler owns the due-routine tick loop.
type Scheduler struct {
	store  *store.Store
	intake *intake.Service
	probes *ProbeRegistry
	cfg    *config.RoutinesConfig

	evaluating atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu           sync.Mutex
	fired        int64
	lastActivity time.Time
}

// SchedulerHealth is a point-in-time snapshot for the health endpoint.
type SchedulerHealth struct {
	Fired        int64     `json:"fired"`
	LastActivity time.Time `json:"last_activity"`
}

// NewScheduler creates the scheduler worker.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	probes := deps.Probes
	if probes == nil {
		probes = NewProbeRegistry()
	}
	return &Scheduler{
		store:  deps.Store,
		intake: deps.Intake,
		probes: probes,
		cfg:    deps.Routines,
		stopCh: make(chan struct{}),
		logger: slog.Default().With("component", "routine_scheduler"),
	}
}

// Start begins the tick loop in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Snapshot returns firing counters for health reporting.
func (s *Scheduler) Snapshot() SchedulerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerHealth{Fired: s.fired, LastActivity: s.lastActivity}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("Routine scheduler started", "interval", s.cfg.SchedulerInterval)

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Routine scheduler shutting down")
			return
		case <-ctx.Done():
			s.logger.Info("Context cancelled, routine scheduler shutting down")
			return
		default:
			if err := s.tick(ctx); err != nil {
				if store.IsSchemaDrift(err) {
					store.LogSchemaDrift(s.logger, err)
					s.logger.Error("Routine scheduler stopped on schema drift")
					return
				}
				s.logger.Error("Scheduler tick failed", "error", err)
				s.sleep(time.Second)
				continue
			}
			s.sleep(s.cfg.SchedulerInterval)
		}
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
	case <-timer.C:
	}
}

// tick evaluates one batch of due routines. A broken routine is recorded and
// skipped; it never stalls the batch.
func (s *Scheduler) tick(ctx context.Context) error {
	if !s.evaluating.CompareAndSwap(false, true) {
		return nil
	}
	defer s.evaluating.Store(false)

	rc, err := s.store.GetRuntimeControl(ctx)
	if err != nil {
		return fmt.Errorf("read runtime control: %w", err)
	}
	if !rc.ProcessingEnabled {
		return nil
	}

	due, err := s.store.ListDueRoutines(ctx, time.Now(), s.cfg.DueBatch)
	if err != nil {
		return fmt.Errorf("list due routines: %w", err)
	}

	for _, r := range due {
		select {
		case <-s.stopCh:
			return nil
		default:
		}
		if err := s.evaluate(ctx, r); err != nil {
			s.logger.Error("Routine evaluation failed",
				"routine_id", r.ID,
				"routine", r.Name,
				"trigger_kind", r.TriggerKind,
				"error", err)
		}
	}
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, r *models.Routine) error {
	ctx, span := telemetry.Tracer().Start(ctx, "routine.evaluate",
		trace.WithAttributes(
			attribute.String("routine.id", r.ID),
			attribute.String("routine.trigger_kind", string(r.TriggerKind)),
		))
	defer span.End()

	err := func() error {
		switch r.TriggerKind {
		case models.TriggerCron:
			return s.evaluateCron(ctx, r)
		case models.TriggerCondition:
			return s.evaluateCondition(ctx, r)
		case models.TriggerOneshot:
			return s.evaluateOneshot(ctx, r)
		default:
			// Event routines never become due; the event worker owns them.
			return s.store.UpdateRoutineSchedule(ctx, r.ID, nil, "error: not scheduler-driven")
		}
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routine evaluation")
	}
	return err
}

// evaluateCron fires a cron routine for its due instant and advances the
// schedule. The trigger ref pins the firing to the due time, so a scheduler
// racing with another host records it exactly once.
func (s *Scheduler) evaluateCron(ctx context.Context, r *models.Routine) error {
	if r.CronExpr == nil || r.NextRunAt == nil {
		if err := s.store.SetRoutineEnabled(ctx, r.ID, false, nil); err != nil {
			return err
		}
		return fmt.Errorf("cron routine %s has no expression or schedule", r.ID)
	}
	due := *r.NextRunAt

	run := &models.RoutineRun{
		RoutineID:     r.ID,
		TriggerOrigin: "cron",
		TriggerRef:    fmt.Sprintf("cron:%d", due.Unix()),
		Decision:      models.DecisionEnqueued,
	}
	recorded, err := s.store.RecordRoutineRun(ctx, run)
	if err != nil {
		return err
	}
	if recorded {
		// Catch-up after downtime lands behind a jitter so every overdue
		// routine does not wake its agent at the same instant.
		notBefore := due
		if now := time.Now(); notBefore.Before(now) {
			notBefore = now
		}
		notBefore = notBefore.Add(s.catchupJitter())
		s.finishEnqueue(ctx, r, run, nil, &notBefore)
	}

	status := "fired"
	next, err := NextCronRun(*r.CronExpr, deref(r.Timezone), time.Now())
	if err != nil {
		s.logger.Error("Cron schedule no longer computes, disabling routine",
			"routine_id", r.ID, "error", err)
		return s.store.SetRoutineEnabled(ctx, r.ID, false, nil)
	}
	return s.store.UpdateRoutineSchedule(ctx, r.ID, &next, status)
}

// evaluateCondition runs the probe, evaluates the rule against its record,
// and enqueues when it matches.
func (s *Scheduler) evaluateCondition(ctx context.Context, r *models.Routine) error {
	retryAt := time.Now().Add(s.cfg.ConditionRetry)
	run := &models.RoutineRun{
		RoutineID:     r.ID,
		TriggerOrigin: "condition",
		TriggerRef:    fmt.Sprintf("cond:%d", time.Now().Unix()),
	}

	if r.ConditionProbe == nil {
		run.Decision = models.DecisionError
		run.Reason = "routine has no probe"
		if _, err := s.store.RecordRoutineRun(ctx, run); err != nil {
			return err
		}
		return s.store.UpdateRoutineSchedule(ctx, r.ID, &retryAt, "error: no probe")
	}

	probe, ok := s.probes.Get(*r.ConditionProbe)
	if !ok {
		run.Decision = models.DecisionError
		run.Reason = fmt.Sprintf("unknown probe %q", *r.ConditionProbe)
		if _, err := s.store.RecordRoutineRun(ctx, run); err != nil {
			return err
		}
		return s.store.UpdateRoutineSchedule(ctx, r.ID, &retryAt, "error: unknown probe")
	}

	record, probeErr := probe.Run(ctx, r.ConditionConfig)
	if probeErr != nil {
		run.Decision = models.DecisionError
		run.Reason = fmt.Sprintf("probe failed: %v", probeErr)
		if _, err := s.store.RecordRoutineRun(ctx, run); err != nil {
			return err
		}
		return s.store.UpdateRoutineSchedule(ctx, r.ID, &retryAt, "error: probe failed")
	}
	envelope, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode probe record: %w", err)
	}
	run.Envelope = envelope

	rule, err := ParseRule(r.Rule, ProbeFields)
	if err != nil {
		run.Decision = models.DecisionError
		run.Reason = fmt.Sprintf("invalid rule: %v", err)
		if _, recErr := s.store.RecordRoutineRun(ctx, run); recErr != nil {
			return recErr
		}
		return s.store.UpdateRoutineSchedule(ctx, r.ID, &retryAt, "error: invalid rule")
	}

	status := "no match"
	if rule.Eval(record) {
		run.Decision = models.DecisionEnqueued
		recorded, err := s.store.RecordRoutineRun(ctx, run)
		if err != nil {
			return err
		}
		if recorded {
			s.finishEnqueue(ctx, r, run, record, nil)
		}
		status = "matched"
	} else {
		run.Decision = models.DecisionSkipped
		run.Reason = "rule did not match"
		if _, err := s.store.RecordRoutineRun(ctx, run); err != nil {
			return err
		}
	}

	// A condition routine with a cron cadence follows it; otherwise it
	// re-evaluates on the retry interval.
	next := retryAt
	if r.CronExpr != nil {
		if cronNext, err := NextCronRun(*r.CronExpr, deref(r.Timezone), time.Now()); err == nil {
			next = cronNext
		}
	}
	return s.store.UpdateRoutineSchedule(ctx, r.ID, &next, status)
}

// evaluateOneshot fires exactly once and disables itself.
func (s *Scheduler) evaluateOneshot(ctx context.Context, r *models.Routine) error {
	run := &models.RoutineRun{
		RoutineID:     r.ID,
		TriggerOrigin: "oneshot",
		TriggerRef:    "oneshot:" + r.ID,
		Decision:      models.DecisionEnqueued,
	}
	recorded, err := s.store.RecordRoutineRun(ctx, run)
	if err != nil {
		return err
	}
	if recorded {
		s.finishEnqueue(ctx, r, run, nil, nil)
	}
	return s.store.SetRoutineEnabled(ctx, r.ID, false, nil)
}

// finishEnqueue submits the routine's work item and settles the receipt.
// The receipt row already holds the trigger ref, so a crash between record
// and submit costs one firing rather than duplicating one.
func (s *Scheduler) finishEnqueue(ctx context.Context, r *models.Routine, run *models.RoutineRun, record map[string]any, notBefore *time.Time) {
	receipt, err := s.intake.Submit(ctx, buildSubmission(r, run.TriggerRef, record, notBefore))
	if err != nil {
		s.logger.Error("Routine enqueue failed",
			"routine_id", r.ID,
			"trigger_ref", run.TriggerRef,
			"error", err)
		if uerr := s.store.UpdateRoutineRunOutcome(ctx, run.ID, models.DecisionError, fmt.Sprintf("enqueue failed: %v", err), nil); uerr != nil {
			s.logger.Error("Routine receipt update failed", "run_id", run.ID, "error", uerr)
		}
		return
	}
	if uerr := s.store.UpdateRoutineRunOutcome(ctx, run.ID, models.DecisionEnqueued, "", &receipt.WorkItem.ID); uerr != nil {
		s.logger.Error("Routine receipt update failed", "run_id", run.ID, "error", uerr)
	}
	s.mu.Lock()
	s.fired++
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.logger.Info("Routine fired",
		"routine_id", r.ID,
		"routine", r.Name,
		"trigger_ref", run.TriggerRef,
		"work_item_id", receipt.WorkItem.ID)
}

// buildSubmission shapes the routine firing as an inbound work item. The
// source is "routine", which the event worker refuses to trigger on.
func buildSubmission(r *models.Routine, triggerRef string, record map[string]any, notBefore *time.Time) *intake.Submission {
	text := r.Prompt
	if record != nil {
		if data, err := json.Marshal(record); err == nil {
			text += "\n\nTrigger data: " + string(data)
		}
	}
	sessionKey := r.SessionKey
	if sessionKey == "" {
		sessionKey = "routine:" + r.ID
	}
	return &intake.Submission{
		InstanceID: deref(r.PluginInstanceID),
		SessionKey: sessionKey,
		Source:     models.SourceRoutine,
		SourceRef:  fmt.Sprintf("routine:%s:%s", r.ID, triggerRef),
		Title:      r.Name,
		Text:       text,
		SenderName: "Routine " + r.Name,
		Actor: models.ActorEnvelope{
			Kind:        models.ActorSystem,
			Handle:      "routines",
			DisplayName: "Routine scheduler",
		},
		TargetAgentIDs: []string{r.AgentID},
		NotBefore:      notBefore,
	}
}

func (s *Scheduler) catchupJitter() time.Duration {
	max := s.cfg.CatchupJitterMax
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

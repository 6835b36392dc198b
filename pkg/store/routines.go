package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

const routineColumns = `id, name, agent_id, plugin_instance_id, session_key, trigger_kind, cron_expr, timezone,
	condition_probe, condition_config, rule_json, prompt, next_run_at, last_evaluated_at, last_status, enabled,
	created_at, updated_at`

// CreateRoutine inserts a routine. Trigger-specific validation (cron cadence,
// probe names, rule syntax) happens in the routines service before this call.
func (s *Store) CreateRoutine(ctx context.Context, r *models.Routine) error {
	if r.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	if r.AgentID == "" {
		return NewValidationError("agent_id", "must not be empty")
	}
	if r.ID == "" {
		r.ID = newID()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO routines (id, name, agent_id, plugin_instance_id, session_key, trigger_kind, cron_expr,
			timezone, condition_probe, condition_config, rule_json, prompt, next_run_at, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		r.ID, r.Name, r.AgentID, r.PluginInstanceID, r.SessionKey, r.TriggerKind, r.CronExpr,
		r.Timezone, r.ConditionProbe, []byte(r.ConditionConfig), []byte(r.Rule), r.Prompt, r.NextRunAt, r.Enabled,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert routine: %w", err)
	}
	return nil
}

// GetRoutine fetches a routine by id.
func (s *Store) GetRoutine(ctx context.Context, id string) (*models.Routine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routineColumns+` FROM routines WHERE id = $1`, id)
	r, err := scanRoutine(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRoutines lists routines, optionally filtered by trigger kind.
func (s *Store) ListRoutines(ctx context.Context, kind models.TriggerKind, limit int) ([]*models.Routine, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routineColumns+` FROM routines
		WHERE ($1 = '' OR trigger_kind = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()
	return collectRoutines(rows)
}

// ListDueRoutines returns enabled scheduler-driven routines whose next
// evaluation time has arrived. Event routines never appear here; they are
// driven by the event worker.
func (s *Store) ListDueRoutines(ctx context.Context, now time.Time, limit int) ([]*models.Routine, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routineColumns+` FROM routines
		WHERE enabled
		  AND trigger_kind IN ('cron', 'condition', 'oneshot')
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due routines: %w", err)
	}
	defer rows.Close()
	return collectRoutines(rows)
}

// ListEventRoutines returns all enabled event-triggered routines.
func (s *Store) ListEventRoutines(ctx context.Context) ([]*models.Routine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routineColumns+` FROM routines
		WHERE enabled AND trigger_kind = 'event'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list event routines: %w", err)
	}
	defer rows.Close()
	return collectRoutines(rows)
}

// UpdateRoutineSchedule records the outcome of an evaluation and the next
// time the scheduler should look at the routine. A nil nextRunAt parks the
// routine (oneshots after firing).
func (s *Store) UpdateRoutineSchedule(ctx context.Context, id string, nextRunAt *time.Time, lastStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE routines
		SET next_run_at = $2, last_evaluated_at = now(), last_status = $3, updated_at = now()
		WHERE id = $1`, id, nextRunAt, lastStatus)
	if err != nil {
		return fmt.Errorf("update routine schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update routine schedule: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRoutineEnabled toggles a routine. Re-enabling clears the stale schedule
// status; the caller is expected to recompute next_run_at.
func (s *Store) SetRoutineEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE routines SET enabled = $2, next_run_at = $3, updated_at = now()
		WHERE id = $1`, id, enabled, nextRunAt)
	if err != nil {
		return fmt.Errorf("set routine enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set routine enabled: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRoutine removes a routine and, via cascade, its run receipts.
func (s *Store) DeleteRoutine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete routine: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRoutineRun inserts an evaluation receipt. Returns false when the
// (routine, trigger ref) pair was already recorded, which is how double
// firing is prevented across scheduler restarts and event redeliveries.
func (s *Store) RecordRoutineRun(ctx context.Context, run *models.RoutineRun) (bool, error) {
	if run.ID == "" {
		run.ID = newID()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_runs (id, routine_id, trigger_origin, trigger_ref, envelope, decision, reason, scheduled_item_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (routine_id, trigger_ref) DO NOTHING`,
		run.ID, run.RoutineID, run.TriggerOrigin, run.TriggerRef, []byte(run.Envelope),
		run.Decision, run.Reason, run.ScheduledItemID)
	if err != nil {
		return false, fmt.Errorf("insert routine run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert routine run: rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateRoutineRunOutcome fills in the decision of a receipt that was
// reserved before the work item was enqueued.
func (s *Store) UpdateRoutineRunOutcome(ctx context.Context, id string, decision models.RunDecision, reason string, scheduledItemID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE routine_runs SET decision = $2, reason = $3, scheduled_item_id = $4
		WHERE id = $1`, id, decision, reason, scheduledItemID)
	if err != nil {
		return fmt.Errorf("update routine run: %w", err)
	}
	return nil
}

// ListRoutineRuns lists the newest receipts for a routine.
func (s *Store) ListRoutineRuns(ctx context.Context, routineID string, limit int) ([]*models.RoutineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, routine_id, trigger_origin, trigger_ref, envelope, decision, reason, scheduled_item_id, evaluated_at
		FROM routine_runs
		WHERE routine_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2`, routineID, limit)
	if err != nil {
		return nil, fmt.Errorf("list routine runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RoutineRun
	for rows.Next() {
		var (
			run       models.RoutineRun
			envelope  []byte
			decision  string
			scheduled stdsql.NullString
		)
		err := rows.Scan(&run.ID, &run.RoutineID, &run.TriggerOrigin, &run.TriggerRef,
			&envelope, &decision, &run.Reason, &scheduled, &run.EvaluatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan routine run: %w", err)
		}
		run.Envelope = envelope
		run.Decision = models.RunDecision(decision)
		run.ScheduledItemID = nullStr(scheduled)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func scanRoutine(row rowScanner) (*models.Routine, error) {
	var (
		r           models.Routine
		instanceID  stdsql.NullString
		kind        string
		cronExpr    stdsql.NullString
		timezone    stdsql.NullString
		probe       stdsql.NullString
		probeConfig []byte
		rule        []byte
		nextRunAt   stdsql.NullTime
		lastEvalAt  stdsql.NullTime
		lastStatus  stdsql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.AgentID, &instanceID, &r.SessionKey, &kind, &cronExpr,
		&timezone, &probe, &probeConfig, &rule, &r.Prompt, &nextRunAt, &lastEvalAt, &lastStatus,
		&r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.PluginInstanceID = nullStr(instanceID)
	r.TriggerKind = models.TriggerKind(kind)
	r.CronExpr = nullStr(cronExpr)
	r.Timezone = nullStr(timezone)
	r.ConditionProbe = nullStr(probe)
	r.ConditionConfig = probeConfig
	r.Rule = rule
	r.NextRunAt = nullTime(nextRunAt)
	r.LastEvaluatedAt = nullTime(lastEvalAt)
	r.LastStatus = nullStr(lastStatus)
	return &r, nil
}

func collectRoutines(rows *stdsql.Rows) ([]*models.Routine, error) {
	var routines []*models.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan routine: %w", err)
		}
		routines = append(routines, r)
	}
	return routines, rows.Err()
}

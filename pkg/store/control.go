package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

// TerminateScope selects which active dispatches a forced termination hits.
type TerminateScope string

const (
	// TerminateAll hits every queued, running, and paused dispatch.
	// Emergency stop.
	TerminateAll TerminateScope = "all_active"
	// TerminateStale hits only dispatches whose lease expired before the
	// cutoff. Startup and periodic recovery.
	TerminateStale TerminateScope = "stale_only"
)

// TerminateReport summarizes what a forced termination touched.
type TerminateReport struct {
	Dispatches        []ReapedDispatch
	EffectsUnknown    int64
	MessagesCancelled int64
	EventsRequeued    int64
	ControlEpoch      int64
}

// GetRuntimeControl reads the control singleton.
func (s *Store) GetRuntimeControl(ctx context.Context) (*models.RuntimeControl, error) {
	var (
		rc   models.RuntimeControl
		mode string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT processing_enabled, pause_mode, control_epoch, max_concurrent_dispatches, updated_at
		FROM runtime_control WHERE id = 1`).
		Scan(&rc.ProcessingEnabled, &mode, &rc.ControlEpoch, &rc.MaxConcurrentDispatches, &rc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get runtime control: %w", err)
	}
	rc.PauseMode = models.PauseMode(mode)
	return &rc, nil
}

// SetProcessingEnabled flips the global processing gate. All worker tick
// loops consult the gate and return immediately while it is off.
func (s *Store) SetProcessingEnabled(ctx context.Context, enabled bool, mode models.PauseMode) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runtime_control SET processing_enabled = $1, pause_mode = $2, updated_at = now()
		WHERE id = 1`, enabled, mode)
	if err != nil {
		return fmt.Errorf("set processing enabled: %w", err)
	}
	return nil
}

// SetMaxConcurrentDispatches changes the global concurrency ceiling.
func (s *Store) SetMaxConcurrentDispatches(ctx context.Context, n int) error {
	if n < 1 {
		return NewValidationError("max_concurrent_dispatches", "must be at least 1")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runtime_control SET max_concurrent_dispatches = $1, updated_at = now()
		WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("set max concurrent dispatches: %w", err)
	}
	return nil
}

// ForceTerminateActive terminates in-flight work in one transaction:
// matching dispatches become terminal with their epoch bumped, their lanes
// are released, their jobs and work items settle, and sending effects are
// parked as unknown. With cancelPending, pending queue messages are
// cancelled too (emergency stop). With bumpEpoch, the global control epoch
// increments and is returned in the report.
//
// TerminateAll settles dispatches as cancelled; TerminateStale settles them
// as abandoned.
func (s *Store) ForceTerminateActive(ctx context.Context, scope TerminateScope, staleBefore time.Time, reason string, cancelPending, bumpEpoch bool) (*TerminateReport, error) {
	report := &TerminateReport{}
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		var (
			rows *stdsql.Rows
			err  error
		)
		switch scope {
		case TerminateAll:
			// Queued dispatches are included: an emergency stop must not
			// leave work that would start running on resume.
			rows, err = tx.QueryContext(ctx, `
				SELECT id, queue_key, work_item_id, job_id FROM run_dispatches
				WHERE status IN ('queued', 'running', 'paused')
				FOR UPDATE`)
		case TerminateStale:
			rows, err = tx.QueryContext(ctx, `
				SELECT id, queue_key, work_item_id, job_id FROM run_dispatches
				WHERE status IN ('running', 'paused') AND lease_expires_at < $1
				FOR UPDATE SKIP LOCKED`, staleBefore)
		default:
			return NewValidationError("scope", "unknown terminate scope")
		}
		if err != nil {
			return fmt.Errorf("select dispatches to terminate: %w", err)
		}

		type target struct {
			id, queueKey, workItemID string
			jobID                    stdsql.NullString
		}
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.queueKey, &t.workItemID, &t.jobID); err != nil {
				rows.Close()
				return fmt.Errorf("scan terminate target: %w", err)
			}
			targets = append(targets, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		terminalStatus := models.DispatchCancelled
		if scope == TerminateStale {
			terminalStatus = models.DispatchAbandoned
		}

		for _, t := range targets {
			_, err := tx.ExecContext(ctx, `
				UPDATE run_dispatches
				SET status = $2,
				    claimed_epoch = claimed_epoch + 1,
				    error_message = COALESCE(error_message, $3),
				    completed_at = now(),
				    lease_expires_at = NULL,
				    claimed_by = NULL,
				    control_state = 'normal'
				WHERE id = $1`, t.id, terminalStatus, reason)
			if err != nil {
				return fmt.Errorf("terminate dispatch: %w", err)
			}
			if err := releaseLane(ctx, tx, t.queueKey, t.id); err != nil {
				return err
			}
			if err := settleWorkItems(ctx, tx, t.id, t.workItemID, terminalStatus); err != nil {
				return err
			}
			if t.jobID.Valid {
				if err := settleJob(ctx, tx, t.jobID.String, terminalStatus); err != nil {
					return err
				}
			}
			report.Dispatches = append(report.Dispatches, ReapedDispatch{
				ID: t.id, QueueKey: t.queueKey, JobID: nullStr(t.jobID),
			})
		}

		// In-flight deliveries: the provider may or may not have received
		// them, so they park as unknown rather than retrying. The stale
		// scope only parks sends that have been in flight past the cutoff;
		// a healthy delivery mid-attempt is left alone.
		var res stdsql.Result
		if scope == TerminateStale {
			res, err = tx.ExecContext(ctx, `
				UPDATE effect_outbox
				SET status = 'unknown',
				    claimed_epoch = claimed_epoch + 1,
				    last_error = $1,
				    next_attempt_at = NULL,
				    resolved_at = now()
				WHERE status = 'sending' AND claimed_at < $2`, reason, staleBefore)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE effect_outbox
				SET status = 'unknown',
				    claimed_epoch = claimed_epoch + 1,
				    last_error = $1,
				    next_attempt_at = NULL,
				    resolved_at = now()
				WHERE status = 'sending'`, reason)
		}
		if err != nil {
			return fmt.Errorf("park sending effects: %w", err)
		}
		if report.EffectsUnknown, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("park sending effects: rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE routine_events SET status = 'queued', claimed_epoch = claimed_epoch + 1
			WHERE status = 'processing'`)
		if err != nil {
			return fmt.Errorf("requeue processing events: %w", err)
		}
		if report.EventsRequeued, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("requeue processing events: rows affected: %w", err)
		}

		if cancelPending {
			if report.MessagesCancelled, err = s.CancelAllPendingMessages(ctx, tx, reason); err != nil {
				return err
			}
		}

		if bumpEpoch {
			err = tx.QueryRowContext(ctx, `
				UPDATE runtime_control SET control_epoch = control_epoch + 1, updated_at = now()
				WHERE id = 1
				RETURNING control_epoch`).Scan(&report.ControlEpoch)
			if err != nil {
				return fmt.Errorf("bump control epoch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

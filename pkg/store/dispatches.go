package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

const dispatchColumns = `id, run_key, queue_key, work_item_id, agent_id, status, claimed_by, lease_expires_at,
	claimed_epoch, control_state, control_reason, replay_of_dispatch_id, job_id, input_text, error_message,
	scheduled_at, created_at, started_at, completed_at`

// ClaimNextRunDispatch atomically claims the oldest queued dispatch whose
// lane is idle. The dispatch row and its lane row are locked with
// SKIP LOCKED so concurrent claimers fan out to different lanes instead of
// blocking. On claim the dispatch moves to running, receives a fresh lease,
// and its claim epoch increments; the lane moves to running.
//
// Returns ErrNoDispatchAvailable when nothing is claimable.
func (s *Store) ClaimNextRunDispatch(ctx context.Context, workerID string, lease time.Duration) (*models.RunDispatch, error) {
	var claimed *models.RunDispatch
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT d.id, d.queue_key FROM run_dispatches d
			JOIN queue_lanes l ON l.queue_key = d.queue_key
			WHERE d.status = 'queued' AND l.state = 'queued'
			ORDER BY d.scheduled_at, d.created_at, d.id
			LIMIT 1
			FOR UPDATE OF d, l SKIP LOCKED`)

		var dispatchID, queueKey string
		err := row.Scan(&dispatchID, &queueKey)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrNoDispatchAvailable
		}
		if err != nil {
			return fmt.Errorf("select claimable dispatch: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE queue_lanes SET state = 'running', active_dispatch_id = $2, updated_at = now()
			WHERE queue_key = $1`, queueKey, dispatchID)
		if err != nil {
			return fmt.Errorf("mark lane running: %w", err)
		}

		expiry := time.Now().Add(lease)
		dispatchRow := tx.QueryRowContext(ctx, `
			UPDATE run_dispatches
			SET status = 'running',
			    claimed_by = $2,
			    lease_expires_at = $3,
			    claimed_epoch = claimed_epoch + 1,
			    started_at = COALESCE(started_at, now())
			WHERE id = $1
			RETURNING `+dispatchColumns,
			dispatchID, workerID, expiry)

		claimed, err = scanDispatch(dispatchRow)
		if err != nil {
			return fmt.Errorf("claim dispatch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatRunDispatch extends the lease of an active dispatch. The write is
// rejected with ErrStaleEpoch when the claim epoch no longer matches, which
// tells the worker its run was reaped or force-terminated.
func (s *Store) HeartbeatRunDispatch(ctx context.Context, id string, lease time.Duration, expectedEpoch int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches SET lease_expires_at = $2
		WHERE id = $1 AND claimed_epoch = $3 AND status IN ('running', 'paused')`,
		id, time.Now().Add(lease), expectedEpoch)
	if err != nil {
		return fmt.Errorf("heartbeat dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat dispatch: rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleEpoch
	}
	return nil
}

// FinalizeRunDispatch moves an active dispatch to a terminal status, releases
// its lane, settles the covered work items, and updates the linked job. The
// whole transition is one transaction guarded by the claim epoch: a worker
// that lost its claim gets ErrStaleEpoch and nothing changes.
func (s *Store) FinalizeRunDispatch(ctx context.Context, id string, status models.DispatchStatus, errorMessage string, expectedEpoch int64) error {
	if !status.IsTerminal() {
		return NewValidationError("status", "finalize requires a terminal status")
	}

	return s.withTx(ctx, func(tx *stdsql.Tx) error {
		var errMsg *string
		if errorMessage != "" {
			errMsg = &errorMessage
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE run_dispatches
			SET status = $2,
			    error_message = COALESCE($3, error_message),
			    completed_at = now(),
			    lease_expires_at = NULL,
			    claimed_by = NULL,
			    control_state = 'normal',
			    control_reason = NULL
			WHERE id = $1 AND claimed_epoch = $4 AND status IN ('running', 'paused')
			RETURNING queue_key, work_item_id, job_id`,
			id, status, errMsg, expectedEpoch)

		var queueKey, workItemID string
		var jobID stdsql.NullString
		err := row.Scan(&queueKey, &workItemID, &jobID)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrStaleEpoch
		}
		if err != nil {
			return fmt.Errorf("finalize dispatch: %w", err)
		}

		if err := releaseLane(ctx, tx, queueKey, id); err != nil {
			return err
		}
		if err := settleWorkItems(ctx, tx, id, workItemID, status); err != nil {
			return err
		}
		if jobID.Valid {
			if err := settleJob(ctx, tx, jobID.String, status); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkRunDispatchPaused records that the runner honored a pause directive.
// The lane is parked in paused so promotion skips it until resume.
func (s *Store) MarkRunDispatchPaused(ctx context.Context, id string, expectedEpoch int64) error {
	return s.setActiveDispatchStatus(ctx, id, models.DispatchPaused, models.LaneStatePaused, expectedEpoch)
}

// MarkRunDispatchResumed moves a paused dispatch back to running and resets
// its control state.
func (s *Store) MarkRunDispatchResumed(ctx context.Context, id string, expectedEpoch int64) error {
	return s.setActiveDispatchStatus(ctx, id, models.DispatchRunning, models.LaneStateRunning, expectedEpoch)
}

func (s *Store) setActiveDispatchStatus(ctx context.Context, id string, status models.DispatchStatus, laneState models.LaneState, expectedEpoch int64) error {
	return s.withTx(ctx, func(tx *stdsql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE run_dispatches
			SET status = $2, control_state = 'normal'
			WHERE id = $1 AND claimed_epoch = $3 AND status IN ('running', 'paused')
			RETURNING queue_key`,
			id, status, expectedEpoch)

		var queueKey string
		err := row.Scan(&queueKey)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrStaleEpoch
		}
		if err != nil {
			return fmt.Errorf("set dispatch status: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE queue_lanes SET state = $2, updated_at = now()
			WHERE queue_key = $1 AND active_dispatch_id = $3`,
			queueKey, laneState, id)
		if err != nil {
			return fmt.Errorf("set lane state: %w", err)
		}
		return nil
	})
}

// SetDispatchControlState posts a control directive on an active dispatch.
// The runner picks it up on its next directive poll. Posting to a terminal
// dispatch returns ErrNotFound.
func (s *Store) SetDispatchControlState(ctx context.Context, id string, state models.ControlState, reason string) error {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches SET control_state = $2, control_reason = COALESCE($3, control_reason)
		WHERE id = $1 AND status IN ('queued', 'running', 'paused')`,
		id, state, reasonPtr)
	if err != nil {
		return fmt.Errorf("set control state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set control state: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSteeringDecision writes the arbiter's verdict onto the dispatch for
// the audit trail without touching the control state.
func (s *Store) RecordSteeringDecision(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches SET control_reason = $2
		WHERE id = $1 AND status IN ('running', 'paused')`, id, reason)
	if err != nil {
		return fmt.Errorf("record steering decision: %w", err)
	}
	return nil
}

// ClearDispatchControl resets the control state after a directive was
// honored, epoch-guarded because only the claim holder may clear it.
func (s *Store) ClearDispatchControl(ctx context.Context, id string, expectedEpoch int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_dispatches SET control_state = 'normal'
		WHERE id = $1 AND claimed_epoch = $2 AND status IN ('running', 'paused')`,
		id, expectedEpoch)
	if err != nil {
		return fmt.Errorf("clear control state: %w", err)
	}
	return nil
}

// AttachJobToDispatch links the runner-assigned job id to a dispatch and
// upserts the mirrored job row as RUNNING.
func (s *Store) AttachJobToDispatch(ctx context.Context, dispatchID, jobID, agentID string) error {
	return s.withTx(ctx, func(tx *stdsql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE run_dispatches SET job_id = $2
			WHERE id = $1 AND status IN ('running', 'paused')`, dispatchID, jobID)
		if err != nil {
			return fmt.Errorf("attach job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("attach job: rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, dispatch_id, agent_id, status)
			VALUES ($1, $2, $3, 'RUNNING')
			ON CONFLICT (id) DO UPDATE SET
				dispatch_id = EXCLUDED.dispatch_id,
				status      = 'RUNNING',
				updated_at  = now()`,
			jobID, dispatchID, agentID)
		if err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
		return nil
	})
}

// ReapedDispatch describes one dispatch terminated by lease recovery.
type ReapedDispatch struct {
	ID       string
	QueueKey string
	JobID    *string
}

// ReapExpiredDispatches abandons every active dispatch whose lease expired
// before the cutoff. Each reaped row gets its epoch bumped so the original
// claim holder can no longer finalize it, its lane is released, and its work
// items and job are settled as failed.
func (s *Store) ReapExpiredDispatches(ctx context.Context, before time.Time) ([]ReapedDispatch, error) {
	var reaped []ReapedDispatch
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, queue_key, work_item_id, job_id FROM run_dispatches
			WHERE status IN ('running', 'paused') AND lease_expires_at < $1
			FOR UPDATE SKIP LOCKED`, before)
		if err != nil {
			return fmt.Errorf("select expired dispatches: %w", err)
		}

		type expired struct {
			id, queueKey, workItemID string
			jobID                    stdsql.NullString
		}
		var batch []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.queueKey, &e.workItemID, &e.jobID); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired dispatch: %w", err)
			}
			batch = append(batch, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range batch {
			_, err := tx.ExecContext(ctx, `
				UPDATE run_dispatches
				SET status = 'abandoned',
				    claimed_epoch = claimed_epoch + 1,
				    error_message = COALESCE(error_message, 'lease expired; reclaimed by recovery'),
				    completed_at = now(),
				    lease_expires_at = NULL,
				    claimed_by = NULL,
				    control_state = 'normal'
				WHERE id = $1`, e.id)
			if err != nil {
				return fmt.Errorf("abandon dispatch: %w", err)
			}
			if err := releaseLane(ctx, tx, e.queueKey, e.id); err != nil {
				return err
			}
			if err := settleWorkItems(ctx, tx, e.id, e.workItemID, models.DispatchAbandoned); err != nil {
				return err
			}
			if e.jobID.Valid {
				if err := settleJob(ctx, tx, e.jobID.String, models.DispatchAbandoned); err != nil {
					return err
				}
			}
			reaped = append(reaped, ReapedDispatch{ID: e.id, QueueKey: e.queueKey, JobID: nullStr(e.jobID)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

// ReplayRunDispatch clones a terminal dispatch into a fresh queued one. The
// replay run key is derived from the original id plus a sequence number, so
// replays are idempotent per (original, attempt) and never collide with
// organic run keys.
func (s *Store) ReplayRunDispatch(ctx context.Context, originalID string) (*models.RunDispatch, error) {
	var replay *models.RunDispatch
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+dispatchColumns+` FROM run_dispatches WHERE id = $1 FOR UPDATE`, originalID)
		original, err := scanDispatch(row)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !original.Status.IsTerminal() {
			return NewValidationError("status", "only terminal dispatches can be replayed")
		}

		var attempts int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM run_dispatches WHERE replay_of_dispatch_id = $1`, originalID,
		).Scan(&attempts)
		if err != nil {
			return fmt.Errorf("count replays: %w", err)
		}

		runKey := fmt.Sprintf("replay:%s:%d", originalID, attempts+1)
		newRow := tx.QueryRowContext(ctx, `
			INSERT INTO run_dispatches (id, run_key, queue_key, work_item_id, agent_id, status, input_text, replay_of_dispatch_id)
			VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7)
			RETURNING `+dispatchColumns,
			newID(), runKey, original.QueueKey, original.WorkItemID, original.AgentID, original.InputText, originalID)

		replay, err = scanDispatch(newRow)
		if err != nil {
			return fmt.Errorf("insert replay dispatch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replay, nil
}

// GetRunDispatch fetches a dispatch by id.
func (s *Store) GetRunDispatch(ctx context.Context, id string) (*models.RunDispatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM run_dispatches WHERE id = $1`, id)
	d, err := scanDispatch(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// GetRunDispatchByJobID resolves a dispatch through its runner job id.
func (s *Store) GetRunDispatchByJobID(ctx context.Context, jobID string) (*models.RunDispatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM run_dispatches WHERE job_id = $1
		 ORDER BY created_at DESC LIMIT 1`, jobID)
	d, err := scanDispatch(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListRunDispatches lists dispatches matching the filters, newest first.
func (s *Store) ListRunDispatches(ctx context.Context, f models.DispatchFilters) ([]*models.RunDispatch, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dispatchColumns+` FROM run_dispatches d
		WHERE ($1 = '' OR d.queue_key IN (SELECT queue_key FROM queue_lanes WHERE session_key = $1))
		  AND ($2 = '' OR d.agent_id = $2)
		  AND ($3 = '' OR d.status = $3)
		ORDER BY d.created_at DESC
		LIMIT $4 OFFSET $5`,
		f.SessionKey, f.AgentID, f.Status, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []*models.RunDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountActiveDispatches counts running and paused dispatches.
func (s *Store) CountActiveDispatches(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_dispatches WHERE status IN ('running', 'paused')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active dispatches: %w", err)
	}
	return n, nil
}

// CountActiveDispatchesByAgent returns active run counts keyed by agent id.
// Team context assembly uses this to report which teammates are busy.
func (s *Store) CountActiveDispatchesByAgent(ctx context.Context, agentIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(agentIDs))
	if len(agentIDs) == 0 {
		return counts, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*) FROM run_dispatches
		WHERE status IN ('running', 'paused') AND agent_id = ANY($1)
		GROUP BY agent_id`, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("count active by agent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// FindActiveSiblingDispatch returns the active dispatch of another agent on
// the same work item, if one exists. Runs use it to report exclusive-claim
// context to the runner.
func (s *Store) FindActiveSiblingDispatch(ctx context.Context, workItemID, excludeDispatchID string) (*models.RunDispatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+dispatchColumns+` FROM run_dispatches
		WHERE work_item_id = $1 AND id <> $2 AND status IN ('running', 'paused')
		ORDER BY started_at LIMIT 1`, workItemID, excludeDispatchID)
	d, err := scanDispatch(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// releaseLane returns a lane to queued once its active dispatch is done.
// Guarded on active_dispatch_id so a stale release cannot clobber a newer
// claim.
func releaseLane(ctx context.Context, tx *stdsql.Tx, queueKey, dispatchID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE queue_lanes SET state = 'queued', active_dispatch_id = NULL, updated_at = now()
		WHERE queue_key = $1 AND active_dispatch_id = $2`, queueKey, dispatchID)
	if err != nil {
		return fmt.Errorf("release lane: %w", err)
	}
	return nil
}

// settleWorkItems resolves the status of every work item covered by a
// dispatch: the item the dispatch was promoted for plus any items whose
// messages were steered in later.
func settleWorkItems(ctx context.Context, tx *stdsql.Tx, dispatchID, primaryWorkItemID string, status models.DispatchStatus) error {
	itemStatus := models.WorkItemStatusFailed
	if status == models.DispatchCompleted {
		itemStatus = models.WorkItemStatusDone
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = $2, updated_at = now()
		WHERE id IN (
			SELECT work_item_id FROM queue_messages WHERE dispatch_id = $1
			UNION SELECT $3::text
		)`, dispatchID, itemStatus, primaryWorkItemID)
	if err != nil {
		return fmt.Errorf("settle work items: %w", err)
	}
	return nil
}

func settleJob(ctx context.Context, tx *stdsql.Tx, jobID string, status models.DispatchStatus) error {
	var jobStatus models.JobStatus
	switch status {
	case models.DispatchCompleted:
		jobStatus = models.JobCompleted
	case models.DispatchCancelled:
		jobStatus = models.JobCancelled
	default:
		jobStatus = models.JobFailed
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`, jobID, jobStatus)
	if err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	return nil
}

func scanDispatch(row rowScanner) (*models.RunDispatch, error) {
	var (
		d             models.RunDispatch
		status        string
		claimedBy     stdsql.NullString
		leaseExpires  stdsql.NullTime
		controlState  string
		controlReason stdsql.NullString
		replayOf      stdsql.NullString
		jobID         stdsql.NullString
		errorMessage  stdsql.NullString
		startedAt     stdsql.NullTime
		completedAt   stdsql.NullTime
	)
	err := row.Scan(&d.ID, &d.RunKey, &d.QueueKey, &d.WorkItemID, &d.AgentID, &status,
		&claimedBy, &leaseExpires, &d.ClaimedEpoch, &controlState, &controlReason,
		&replayOf, &jobID, &d.InputText, &errorMessage, &d.ScheduledAt, &d.CreatedAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DispatchStatus(status)
	d.ClaimedBy = nullStr(claimedBy)
	d.LeaseExpiresAt = nullTime(leaseExpires)
	d.ControlState = models.ControlState(controlState)
	d.ControlReason = nullStr(controlReason)
	d.ReplayOfDispatchID = nullStr(replayOf)
	d.JobID = nullStr(jobID)
	d.ErrorMessage = nullStr(errorMessage)
	d.StartedAt = nullTime(startedAt)
	d.CompletedAt = nullTime(completedAt)
	return &d, nil
}

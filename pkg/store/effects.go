package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

const effectColumns = `id, effect_key, dispatch_id, plugin_instance_id, work_item_id, job_id, kind, payload,
	status, attempt_count, next_attempt_at, claimed_epoch, claimed_at, provider_ref, last_error, created_at, resolved_at`

// InsertEffect appends an effect to the outbox. The effect key is the
// at-most-once guard: inserting an existing key is a no-op and returns
// false. Callers derive keys deterministically (e.g. from the dispatch id)
// so retries of the producing code path cannot double-send.
func (s *Store) InsertEffect(ctx context.Context, e *models.Effect) (bool, error) {
	if e.EffectKey == "" {
		return false, NewValidationError("effect_key", "must not be empty")
	}
	if e.Kind == "" {
		return false, NewValidationError("kind", "must not be empty")
	}
	if e.ID == "" {
		e.ID = newID()
	}
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO effect_outbox (id, effect_key, dispatch_id, plugin_instance_id, work_item_id, job_id, kind, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (effect_key) DO NOTHING`,
		e.ID, e.EffectKey, e.DispatchID, e.PluginInstanceID, e.WorkItemID, e.JobID, e.Kind, payload)
	if err != nil {
		return false, fmt.Errorf("insert effect: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert effect: rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimNextEffect claims the oldest due pending effect and moves it to
// sending, bumping the attempt counter and claim epoch. Returns
// ErrNoEffectAvailable when the outbox has nothing due.
func (s *Store) ClaimNextEffect(ctx context.Context) (*models.Effect, error) {
	var claimed *models.Effect
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM effect_outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&id)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrNoEffectAvailable
		}
		if err != nil {
			return fmt.Errorf("select claimable effect: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE effect_outbox
			SET status = 'sending',
			    attempt_count = attempt_count + 1,
			    claimed_epoch = claimed_epoch + 1,
			    claimed_at = now()
			WHERE id = $1
			RETURNING `+effectColumns, id)
		claimed, err = scanEffect(row)
		if err != nil {
			return fmt.Errorf("claim effect: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkEffectSent records a confirmed delivery.
func (s *Store) MarkEffectSent(ctx context.Context, id, providerRef string, expectedEpoch int64) error {
	var ref *string
	if providerRef != "" {
		ref = &providerRef
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE effect_outbox
		SET status = 'sent', provider_ref = $2, next_attempt_at = NULL, resolved_at = now()
		WHERE id = $1 AND status = 'sending' AND claimed_epoch = $3`,
		id, ref, expectedEpoch)
	if err != nil {
		return fmt.Errorf("mark effect sent: %w", err)
	}
	return requireEpochMatch(res)
}

// MarkEffectFailed records a confirmed non-delivery. Retryable failures go
// back to pending with the supplied next attempt time; permanent failures
// are resolved as failed.
func (s *Store) MarkEffectFailed(ctx context.Context, id, lastError string, retryable bool, nextAttemptAt time.Time, expectedEpoch int64) error {
	var res stdsql.Result
	var err error
	if retryable {
		res, err = s.db.ExecContext(ctx, `
			UPDATE effect_outbox
			SET status = 'pending', last_error = $2, next_attempt_at = $3
			WHERE id = $1 AND status = 'sending' AND claimed_epoch = $4`,
			id, lastError, nextAttemptAt, expectedEpoch)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE effect_outbox
			SET status = 'failed', last_error = $2, next_attempt_at = NULL, resolved_at = now()
			WHERE id = $1 AND status = 'sending' AND claimed_epoch = $3`,
			id, lastError, expectedEpoch)
	}
	if err != nil {
		return fmt.Errorf("mark effect failed: %w", err)
	}
	return requireEpochMatch(res)
}

// MarkEffectUnknown parks an effect whose delivery outcome could not be
// determined. Unknown rows are never retried automatically; see
// ResolveUnknownEffect.
func (s *Store) MarkEffectUnknown(ctx context.Context, id, reason string, expectedEpoch int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE effect_outbox
		SET status = 'unknown', last_error = $2, next_attempt_at = NULL, resolved_at = now()
		WHERE id = $1 AND status = 'sending' AND claimed_epoch = $3`,
		id, reason, expectedEpoch)
	if err != nil {
		return fmt.Errorf("mark effect unknown: %w", err)
	}
	return requireEpochMatch(res)
}

// ResolveUnknownEffect is the operator reconciliation path: after checking
// the provider out of band, an unknown effect is settled as sent or failed.
// Resolving to pending re-queues it for delivery immediately.
func (s *Store) ResolveUnknownEffect(ctx context.Context, id string, outcome models.EffectStatus) error {
	var query string
	switch outcome {
	case models.EffectSent:
		query = `UPDATE effect_outbox SET status = 'sent', resolved_at = now() WHERE id = $1 AND status = 'unknown'`
	case models.EffectFailed:
		query = `UPDATE effect_outbox SET status = 'failed', resolved_at = now() WHERE id = $1 AND status = 'unknown'`
	case models.EffectPending:
		query = `UPDATE effect_outbox SET status = 'pending', next_attempt_at = now(), resolved_at = NULL WHERE id = $1 AND status = 'unknown'`
	default:
		return NewValidationError("outcome", "must be sent, failed, or pending")
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("resolve unknown effect: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve unknown effect: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotResolvable
	}
	return nil
}

// GetEffect fetches an effect by id.
func (s *Store) GetEffect(ctx context.Context, id string) (*models.Effect, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+effectColumns+` FROM effect_outbox WHERE id = $1`, id)
	e, err := scanEffect(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEffects lists outbox rows filtered by status, newest first. An empty
// status lists everything.
func (s *Store) ListEffects(ctx context.Context, status models.EffectStatus, limit int) ([]*models.Effect, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+effectColumns+` FROM effect_outbox
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list effects: %w", err)
	}
	defer rows.Close()

	var effects []*models.Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, e)
	}
	return effects, rows.Err()
}

// ParkStaleSendingEffects moves deliveries stuck in sending past the cutoff
// to unknown. A dead worker cannot report whether its provider call went
// out, so the rows wait for operator reconciliation instead of retrying.
func (s *Store) ParkStaleSendingEffects(ctx context.Context, before time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE effect_outbox
		SET status = 'unknown',
		    claimed_epoch = claimed_epoch + 1,
		    last_error = $1,
		    next_attempt_at = NULL,
		    resolved_at = now()
		WHERE status = 'sending' AND claimed_at < $2`, reason, before)
	if err != nil {
		return 0, fmt.Errorf("park stale sending effects: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("park stale sending effects: rows affected: %w", err)
	}
	return n, nil
}

// PurgeResolvedEffects deletes sent and failed effects older than the
// cutoff. Unknown rows are kept until an operator resolves them.
func (s *Store) PurgeResolvedEffects(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM effect_outbox
		WHERE status IN ('sent', 'failed') AND resolved_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge resolved effects: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge resolved effects: rows affected: %w", err)
	}
	return n, nil
}

func requireEpochMatch(res stdsql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleEpoch
	}
	return nil
}

func scanEffect(row rowScanner) (*models.Effect, error) {
	var (
		e           models.Effect
		dispatchID  stdsql.NullString
		instanceID  stdsql.NullString
		workItemID  stdsql.NullString
		jobID       stdsql.NullString
		kind        string
		payload     []byte
		status      string
		nextAttempt stdsql.NullTime
		claimedAt   stdsql.NullTime
		providerRef stdsql.NullString
		lastError   stdsql.NullString
		resolvedAt  stdsql.NullTime
	)
	err := row.Scan(&e.ID, &e.EffectKey, &dispatchID, &instanceID, &workItemID, &jobID,
		&kind, &payload, &status, &e.AttemptCount, &nextAttempt, &e.ClaimedEpoch,
		&claimedAt, &providerRef, &lastError, &e.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	e.DispatchID = nullStr(dispatchID)
	e.PluginInstanceID = nullStr(instanceID)
	e.WorkItemID = nullStr(workItemID)
	e.JobID = nullStr(jobID)
	e.Kind = models.EffectKind(kind)
	e.Status = models.EffectStatus(status)
	e.NextAttemptAt = nullTime(nextAttempt)
	e.ClaimedAt = nullTime(claimedAt)
	e.ProviderRef = nullStr(providerRef)
	e.LastError = nullStr(lastError)
	e.ResolvedAt = nullTime(resolvedAt)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode effect payload: %w", err)
	}
	return &e, nil
}

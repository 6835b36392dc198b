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

const routineEventColumns = `id, event_key, envelope, status, claimed_epoch, created_at, processed_at`

// PublishRoutineEvent enqueues a lifecycle event envelope for event-routine
// fan-out. Publishing is idempotent on the event key: the second publish of
// the same key returns the existing row and created=false.
func (s *Store) PublishRoutineEvent(ctx context.Context, eventKey string, env models.EventEnvelope) (*models.RoutineEvent, bool, error) {
	if eventKey == "" {
		return nil, false, NewValidationError("event_key", "must not be empty")
	}
	env.EventID = eventKey
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(env)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routine_events (id, event_key, envelope)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_key) DO NOTHING`,
		newID(), eventKey, payload)
	if err != nil {
		return nil, false, fmt.Errorf("insert routine event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert routine event: rows affected: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+routineEventColumns+` FROM routine_events WHERE event_key = $1`, eventKey)
	event, err := scanRoutineEvent(row)
	if err != nil {
		return nil, false, fmt.Errorf("load routine event: %w", err)
	}
	return event, n > 0, nil
}

// ClaimNextRoutineEvent claims the oldest queued event for processing.
// Returns ErrNoEventAvailable when the queue is empty.
func (s *Store) ClaimNextRoutineEvent(ctx context.Context) (*models.RoutineEvent, error) {
	var claimed *models.RoutineEvent
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM routine_events
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&id)
		if errors.Is(err, stdsql.ErrNoRows) {
			return ErrNoEventAvailable
		}
		if err != nil {
			return fmt.Errorf("select claimable event: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE routine_events
			SET status = 'processing', claimed_epoch = claimed_epoch + 1
			WHERE id = $1
			RETURNING `+routineEventColumns, id)
		claimed, err = scanRoutineEvent(row)
		if err != nil {
			return fmt.Errorf("claim routine event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkRoutineEventDone settles a processed event.
func (s *Store) MarkRoutineEventDone(ctx context.Context, id string, expectedEpoch int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE routine_events SET status = 'done', processed_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_epoch = $2`,
		id, expectedEpoch)
	if err != nil {
		return fmt.Errorf("mark event done: %w", err)
	}
	return requireEpochMatch(res)
}

// MarkRoutineEventFailed settles an event whose fan-out errored.
func (s *Store) MarkRoutineEventFailed(ctx context.Context, id string, expectedEpoch int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE routine_events SET status = 'failed', processed_at = now()
		WHERE id = $1 AND status = 'processing' AND claimed_epoch = $2`,
		id, expectedEpoch)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return requireEpochMatch(res)
}

// RequeueStuckRoutineEvents returns events stuck in processing to queued.
// Recovery calls this; the epoch bump invalidates the stale claim.
func (s *Store) RequeueStuckRoutineEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE routine_events SET status = 'queued', claimed_epoch = claimed_epoch + 1
		WHERE status = 'processing' AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck events: %w", err)
	}
	return res.RowsAffected()
}

// PurgeSettledRoutineEvents deletes done and failed events older than the
// cutoff. Returns the number of rows removed.
func (s *Store) PurgeSettledRoutineEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM routine_events
		WHERE status IN ('done', 'failed') AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge routine events: %w", err)
	}
	return res.RowsAffected()
}

func scanRoutineEvent(row rowScanner) (*models.RoutineEvent, error) {
	var (
		e           models.RoutineEvent
		envelope    []byte
		status      string
		processedAt stdsql.NullTime
	)
	err := row.Scan(&e.ID, &e.EventKey, &envelope, &status, &e.ClaimedEpoch, &e.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.EventStatus(status)
	e.ProcessedAt = nullTime(processedAt)
	if err := json.Unmarshal(envelope, &e.Envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return &e, nil
}

package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

const laneColumns = `queue_key, session_key, agent_id, state, mode, debounce_until, debounce_ms, max_queued, active_dispatch_id, updated_at`

const queueMessageColumns = `id, queue_key, work_item_id, text, sender_name, arrived_at, status, dispatch_id, drop_reason, created_at`

// EnqueueParams describes one message being appended to a lane.
type EnqueueParams struct {
	QueueKey   string
	SessionKey string
	AgentID    string
	WorkItemID string
	Text       string
	SenderName string

	// Lane settings applied on upsert.
	Mode       models.LaneMode
	DebounceMS int64
	MaxQueued  int

	// NotBefore optionally pushes the lane's debounce window further out,
	// e.g. for catch-up jitter on routine firings.
	NotBefore *time.Time
}

// EnqueueQueueMessage appends a message to a lane, creating the lane row on
// first use. The lane's debounce window only ever extends: a burst of
// messages keeps pushing debounce_until forward so the whole burst coalesces
// into one dispatch.
func (s *Store) EnqueueQueueMessage(ctx context.Context, p EnqueueParams) (*models.QueueMessage, error) {
	if p.QueueKey == "" {
		return nil, NewValidationError("queue_key", "must not be empty")
	}
	if p.WorkItemID == "" {
		return nil, NewValidationError("work_item_id", "must not be empty")
	}
	if p.Mode == "" {
		p.Mode = models.LaneModeSteer
	}

	msg := &models.QueueMessage{
		ID:         newID(),
		QueueKey:   p.QueueKey,
		WorkItemID: p.WorkItemID,
		Text:       p.Text,
		SenderName: p.SenderName,
		Status:     models.QueueMessagePending,
	}

	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		debounce := time.Duration(p.DebounceMS) * time.Millisecond
		until := time.Now().Add(debounce)
		if p.NotBefore != nil && p.NotBefore.After(until) {
			until = *p.NotBefore
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_lanes (queue_key, session_key, agent_id, state, mode, debounce_until, debounce_ms, max_queued)
			VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7)
			ON CONFLICT (queue_key) DO UPDATE SET
				debounce_until = GREATEST(queue_lanes.debounce_until, EXCLUDED.debounce_until),
				debounce_ms    = EXCLUDED.debounce_ms,
				max_queued     = EXCLUDED.max_queued,
				mode           = EXCLUDED.mode,
				updated_at     = now()`,
			p.QueueKey, p.SessionKey, p.AgentID, p.Mode, until, p.DebounceMS, p.MaxQueued,
		)
		if err != nil {
			return fmt.Errorf("upsert lane: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO queue_messages (id, queue_key, work_item_id, text, sender_name)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING arrived_at, created_at`,
			msg.ID, msg.QueueKey, msg.WorkItemID, msg.Text, msg.SenderName,
		).Scan(&msg.ArrivedAt, &msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert queue message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetLane fetches a lane by queue key.
func (s *Store) GetLane(ctx context.Context, queueKey string) (*models.QueueLane, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+laneColumns+` FROM queue_lanes WHERE queue_key = $1`, queueKey)
	return scanLane(row)
}

// ListLanesBySession lists all lanes of a session.
func (s *Store) ListLanesBySession(ctx context.Context, sessionKey string) ([]*models.QueueLane, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+laneColumns+` FROM queue_lanes WHERE session_key = $1 ORDER BY queue_key`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("list lanes: %w", err)
	}
	defer rows.Close()

	var lanes []*models.QueueLane
	for rows.Next() {
		lane, err := scanLane(rows)
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, lane)
	}
	return lanes, rows.Err()
}

// ListPendingMessages returns the lane's pending messages in arrival order.
func (s *Store) ListPendingMessages(ctx context.Context, queueKey string) ([]*models.QueueMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueMessageColumns+` FROM queue_messages
		 WHERE queue_key = $1 AND status = 'pending'
		 ORDER BY arrived_at, id`, queueKey)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()
	return collectQueueMessages(rows)
}

// ConsumePendingForSteer atomically marks every pending message on the lane
// as included in the given dispatch and returns them in arrival order. Used
// when the steering arbiter decides to interrupt a running dispatch.
func (s *Store) ConsumePendingForSteer(ctx context.Context, queueKey, dispatchID string) ([]*models.QueueMessage, error) {
	var consumed []*models.QueueMessage
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+queueMessageColumns+` FROM queue_messages
			 WHERE queue_key = $1 AND status = 'pending'
			 ORDER BY arrived_at, id
			 FOR UPDATE SKIP LOCKED`, queueKey)
		if err != nil {
			return fmt.Errorf("lock pending messages: %w", err)
		}
		msgs, err := collectQueueMessages(rows)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'included', dispatch_id = $1
			WHERE id = ANY($2)`, dispatchID, ids)
		if err != nil {
			return fmt.Errorf("mark messages steered: %w", err)
		}
		for _, m := range msgs {
			m.Status = models.QueueMessageIncluded
			d := dispatchID
			m.DispatchID = &d
		}
		consumed = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// DropPendingMessages marks all pending messages on a lane as dropped with a
// reason. Used when the arbiter decides arrivals are noise.
func (s *Store) DropPendingMessages(ctx context.Context, queueKey, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'dropped', drop_reason = $2
		WHERE queue_key = $1 AND status = 'pending'`, queueKey, reason)
	if err != nil {
		return 0, fmt.Errorf("drop pending messages: %w", err)
	}
	return res.RowsAffected()
}

// CancelAllPendingMessages cancels every pending message in the system.
// Only the emergency stop path calls this.
func (s *Store) CancelAllPendingMessages(ctx context.Context, tx *stdsql.Tx, reason string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'cancelled', drop_reason = $1
		WHERE status = 'pending'`, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel pending messages: %w", err)
	}
	return res.RowsAffected()
}

// SetLaneState moves a lane between queued and paused. Running is owned by
// the claim path and cannot be set directly.
func (s *Store) SetLaneState(ctx context.Context, queueKey string, state models.LaneState) error {
	if state == models.LaneStateRunning {
		return NewValidationError("state", "running is set by the claim path")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_lanes SET state = $2, updated_at = now() WHERE queue_key = $1`,
		queueKey, state)
	if err != nil {
		return fmt.Errorf("set lane state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set lane state: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteDueLanes converts lanes whose debounce window has elapsed into
// queued dispatches. Each lane's pending messages are coalesced, in arrival
// order, into a single dispatch; the oldest surplus beyond the lane cap is
// dropped. If the lane already holds a queued dispatch that no worker claimed
// yet, that dispatch is marked merged and its batch folds into the new one.
// The run key embeds the first newly pending message id, so re-promoting the
// same batch can never create a second dispatch.
func (s *Store) PromoteDueLanes(ctx context.Context, limit int) ([]*models.RunDispatch, error) {
	if limit <= 0 {
		limit = 10
	}

	var promoted []*models.RunDispatch
	err := s.withTx(ctx, func(tx *stdsql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+laneColumns+` FROM queue_lanes l
			WHERE l.state = 'queued'
			  AND l.debounce_until <= now()
			  AND EXISTS (
			      SELECT 1 FROM queue_messages m
			      WHERE m.queue_key = l.queue_key AND m.status = 'pending')
			ORDER BY l.debounce_until
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("lock due lanes: %w", err)
		}
		lanes, err := collectLanes(rows)
		if err != nil {
			return err
		}

		for _, lane := range lanes {
			dispatch, err := promoteLane(ctx, tx, lane)
			if err != nil {
				return err
			}
			if dispatch != nil {
				promoted = append(promoted, dispatch)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func promoteLane(ctx context.Context, tx *stdsql.Tx, lane *models.QueueLane) (*models.RunDispatch, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+queueMessageColumns+` FROM queue_messages
		 WHERE queue_key = $1 AND status = 'pending'
		 ORDER BY arrived_at, id
		 FOR UPDATE`, lane.QueueKey)
	if err != nil {
		return nil, fmt.Errorf("lock lane messages: %w", err)
	}
	msgs, err := collectQueueMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// Cap enforcement: keep the newest max_queued, drop the oldest surplus.
	if lane.MaxQueued > 0 && len(msgs) > lane.MaxQueued {
		surplus := msgs[:len(msgs)-lane.MaxQueued]
		ids := make([]string, len(surplus))
		for i, m := range surplus {
			ids[i] = m.ID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_messages SET status = 'dropped', drop_reason = 'lane overflow'
			WHERE id = ANY($1)`, ids)
		if err != nil {
			return nil, fmt.Errorf("drop overflow messages: %w", err)
		}
		msgs = msgs[len(msgs)-lane.MaxQueued:]
	}

	// The run key anchors on the first newly pending message even when an
	// older queued dispatch gets merged in, so keys stay unique across merges.
	anchor := msgs[0]

	var priorID stdsql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM run_dispatches
		WHERE queue_key = $1 AND status = 'queued'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE`, lane.QueueKey).Scan(&priorID)
	if err != nil && !errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("lock queued dispatch: %w", err)
	}
	if priorID.Valid {
		priorRows, err := tx.QueryContext(ctx,
			`SELECT `+queueMessageColumns+` FROM queue_messages
			 WHERE dispatch_id = $1 AND status = 'included'
			 ORDER BY arrived_at, id`, priorID.String)
		if err != nil {
			return nil, fmt.Errorf("load merged batch: %w", err)
		}
		priorMsgs, err := collectQueueMessages(priorRows)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE run_dispatches SET status = 'merged', completed_at = now()
			WHERE id = $1`, priorID.String)
		if err != nil {
			return nil, fmt.Errorf("mark dispatch merged: %w", err)
		}
		msgs = append(priorMsgs, msgs...)
	}

	dispatch := &models.RunDispatch{
		ID:           newID(),
		RunKey:       lane.QueueKey + ":" + anchor.ID,
		QueueKey:     lane.QueueKey,
		WorkItemID:   msgs[0].WorkItemID,
		AgentID:      lane.AgentID,
		Status:       models.DispatchQueued,
		ControlState: models.ControlNormal,
		InputText:    coalesceMessages(msgs),
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO run_dispatches (id, run_key, queue_key, work_item_id, agent_id, status, input_text)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6)
		ON CONFLICT (run_key) DO NOTHING`,
		dispatch.ID, dispatch.RunKey, dispatch.QueueKey, dispatch.WorkItemID, dispatch.AgentID, dispatch.InputText,
	)
	if err != nil {
		return nil, fmt.Errorf("insert dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert dispatch: rows affected: %w", err)
	}
	if n == 0 {
		// The batch was already promoted under this run key.
		return nil, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_messages SET status = 'included', dispatch_id = $1
		WHERE id = ANY($2)`, dispatch.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark messages included: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT scheduled_at, created_at FROM run_dispatches WHERE id = $1`, dispatch.ID,
	).Scan(&dispatch.ScheduledAt, &dispatch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reload dispatch timestamps: %w", err)
	}
	return dispatch, nil
}

// coalesceMessages renders a message batch into the single input text the
// runner receives. Sender names are kept so multi-party context survives.
func coalesceMessages(msgs []*models.QueueMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderName != "" {
			parts = append(parts, m.SenderName+": "+m.Text)
		} else {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func scanLane(row rowScanner) (*models.QueueLane, error) {
	var (
		lane       models.QueueLane
		state      string
		mode       string
		dispatchID stdsql.NullString
	)
	err := row.Scan(&lane.QueueKey, &lane.SessionKey, &lane.AgentID, &state, &mode,
		&lane.DebounceUntil, &lane.DebounceMS, &lane.MaxQueued, &dispatchID, &lane.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lane: %w", err)
	}
	lane.State = models.LaneState(state)
	lane.Mode = models.LaneMode(mode)
	lane.ActiveDispatchID = nullStr(dispatchID)
	return &lane, nil
}

func collectLanes(rows *stdsql.Rows) ([]*models.QueueLane, error) {
	defer rows.Close()
	var lanes []*models.QueueLane
	for rows.Next() {
		lane, err := scanLane(rows)
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, lane)
	}
	return lanes, rows.Err()
}

func scanQueueMessage(row rowScanner) (*models.QueueMessage, error) {
	var (
		msg        models.QueueMessage
		status     string
		dispatchID stdsql.NullString
		dropReason stdsql.NullString
	)
	err := row.Scan(&msg.ID, &msg.QueueKey, &msg.WorkItemID, &msg.Text, &msg.SenderName,
		&msg.ArrivedAt, &status, &dispatchID, &dropReason, &msg.CreatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue message: %w", err)
	}
	msg.Status = models.QueueMessageStatus(status)
	msg.DispatchID = nullStr(dispatchID)
	msg.DropReason = nullStr(dropReason)
	return &msg, nil
}

func collectQueueMessages(rows *stdsql.Rows) ([]*models.QueueMessage, error) {
	defer rows.Close()
	var msgs []*models.QueueMessage
	for rows.Next() {
		msg, err := scanQueueMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

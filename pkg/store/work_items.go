package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
)

const workItemColumns = `id, plugin_instance_id, session_key, source, source_ref, title, payload, status, created_at, updated_at`

// CreateWorkItem inserts a work item. When sourceRef is set and a row with
// the same ref already exists, the existing row is returned and created is
// false. This is the dedupe barrier for webhook redeliveries and relays.
func (s *Store) CreateWorkItem(ctx context.Context, item *models.WorkItem) (created bool, err error) {
	if item.SessionKey == "" {
		return false, NewValidationError("session_key", "must not be empty")
	}
	if item.Source == "" {
		return false, NewValidationError("source", "must not be empty")
	}

	if item.ID == "" {
		item.ID = newID()
	}
	if item.Status == "" {
		item.Status = models.WorkItemStatusNew
	}
	payload, err := marshalJSON(item.Payload)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, plugin_instance_id, session_key, source, source_ref, title, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_ref) WHERE source_ref IS NOT NULL DO NOTHING`,
		item.ID, item.PluginInstanceID, item.SessionKey, item.Source, item.SourceRef, item.Title, payload, item.Status,
	)
	if err != nil {
		return false, fmt.Errorf("insert work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert work item: rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.GetWorkItemBySourceRef(ctx, strValue(item.SourceRef))
		if err != nil {
			return false, err
		}
		*item = *existing
		return false, nil
	}

	fresh, err := s.GetWorkItem(ctx, item.ID)
	if err != nil {
		return false, err
	}
	*item = *fresh
	return true, nil
}

// GetWorkItem fetches a work item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	return scanWorkItem(row)
}

// GetWorkItemBySourceRef fetches a work item by its idempotency key.
func (s *Store) GetWorkItemBySourceRef(ctx context.Context, sourceRef string) (*models.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE source_ref = $1`, sourceRef)
	return scanWorkItem(row)
}

// SetWorkItemStatus moves a work item to a new lifecycle status.
func (s *Store) SetWorkItemStatus(ctx context.Context, id string, status models.WorkItemStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update work item status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update work item status: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkItemsBySession lists the newest work items for a session.
func (s *Store) ListWorkItemsBySession(ctx context.Context, sessionKey string, limit int) ([]*models.WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items
		 WHERE session_key = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*models.WorkItem, error) {
	var (
		item       models.WorkItem
		instanceID stdsql.NullString
		sourceRef  stdsql.NullString
		payload    []byte
		status     string
	)
	err := row.Scan(&item.ID, &instanceID, &item.SessionKey, &item.Source, &sourceRef,
		&item.Title, &payload, &status, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	item.PluginInstanceID = nullStr(instanceID)
	item.SourceRef = nullStr(sourceRef)
	item.Status = models.WorkItemStatus(status)
	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("decode work item payload: %w", err)
	}
	return &item, nil
}

// touchWorkItem bumps status and updated_at inside a transaction.
func touchWorkItem(ctx context.Context, tx *stdsql.Tx, id string, status models.WorkItemStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("touch work item: %w", err)
	}
	return nil
}

package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

const pluginEventColumns = `id, plugin_instance_id, kind, hook, detail, created_at`

// RecordPluginEvent writes an audit row for a hook rejection or handler
// fault. Recording is best-effort from the callers' perspective; they log
// and continue when this fails.
func (s *Store) RecordPluginEvent(ctx context.Context, ev *models.PluginEvent) error {
	if ev.Kind == "" {
		return NewValidationError("kind", "must not be empty")
	}
	if ev.ID == "" {
		ev.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO plugin_events (id, plugin_instance_id, kind, hook, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		ev.ID, ev.PluginInstanceID, ev.Kind, ev.Hook, ev.Detail,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("record plugin event: %w", err)
	}
	return nil
}

// ListPluginEvents returns recent audit rows, newest first, optionally
// filtered by kind.
func (s *Store) ListPluginEvents(ctx context.Context, kind string, limit int) ([]*models.PluginEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pluginEventColumns+` FROM plugin_events
		WHERE ($1 = '' OR kind = $1)
		ORDER BY created_at DESC
		LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list plugin events: %w", err)
	}
	defer rows.Close()

	var events []*models.PluginEvent
	for rows.Next() {
		ev, err := scanPluginEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgePluginEvents deletes audit rows older than the cutoff.
func (s *Store) PurgePluginEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge plugin events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge plugin events: rows affected: %w", err)
	}
	return n, nil
}

func scanPluginEvent(row rowScanner) (*models.PluginEvent, error) {
	var (
		ev         models.PluginEvent
		instanceID stdsql.NullString
	)
	err := row.Scan(&ev.ID, &instanceID, &ev.Kind, &ev.Hook, &ev.Detail, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan plugin event: %w", err)
	}
	ev.PluginInstanceID = nullStr(instanceID)
	return &ev, nil
}

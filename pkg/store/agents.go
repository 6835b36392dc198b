package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
)

const agentColumns = `id, handle, display_name, role, enabled, debounce_ms, created_at`

// CreateAgent inserts an agent. Handles are unique; a duplicate returns
// ErrAlreadyExists.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.Handle == "" {
		return NewValidationError("handle", "must not be empty")
	}
	if a.DisplayName == "" {
		return NewValidationError("display_name", "must not be empty")
	}
	if a.ID == "" {
		a.ID = newID()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, handle, display_name, role, enabled, debounce_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (handle) DO NOTHING`,
		a.ID, a.Handle, a.DisplayName, a.Role, a.Enabled, a.DebounceMS)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert agent: rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}

	fresh, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	*a = *fresh
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// GetAgentByHandle fetches an agent by its unique handle.
func (s *Store) GetAgentByHandle(ctx context.Context, handle string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE handle = $1`, handle)
	return scanAgent(row)
}

// ListAgents lists all agents, optionally only the enabled ones.
func (s *Store) ListAgents(ctx context.Context, enabledOnly bool) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE NOT $1 OR enabled
		ORDER BY handle`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListAgentsByIDs fetches the given agents, preserving only those that
// exist. Order follows handle, not input order.
func (s *Store) ListAgentsByIDs(ctx context.Context, ids []string) ([]*models.Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ANY($1) ORDER BY handle`, ids)
	if err != nil {
		return nil, fmt.Errorf("list agents by ids: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// SetAgentEnabled toggles an agent. Disabled agents are skipped at intake
// fan-out; their lanes and history stay intact.
func (s *Store) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set agent enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set agent enabled: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a        models.Agent
		debounce stdsql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Handle, &a.DisplayName, &a.Role, &a.Enabled, &debounce, &a.CreatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if debounce.Valid {
		v := debounce.Int64
		a.DebounceMS = &v
	}
	return &a, nil
}

func collectAgents(rows *stdsql.Rows) ([]*models.Agent, error) {
	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

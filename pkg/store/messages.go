package store

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
)

const messageColumns = `id, session_key, work_item_id, agent_id, role, author, content, created_at`

// InsertMessage appends a transcript entry to a session.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	if m.SessionKey == "" {
		return NewValidationError("session_key", "must not be empty")
	}
	if m.ID == "" {
		m.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, session_key, work_item_id, agent_id, role, author, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		m.ID, m.SessionKey, m.WorkItemID, m.AgentID, m.Role, m.Author, m.Content,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListSessionMessages returns the most recent transcript entries of a
// session in chronological order.
func (s *Store) ListSessionMessages(ctx context.Context, sessionKey string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE session_key = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m          models.Message
		workItemID stdsql.NullString
		agentID    stdsql.NullString
		role       string
	)
	err := row.Scan(&m.ID, &m.SessionKey, &workItemID, &agentID, &role, &m.Author, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.WorkItemID = nullStr(workItemID)
	m.AgentID = nullStr(agentID)
	m.Role = models.MessageRole(role)
	return &m, nil
}

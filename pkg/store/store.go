// Package store implements the transactional persistence layer. All state
// transitions that must be atomic (claims, finalization, lane promotion,
// forced termination) happen here, inside single transactions, using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/database"
	"github.com/crewhq/crewd/pkg/secrets"
)

// Store is the single gateway to the database. Workers and API handlers hold
// a *Store and never touch SQL directly.
type Store struct {
	db     *stdsql.DB
	box    *secrets.Box
	logger *slog.Logger
}

// New creates a Store on top of an open database client. box encrypts the
// credential columns; it is required because instances cannot be persisted
// without it.
func New(client *database.Client, box *secrets.Box) *Store {
	return &Store{
		db:     client.DB(),
		box:    box,
		logger: slog.With("component", "store"),
	}
}

// DB exposes the raw connection for health checks.
func (s *Store) DB() *stdsql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *stdsql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// newID returns a time-ordered unique id. V7 UUIDs sort by creation time,
// which gives the FIFO tie-break on equal timestamps for free.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func nullStr(ns stdsql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(nt stdsql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func strValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

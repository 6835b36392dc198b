package store

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres codes for statements the live schema cannot satisfy: the binary
// and the database disagree about what exists.
const (
	pgUndefinedColumn   = "42703"
	pgUndefinedFunction = "42883"
	pgUndefinedTable    = "42P01"
)

// driftSeen dedupes drift logging per unique code+message pattern for the
// process lifetime. Shared across workers: whichever loop hits the pattern
// first logs it, the rest stay quiet.
var driftSeen sync.Map

// IsSchemaDrift reports whether err is Postgres rejecting a query because a
// table, column, or function this binary expects is missing. Worker loops
// stop on drift instead of retrying; no tick will ever succeed until the
// schema is migrated.
func IsSchemaDrift(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgUndefinedColumn, pgUndefinedFunction, pgUndefinedTable:
		return true
	}
	return false
}

// LogSchemaDrift emits one line per unique drift pattern telling the
// operator how to converge: restarting crewd applies the embedded
// migrations. Repeat hits on an already-reported pattern are silent.
func LogSchemaDrift(logger *slog.Logger, err error) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return
	}
	if _, seen := driftSeen.LoadOrStore(pgErr.Code+":"+pgErr.Message, struct{}{}); seen {
		return
	}
	logger.Error("Database schema does not match this build; restart crewd to apply the embedded migrations",
		"pg_code", pgErr.Code,
		"pg_message", pgErr.Message)
}

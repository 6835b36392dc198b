package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrNoDispatchAvailable indicates no claimable dispatch is in the table.
	ErrNoDispatchAvailable = errors.New("no dispatch available")

	// ErrNoEffectAvailable indicates the outbox has no due pending effect.
	ErrNoEffectAvailable = errors.New("no effect available")

	// ErrNoEventAvailable indicates no queued routine event is waiting.
	ErrNoEventAvailable = errors.New("no event available")

	// ErrStaleEpoch is returned when a transitional write carries an epoch
	// that no longer matches the row. The caller lost its claim; the write
	// was not applied.
	ErrStaleEpoch = errors.New("stale claim epoch")

	// ErrNotResolvable is returned when an operator tries to reconcile an
	// outbox row that is not in the unknown state.
	ErrNotResolvable = errors.New("effect is not awaiting reconciliation")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

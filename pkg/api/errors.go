package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/store"
)

// errorStatus maps store- and intake-layer errors to HTTP responses.
func errorStatus(err error) (int, string) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, validErr.Error()
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "resource not found"
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict, "resource already exists"
	}
	if errors.Is(err, store.ErrNotResolvable) {
		return http.StatusConflict, "effect is not awaiting reconciliation"
	}
	if errors.Is(err, intake.ErrPermissionDenied) {
		return http.StatusForbidden, "plugin instance is not permitted to submit"
	}
	if errors.Is(err, intake.ErrHookBlocked) {
		return http.StatusUnprocessableEntity, "submission blocked by hook"
	}
	if errors.Is(err, intake.ErrNoTargetAgents) {
		return http.StatusUnprocessableEntity, "no enabled target agents"
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}

// respondError writes the mapped error as a JSON body.
func respondError(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	c.JSON(status, gin.H{"error": msg})
}

// badRequest writes a 400 with the given message.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

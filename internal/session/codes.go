package session

import (
	"errors"

	"github.com/joescharf/cmdassist/internal/store"
	"github.com/joescharf/cmdassist/internal/workflow"
)

// Error codes reported to clients.
const (
	CodeInvalidDecision = "invalid_decision"
	CodeNotWaiting      = "not_waiting"
	CodeNotFound        = "not_found"
	CodeBadRequest      = "bad_request"
	CodeInternal        = "internal"
)

// ErrorCode classifies err for a client-facing error message.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, workflow.ErrNotWaiting), errors.Is(err, store.ErrConflict):
		return CodeNotWaiting
	case errors.Is(err, workflow.ErrInvalidDecision):
		return CodeInvalidDecision
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrEmptyPrompt):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrGeneration marks a text generator failure or an empty generated command.
	ErrGeneration = errors.New("generation error")
	// ErrInvalidDecision marks a decision that does not apply to the session's
	// current state. The session is left unchanged.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrNotWaiting marks a decision for a session that is not suspended.
	ErrNotWaiting = fmt.Errorf("%w: session is not waiting for a decision", ErrInvalidDecision)
)

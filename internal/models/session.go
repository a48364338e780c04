package models

import "time"

// State is a workflow engine state.
type State string

const (
	StateGenerating            State = "generating"
	StateAwaitingApproval      State = "awaiting_approval"
	StateExecuting             State = "executing"
	StateAwaitingRetryDecision State = "awaiting_retry_decision"
	StateRetryGenerating       State = "retry_generating"
	StateDone                  State = "done"
	StateCancelled             State = "cancelled"
	StateFailed                State = "failed"
)

var validStates = map[State]bool{
	StateGenerating:            true,
	StateAwaitingApproval:      true,
	StateExecuting:             true,
	StateAwaitingRetryDecision: true,
	StateRetryGenerating:       true,
	StateDone:                  true,
	StateCancelled:             true,
	StateFailed:                true,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool { return validStates[s] }

// Suspended reports whether the engine is waiting for a human decision in state s.
func (s State) Suspended() bool {
	return s == StateAwaitingApproval || s == StateAwaitingRetryDecision
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Attempt records a single command execution.
type Attempt struct {
	Command   string        `json:"command"`
	Output    string        `json:"output"`
	Error     string        `json:"error"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Session is one user request's lifecycle through the workflow engine.
// It is the checkpoint record persisted between steps.
type Session struct {
	ID               string    `json:"id"`
	UserPrompt       string    `json:"user_prompt"`
	GeneratedCommand string    `json:"generated_command"`
	CommandOutput    string    `json:"command_output"`
	CommandError     string    `json:"command_error"`
	ExitCode         int       `json:"exit_code"`
	RetryCount       int       `json:"retry_count"`
	MaxRetries       int       `json:"max_retries"`
	State            State     `json:"state"`
	Failure          string    `json:"failure,omitempty"`
	Attempts         []Attempt `json:"attempts,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Attempts != nil {
		c.Attempts = make([]Attempt, len(s.Attempts))
		copy(c.Attempts, s.Attempts)
	}
	return &c
}

// Pending returns the decision request outstanding for the session's current
// state, or nil if the session is not suspended.
func (s *Session) Pending() Request {
	switch s.State {
	case StateAwaitingApproval:
		return &ApprovalRequest{
			Command:    s.GeneratedCommand,
			UserPrompt: s.UserPrompt,
			RetryCount: s.RetryCount,
		}
	case StateAwaitingRetryDecision:
		return &RetryRequest{
			Command:    s.GeneratedCommand,
			Error:      s.CommandError,
			Output:     s.CommandOutput,
			RetryCount: s.RetryCount,
			MaxRetries: s.MaxRetries,
		}
	}
	return nil
}

// Succeeded reports whether the session finished without an error.
func (s *Session) Succeeded() bool {
	return s.State == StateDone && s.CommandError == "" && s.Failure == ""
}

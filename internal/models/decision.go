package models

import "strconv"

// Decision keys accepted at suspended states.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionCancel  = "cancel"
	DecisionRetry   = "retry"
	DecisionStop    = "stop"
)

// RequestKind identifies which suspended state a request belongs to.
type RequestKind string

const (
	KindApproval RequestKind = "approval"
	KindRetry    RequestKind = "retry"
)

// Option is one valid response to a decision request.
type Option struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// Request is a question posed to the human at a suspended state.
// It is implemented by *ApprovalRequest and *RetryRequest.
type Request interface {
	Kind() RequestKind
	Question() string
	Options() []Option
	Context() map[string]string
}

// ApprovalRequest asks whether to execute a generated command.
type ApprovalRequest struct {
	Command    string
	UserPrompt string
	RetryCount int
}

func (r *ApprovalRequest) Kind() RequestKind { return KindApproval }

func (r *ApprovalRequest) Question() string { return "Do you want to execute this command?" }

func (r *ApprovalRequest) Options() []Option {
	return []Option{
		{Key: DecisionApprove, Description: "Execute the command"},
		{Key: DecisionReject, Description: "Generate a different command"},
		{Key: DecisionCancel, Description: "Cancel the operation"},
	}
}

func (r *ApprovalRequest) Context() map[string]string {
	return map[string]string{
		"command":     r.Command,
		"user_prompt": r.UserPrompt,
		"retry_count": strconv.Itoa(r.RetryCount),
	}
}

// RetryRequest asks whether to try an alternative after a failed execution.
type RetryRequest struct {
	Command    string
	Error      string
	Output     string
	RetryCount int
	MaxRetries int
}

func (r *RetryRequest) Kind() RequestKind { return KindRetry }

func (r *RetryRequest) Question() string {
	return "Command failed. Do you want me to try a different approach?"
}

func (r *RetryRequest) Options() []Option {
	return []Option{
		{Key: DecisionRetry, Description: "Yes, try a different command"},
		{Key: DecisionStop, Description: "No, stop here"},
	}
}

func (r *RetryRequest) Context() map[string]string {
	return map[string]string{
		"command":     r.Command,
		"error":       r.Error,
		"output":      r.Output,
		"retry_count": strconv.Itoa(r.RetryCount),
		"max_retries": strconv.Itoa(r.MaxRetries),
	}
}

// HasOption reports whether key is one of the request's option keys.
func HasOption(r Request, key string) bool {
	for _, o := range r.Options() {
		if o.Key == key {
			return true
		}
	}
	return false
}

// OptionKeys returns the request's option keys in order.
func OptionKeys(r Request) []string {
	opts := r.Options()
	keys := make([]string, len(opts))
	for i, o := range opts {
		keys[i] = o.Key
	}
	return keys
}

// DecisionRequest is the outbound message for a suspended session.
type DecisionRequest struct {
	SessionID string            `json:"session_id"`
	Kind      RequestKind       `json:"kind"`
	Question  string            `json:"question"`
	Context   map[string]string `json:"context"`
	Options   []Option          `json:"options"`
}

// NewDecisionRequest builds the outbound envelope for r.
func NewDecisionRequest(sessionID string, r Request) *DecisionRequest {
	return &DecisionRequest{
		SessionID: sessionID,
		Kind:      r.Kind(),
		Question:  r.Question(),
		Context:   r.Context(),
		Options:   r.Options(),
	}
}

// SessionResult is the outbound message for a terminated session.
type SessionResult struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	Command   string `json:"command"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Success   bool   `json:"success"`
}

// NewSessionResult builds the outbound result for a terminal session.
// A failure recorded on the session takes precedence over the command error.
func NewSessionResult(s *Session) *SessionResult {
	errText := s.CommandError
	if s.Failure != "" {
		errText = s.Failure
	}
	return &SessionResult{
		SessionID: s.ID,
		State:     s.State,
		Command:   s.GeneratedCommand,
		Output:    s.CommandOutput,
		Error:     errText,
		ExitCode:  s.ExitCode,
		Success:   s.Succeeded(),
	}
}

// Outbound is the message produced by one engine step: exactly one of
// Request or Result is set.
type Outbound struct {
	Request *DecisionRequest `json:"request,omitempty"`
	Result  *SessionResult   `json:"result,omitempty"`
}

// Describe returns the outbound message for the session's current state, or an
// empty Outbound when the session is neither suspended nor terminal.
func Describe(s *Session) Outbound {
	if r := s.Pending(); r != nil {
		return Outbound{Request: NewDecisionRequest(s.ID, r)}
	}
	if s.State.Terminal() {
		return Outbound{Result: NewSessionResult(s)}
	}
	return Outbound{}
}

package ws

import (
	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/session"
)

// Message types.
const (
	TypeMessage         = "message"
	TypeDecision        = "decision"
	TypeCommandApproval = "command_approval"
	TypeRetryResponse   = "retry_response"

	TypeWelcome         = "welcome"
	TypeDecisionRequest = "decision_request"
	TypeCommandOutput   = "command_output"
	TypeError           = "error"
)

// Message is the JSON envelope exchanged in both directions.
type Message struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Inbound decisions.
	Decision string `json:"decision,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
	Retry    *bool  `json:"retry,omitempty"`

	// Outbound.
	Code    string                  `json:"code,omitempty"`
	Request *models.DecisionRequest `json:"request,omitempty"`
	Result  *models.SessionResult   `json:"result,omitempty"`
}

// decisionKey resolves the decision carried by an inbound message, mapping
// the boolean forms onto option keys.
func (m Message) decisionKey() (string, bool) {
	switch m.Type {
	case TypeDecision:
		return m.Decision, m.Decision != ""
	case TypeCommandApproval:
		if m.Approved != nil && *m.Approved {
			return models.DecisionApprove, true
		}
		return models.DecisionReject, true
	case TypeRetryResponse:
		if m.Retry != nil && *m.Retry {
			return models.DecisionRetry, true
		}
		return models.DecisionStop, true
	}
	return "", false
}

func outboundMessage(out models.Outbound) Message {
	if out.Request != nil {
		return Message{
			Type:      TypeDecisionRequest,
			SessionID: out.Request.SessionID,
			Content:   out.Request.Question,
			Request:   out.Request,
		}
	}
	if out.Result != nil {
		return Message{
			Type:      TypeCommandOutput,
			SessionID: out.Result.SessionID,
			Result:    out.Result,
		}
	}
	return Message{Type: TypeError, Code: session.CodeInternal, Content: "session produced no output"}
}

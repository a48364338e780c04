package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/session"
	"github.com/joescharf/cmdassist/internal/store"
)

// Server exposes command sessions as MCP tools, so an MCP client can play
// the human role: it starts a session, reads the proposed command, and
// approves or rejects it.
type Server struct {
	svc     *session.Service
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(svc *session.Service, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("cmdassist", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.submitDecisionTool())
	srv.AddTool(s.getSessionTool())
	srv.AddTool(s.listSessionsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// cmdassist_start_session
func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("cmdassist_start_session",
		mcp.WithDescription("Generate a shell command for a natural-language request. Returns a decision request with the proposed command; nothing runs until cmdassist_submit_decision approves it."),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the command should do")),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}
	out, err := s.svc.Start(ctx, "", prompt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	return jsonResult(out)
}

// cmdassist_submit_decision
func (s *Server) submitDecisionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("cmdassist_submit_decision",
		mcp.WithDescription("Answer a session's pending decision. Approval requests accept approve, reject or cancel; retry requests accept retry or stop. Returns the next decision request or the final result."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("decision", mcp.Required(), mcp.Description("One of the pending request's option keys"),
			mcp.Enum(models.DecisionApprove, models.DecisionReject, models.DecisionCancel, models.DecisionRetry, models.DecisionStop)),
	)
	return tool, s.handleSubmitDecision
}

func (s *Server) handleSubmitDecision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	decision, err := request.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: decision"), nil
	}
	out, err := s.svc.Submit(ctx, id, decision)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", session.ErrorCode(err), err)), nil
	}
	return jsonResult(out)
}

// cmdassist_get_session
func (s *Server) getSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("cmdassist_get_session",
		mcp.WithDescription("Get a session's checkpoint, including its state, current command, attempts and any pending decision."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleGetSession
}

type sessionOut struct {
	*models.Session
	Pending *models.DecisionRequest `json:"pending,omitempty"`
}

func newSessionOut(sess *models.Session) sessionOut {
	out := sessionOut{Session: sess}
	if p := sess.Pending(); p != nil {
		out.Pending = models.NewDecisionRequest(sess.ID, p)
	}
	return out
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	sess, err := s.svc.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	return jsonResult(newSessionOut(sess))
}

// cmdassist_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("cmdassist_list_sessions",
		mcp.WithDescription("List session checkpoints, newest first."),
		mcp.WithString("state", mcp.Description("Filter by state"),
			mcp.Enum(
				string(models.StateAwaitingApproval), string(models.StateAwaitingRetryDecision),
				string(models.StateDone), string(models.StateCancelled), string(models.StateFailed),
			)),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ListFilter{Limit: request.GetInt("limit", 20)}
	if st := request.GetString("state", ""); st != "" {
		state := models.State(st)
		if !state.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown state: %s", st)), nil
		}
		filter.State = state
	}

	sessions, err := s.svc.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type summary struct {
		ID         string       `json:"id"`
		Prompt     string       `json:"user_prompt"`
		Command    string       `json:"generated_command"`
		State      models.State `json:"state"`
		RetryCount int          `json:"retry_count"`
		UpdatedAt  string       `json:"updated_at"`
	}
	out := make([]summary, len(sessions))
	for i, sess := range sessions {
		out[i] = summary{
			ID:         sess.ID,
			Prompt:     sess.UserPrompt,
			Command:    sess.GeneratedCommand,
			State:      sess.State,
			RetryCount: sess.RetryCount,
			UpdatedAt:  sess.UpdatedAt.Format(time.RFC3339),
		}
	}
	return jsonResult(out)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

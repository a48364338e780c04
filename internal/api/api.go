package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/joescharf/cmdassist/internal/models"
	"github.com/joescharf/cmdassist/internal/session"
	"github.com/joescharf/cmdassist/internal/store"
)

// Server provides the REST API handlers.
type Server struct {
	svc *session.Service
	ws  http.Handler
	ui  http.Handler
}

// NewServer creates a new API server. ws, when not nil, is mounted at /ws.
func NewServer(svc *session.Service, ws http.Handler) *Server {
	return &Server{svc: svc, ws: ws}
}

// WithUI mounts a browser client at the root path.
func (s *Server) WithUI(h http.Handler) *Server {
	s.ui = h
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/decision", s.submitDecision)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)

	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}
	if s.ui != nil {
		mux.Handle("GET /", s.ui)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSessionError maps a session error onto a status and error code.
func writeSessionError(w http.ResponseWriter, err error) {
	code := session.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case session.CodeNotFound:
		status = http.StatusNotFound
	case session.CodeInvalidDecision, session.CodeNotWaiting:
		status = http.StatusConflict
	case session.CodeBadRequest:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

// sessionDetail is a checkpoint plus its outstanding decision, if any.
type sessionDetail struct {
	*models.Session
	Pending *models.DecisionRequest `json:"pending,omitempty"`
}

func detail(sess *models.Session) sessionDetail {
	d := sessionDetail{Session: sess}
	if p := sess.Pending(); p != nil {
		d.Pending = models.NewDecisionRequest(sess.ID, p)
	}
	return d
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	out, err := s.svc.Start(r.Context(), "", req.Prompt)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{Limit: 50}
	if st := strings.TrimSpace(r.URL.Query().Get("state")); st != "" {
		state := models.State(st)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state: "+st)
			return
		}
		filter.State = state
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+l)
			return
		}
		filter.Limit = n
	}

	sessions, err := s.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result := make([]sessionDetail, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, detail(sess))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail(sess))
}

func (s *Server) submitDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Decision) == "" {
		writeError(w, http.StatusBadRequest, "decision is required")
		return
	}
	out, err := s.svc.Submit(r.Context(), r.PathValue("id"), req.Decision)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.svc.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeSessionError(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.svc.Discard(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

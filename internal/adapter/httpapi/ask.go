package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"nexa/internal/domain"
	"nexa/internal/usecase"
)

// Response headers carrying turn metadata.
const (
	HeaderAgentName    = "X-Agent-Name"
	HeaderAgentID      = "X-Agent-Id"
	HeaderSessionToken = "X-Session-Token"
	HeaderTurnID       = "X-Turn-Id"
	TrailerTurnState   = "X-Turn-State"
	TrailerTurnError   = "X-Turn-Error"
)

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// httpSink streams a turn as chunked plain text.
type httpSink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	begun bool
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, rc: http.NewResponseController(w)}
}

func (s *httpSink) Begin(meta domain.TurnMeta) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Accel-Buffering", "no")
	h.Set(HeaderAgentName, meta.AgentName)
	h.Set(HeaderAgentID, meta.AgentID)
	h.Set(HeaderSessionToken, meta.SessionID)
	h.Set(HeaderTurnID, meta.TurnID)
	h.Add("Trailer", TrailerTurnState)
	h.Add("Trailer", TrailerTurnError)
	s.w.WriteHeader(http.StatusOK)
	s.begun = true
	return s.flush()
}

func (s *httpSink) Write(chunk string) error {
	if _, err := s.w.Write([]byte(chunk)); err != nil {
		return err
	}
	return s.flush()
}

func (s *httpSink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, domain.NewDomainError("decode request", domain.ErrInvalidInput, err.Error()))
		return
	}

	id := identity(r)
	sink := newHTTPSink(w)
	out, err := s.deps.Turns.Ask(r.Context(), usecase.AskRequest{
		Question:  req.Question,
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		TenantID:  id.TenantID,
		UserID:    id.UserID,
	}, sink)
	if err != nil {
		if sink.begun {
			s.logger.Warn("turn failed after headers were sent", "error", err)
			return
		}
		s.writeError(w, r, err)
		return
	}

	w.Header().Set(TrailerTurnState, out.State.String())
	if out.Err != nil {
		w.Header().Set(TrailerTurnError, string(domain.ErrorCodeOf(out.Err)))
		s.logger.Warn("turn ended", "turn_id", out.Meta.TurnID, "state", out.State.String(), "error", out.Err)
	}
}

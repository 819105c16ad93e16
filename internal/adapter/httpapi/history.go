package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"nexa/internal/domain"
)

type historyResponse struct {
	SessionID string                    `json:"session_id"`
	Entries   []domain.ChatHistoryEntry `json:"entries"`
}

type sessionsResponse struct {
	Sessions []domain.SessionSummary `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Turns.Sessions(r.Context(), identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	h, err := s.deps.Turns.History(r.Context(), sessionID, identity(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries := h.Entries
	if entries == nil {
		entries = []domain.ChatHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, Entries: entries})
}

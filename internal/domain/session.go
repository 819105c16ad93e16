package domain

import (
	"context"
	"slices"
	"strings"
	"time"
)

// ChatHistoryEntry is one exchanged turn. Entries are immutable once written.
type ChatHistoryEntry struct {
	TurnID    string    `json:"turn_id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	AgentID   *string   `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionHistory is a snapshot of a session's append-only history.
// An unknown session has no owner and no entries.
type SessionHistory struct {
	SessionID   string             `json:"session_id"`
	OwnerUserID string             `json:"owner_user_id,omitempty"`
	Entries     []ChatHistoryEntry `json:"entries"`
}

// Exists reports whether the session has been created.
func (h *SessionHistory) Exists() bool { return h != nil && h.OwnerUserID != "" }

// OwnedBy reports whether userID may read and append to the session.
// Sessions that do not exist yet may be claimed by anyone.
func (h *SessionHistory) OwnedBy(userID string) bool {
	return !h.Exists() || h.OwnerUserID == userID
}

// HasTurn reports whether an entry for turnID is already recorded.
func (h *SessionHistory) HasTurn(turnID string) bool {
	if h == nil || turnID == "" {
		return false
	}
	for _, e := range h.Entries {
		if e.TurnID == turnID {
			return true
		}
	}
	return false
}

// SessionSummary describes one of a user's sessions without its entries.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Turns        int       `json:"turns"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SortSessionSummaries orders summaries most recently active first, then by
// session id.
func SortSessionSummaries(s []SessionSummary) {
	slices.SortFunc(s, func(a, b SessionSummary) int {
		if c := b.LastActiveAt.Compare(a.LastActiveAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
}

// SessionStore persists session histories.
type SessionStore interface {
	// GetHistory returns the session's history, empty if the session is unknown.
	GetHistory(ctx context.Context, sessionID string) (*SessionHistory, error)
	// AppendEntry appends entry if the session currently holds exactly
	// expectedLen entries, creating the session for ownerUserID when absent.
	// It returns ErrSessionConflict when the length check fails and
	// ErrSessionForbidden when the session belongs to another user.
	AppendEntry(ctx context.Context, sessionID, ownerUserID string, expectedLen int, entry ChatHistoryEntry) error
	// ListSessions returns the sessions owned by ownerUserID, most recently
	// active first. It never returns nil.
	ListSessions(ctx context.Context, ownerUserID string) ([]SessionSummary, error)
}

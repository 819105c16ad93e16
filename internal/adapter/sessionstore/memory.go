package sessionstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"nexa/internal/domain"
)

var _ domain.SessionStore = (*MemoryStore)(nil)

// MemoryStore keeps session histories in process memory. It applies the
// same ownership and length checks as the durable stores.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.SessionHistory
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.SessionHistory)}
}

// GetHistory returns a copy of the session's history.
func (m *MemoryStore) GetHistory(_ context.Context, sessionID string) (*domain.SessionHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.sessions[sessionID]
	if !ok {
		return &domain.SessionHistory{SessionID: sessionID, Entries: []domain.ChatHistoryEntry{}}, nil
	}
	return &domain.SessionHistory{
		SessionID:   h.SessionID,
		OwnerUserID: h.OwnerUserID,
		Entries:     slices.Clone(h.Entries),
	}, nil
}

// AppendEntry appends entry if the session holds exactly expectedLen entries.
func (m *MemoryStore) AppendEntry(_ context.Context, sessionID, ownerUserID string, expectedLen int, entry domain.ChatHistoryEntry) error {
	const op = "MemoryStore.AppendEntry"

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.sessions[sessionID]
	if !ok {
		h = &domain.SessionHistory{SessionID: sessionID, OwnerUserID: ownerUserID}
		m.sessions[sessionID] = h
	} else if h.OwnerUserID != ownerUserID {
		return domain.NewDomainError(op, domain.ErrSessionForbidden, sessionID)
	}

	if len(h.Entries) != expectedLen {
		return domain.NewDomainError(op, domain.ErrSessionConflict,
			fmt.Sprintf("expected %d entries, found %d", expectedLen, len(h.Entries)))
	}
	if h.HasTurn(entry.TurnID) {
		return domain.NewDomainError(op, domain.ErrSessionConflict, "turn already recorded: "+entry.TurnID)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	h.Entries = append(h.Entries, entry)
	return nil
}

// ListSessions returns the sessions ownerUserID has appended to.
func (m *MemoryStore) ListSessions(_ context.Context, ownerUserID string) ([]domain.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.SessionSummary{}
	for id, h := range m.sessions {
		if h.OwnerUserID != ownerUserID || len(h.Entries) == 0 {
			continue
		}
		out = append(out, domain.SessionSummary{
			SessionID:    id,
			Turns:        len(h.Entries),
			LastActiveAt: h.Entries[len(h.Entries)-1].CreatedAt,
		})
	}
	domain.SortSessionSummaries(out)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

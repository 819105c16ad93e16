package usecase

import (
	"strings"

	"nexa/internal/domain"
)

// Assemble builds the model input for a turn: the system prompt, each
// stored exchange as a user/assistant pair in order, then the trimmed
// question. The result always holds 2+2*len(history) messages.
func Assemble(systemPrompt string, history []domain.ChatHistoryEntry, question string) ([]domain.Message, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, domain.ErrEmptyQuestion
	}

	msgs := make([]domain.Message, 0, 2+2*len(history))
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: systemPrompt})
	for _, e := range history {
		msgs = append(msgs,
			domain.Message{Role: domain.RoleUser, Content: e.User, Timestamp: e.CreatedAt},
			domain.Message{Role: domain.RoleAssistant, Content: e.Assistant, Timestamp: e.CreatedAt},
		)
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: q})
	return msgs, nil
}

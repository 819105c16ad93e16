package usecase

import (
	"errors"
	"fmt"
	"testing"

	"nexa/internal/domain"
)

func TestAssembleOrdersHistory(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			var history []domain.ChatHistoryEntry
			for i := range n {
				history = append(history, domain.ChatHistoryEntry{
					User:      fmt.Sprintf("q%d", i),
					Assistant: fmt.Sprintf("a%d", i),
				})
			}

			msgs, err := Assemble("be brief", history, "  next?  ")
			if err != nil {
				t.Fatalf("Assemble: %v", err)
			}
			if len(msgs) != 1+2*n+1 {
				t.Fatalf("len = %d, want %d", len(msgs), 1+2*n+1)
			}
			if msgs[0].Role != domain.RoleSystem || msgs[0].Content != "be brief" {
				t.Errorf("first message = %+v", msgs[0])
			}
			for i := range n {
				u, a := msgs[1+2*i], msgs[2+2*i]
				if u.Role != domain.RoleUser || u.Content != fmt.Sprintf("q%d", i) {
					t.Errorf("message %d = %+v", 1+2*i, u)
				}
				if a.Role != domain.RoleAssistant || a.Content != fmt.Sprintf("a%d", i) {
					t.Errorf("message %d = %+v", 2+2*i, a)
				}
			}
			last := msgs[len(msgs)-1]
			if last.Role != domain.RoleUser || last.Content != "next?" {
				t.Errorf("last message = %+v, want trimmed question", last)
			}
		})
	}
}

func TestAssembleRejectsEmptyQuestion(t *testing.T) {
	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := Assemble("p", nil, q)
		if !errors.Is(err, domain.ErrEmptyQuestion) {
			t.Errorf("Assemble(%q) err = %v, want ErrEmptyQuestion", q, err)
		}
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("ErrEmptyQuestion should be an invalid input error")
		}
	}
}

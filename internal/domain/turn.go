package domain

// TurnState is the lifecycle state of one streamed turn.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnStreaming
	TurnCompleted
	TurnFailed
	TurnCancelled
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	case TurnCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnFailed || s == TurnCancelled
}

// TurnMeta is the out-of-band metadata attached to a turn's response.
type TurnMeta struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name"`
}

package httpapi

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameAsk   FrameType = "ask"   // client → server
	FrameMeta  FrameType = "meta"  // turn started
	FrameChunk FrameType = "chunk" // answer text
	FrameDone  FrameType = "done"  // turn completed
	FrameError FrameType = "error" // rejection, failure or cancellation
)

// Frame is the envelope exchanged over WebSocket. Which fields are set
// depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// ask
	Question string `json:"question,omitempty"`
	AgentID  string `json:"agent_id,omitempty"` // also on meta

	// meta
	SessionID string `json:"session_id,omitempty"` // also on ask
	TurnID    string `json:"turn_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`

	// chunk
	Content string `json:"content,omitempty"`

	// done, error
	State string `json:"state,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

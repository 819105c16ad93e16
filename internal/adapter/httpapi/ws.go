package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nexa/internal/domain"
	"nexa/internal/usecase"
)

// wsSink streams a turn as meta and chunk frames.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) Begin(meta domain.TurnMeta) error {
	return wsjson.Write(s.ctx, s.conn, Frame{
		Type:      FrameMeta,
		TurnID:    meta.TurnID,
		SessionID: meta.SessionID,
		AgentID:   meta.AgentID,
		AgentName: meta.AgentName,
	})
}

func (s *wsSink) Write(chunk string) error {
	return wsjson.Write(s.ctx, s.conn, Frame{Type: FrameChunk, Content: chunk})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.deps.Config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxRequestBody)
	defer conn.CloseNow()

	id := identity(r)
	log := s.logger.With("tenant_id", id.TenantID)
	log.Debug("websocket client connected")

	// A read failure means the client is gone; it cancels any running turn.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	frames := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-frames:
			if err := s.serveFrame(ctx, conn, id, data); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// serveFrame runs one client frame to completion. Turns on one connection
// run one at a time.
func (s *Server) serveFrame(ctx context.Context, conn *websocket.Conn, id domain.Identity, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return writeErrorFrame(ctx, conn, "", domain.NewDomainError("decode frame", domain.ErrInvalidInput, err.Error()))
	}
	if f.Type != FrameAsk {
		return writeErrorFrame(ctx, conn, "", domain.NewDomainError("decode frame", domain.ErrInvalidInput, "unknown frame type "+string(f.Type)))
	}

	out, err := s.deps.Turns.Ask(ctx, usecase.AskRequest{
		Question:  f.Question,
		SessionID: f.SessionID,
		AgentID:   f.AgentID,
		TenantID:  id.TenantID,
		UserID:    id.UserID,
	}, &wsSink{ctx: ctx, conn: conn})
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.logger.Error("websocket ask failed", "error", err)
			return wsjson.Write(ctx, conn, Frame{Type: FrameError, Code: string(domain.ErrorCodeOf(err)), Error: "internal error"})
		}
		return writeErrorFrame(ctx, conn, "", err)
	}

	if out.State == domain.TurnCompleted {
		return wsjson.Write(ctx, conn, Frame{Type: FrameDone, TurnID: out.Meta.TurnID, State: out.State.String()})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return writeErrorFrame(ctx, conn, out.State.String(), out.Err)
}

func writeErrorFrame(ctx context.Context, conn *websocket.Conn, state string, err error) error {
	f := Frame{Type: FrameError, State: state, Code: string(domain.ErrorCodeOf(err))}
	if err != nil {
		f.Error = err.Error()
	}
	return wsjson.Write(ctx, conn, f)
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"nexa/internal/domain"
)

// maxSSELine bounds a single "data:" line. Tool-call argument chunks are
// small, but some gateways batch several deltas into one event.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using the provider-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled. A read error, a malformed event, or a body that ends
// before [DONE] is delivered as a terminal delta wrapping ErrStreamInterrupted.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				send(domain.StreamDelta{Err: fmt.Errorf("%w: malformed event: %v", domain.ErrStreamInterrupted, err)})
				return
			}
			if delta == nil {
				continue
			}

			if !send(*delta) || delta.Done || delta.Err != nil {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err := scanner.Err(); err != nil {
			send(domain.StreamDelta{Err: fmt.Errorf("%w: %v", domain.ErrStreamInterrupted, err)})
			return
		}
		send(domain.StreamDelta{Err: fmt.Errorf("%w: body ended before [DONE]", domain.ErrStreamInterrupted)})
	}()
	return ch
}

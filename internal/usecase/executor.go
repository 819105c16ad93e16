package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
	"nexa/internal/infra/tracer"
)

// Execution defaults.
const (
	defaultMaxAttempts       = 3
	defaultMaxToolIterations = 8
	defaultInvokeTimeout     = 120 * time.Second
	baseRetryDelay           = 500 * time.Millisecond
	maxRetryDelay            = 10 * time.Second
)

// ChunkSink receives a turn's text as it streams. A Write error means the
// receiver is gone and the turn is cancelled.
type ChunkSink interface {
	Write(chunk string) error
}

// CapabilityInvoker runs one composed capability.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, c domain.ComposedCapability, args json.RawMessage) (string, error)
}

// TurnInput is everything the executor needs for one turn.
type TurnInput struct {
	TurnID       string
	Model        string
	Temperature  float64
	Messages     []domain.Message
	Capabilities []domain.ComposedCapability
}

// TurnResult is the terminal outcome of a turn. Transcript is the text
// forwarded to the sink; it is only meaningful when State is TurnCompleted.
type TurnResult struct {
	State      domain.TurnState
	Transcript string
	Usage      domain.Usage
	Err        error
}

// ExecutorDeps holds injected dependencies for the Executor.
type ExecutorDeps struct {
	LLM               domain.StreamingLLMProvider
	Invoker           CapabilityInvoker
	Classifier        *ErrorClassifier // nil = no retries
	MaxAttempts       int
	MaxToolIterations int
	InvokeTimeout     time.Duration
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Executor streams one model-backed turn, running any capability calls the
// model makes along the way.
type Executor struct {
	deps    ExecutorDeps
	backoff func(attempt int) time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(deps ExecutorDeps) *Executor {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = defaultMaxAttempts
	}
	if deps.MaxToolIterations <= 0 {
		deps.MaxToolIterations = defaultMaxToolIterations
	}
	if deps.InvokeTimeout <= 0 {
		deps.InvokeTimeout = defaultInvokeTimeout
	}
	deps.Logger = logger.OrDiscard(deps.Logger)
	return &Executor{deps: deps, backoff: retryBackoff}
}

// turnRun is the mutable state of one Execute call.
type turnRun struct {
	sink       ChunkSink
	transcript strings.Builder
	forwarded  bool
	sinkErr    error
	usage      domain.Usage
}

// Execute runs the turn to a terminal state. Cancelling ctx or a failing
// sink write cancels the upstream request and yields TurnCancelled.
func (e *Executor) Execute(ctx context.Context, in TurnInput, sink ChunkSink) TurnResult {
	start := time.Now()
	ctx, span := tracer.StartSpan(ctx, "turn.execute",
		trace.WithAttributes(
			tracer.StringAttr("turn.id", in.TurnID),
			tracer.StringAttr("llm.model", in.Model),
			tracer.IntAttr("turn.capabilities", len(in.Capabilities)),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, e.deps.InvokeTimeout)
	defer cancel()

	run := &turnRun{sink: sink}
	err := e.loop(runCtx, in, run)

	res := TurnResult{Usage: run.usage}
	switch {
	case err == nil:
		res.State = domain.TurnCompleted
		res.Transcript = run.transcript.String()
		tracer.SetOK(span)
	case run.sinkErr != nil || ctx.Err() != nil:
		res.State = domain.TurnCancelled
		res.Err = domain.ErrTurnCancelled
		if run.sinkErr != nil {
			res.Err = fmt.Errorf("%w: %w", domain.ErrTurnCancelled, run.sinkErr)
		}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.State = domain.TurnFailed
		res.Err = fmt.Errorf("%w: model invocation exceeded %s", domain.ErrTimeout, e.deps.InvokeTimeout)
		tracer.RecordError(span, res.Err)
	default:
		res.State = domain.TurnFailed
		res.Err = err
		tracer.RecordError(span, err)
	}

	span.SetAttributes(tracer.StringAttr("turn.state", res.State.String()))
	e.deps.Metrics.TurnFinished(res.State.String(), time.Since(start))

	log := e.deps.Logger.With("turn_id", in.TurnID, "state", res.State.String())
	if res.State == domain.TurnFailed {
		log.Warn("turn failed", "error", res.Err)
	} else {
		log.Debug("turn finished", "duration", time.Since(start))
	}
	return res
}

func (e *Executor) loop(ctx context.Context, in TurnInput, run *turnRun) error {
	messages := append([]domain.Message(nil), in.Messages...)
	byName := make(map[string]domain.ComposedCapability, len(in.Capabilities))
	tools := make([]domain.ToolSchema, 0, len(in.Capabilities))
	for _, c := range in.Capabilities {
		byName[c.Name] = c
		tools = append(tools, c.Schema())
	}

	for iteration := 0; ; iteration++ {
		req := domain.ChatRequest{
			Model:       in.Model,
			Messages:    messages,
			Temperature: domain.Temperature(in.Temperature),
			Stream:      true,
		}
		if len(tools) > 0 {
			req.Tools = tools
			req.ToolChoice = domain.ToolChoiceAuto
		}

		msg, err := e.streamWithRetry(ctx, req, run)
		if err != nil {
			return err
		}
		if len(msg.ToolCalls) == 0 {
			return nil
		}
		if iteration >= e.deps.MaxToolIterations {
			return domain.ErrMaxIterations
		}

		messages = append(messages, msg)
		messages = append(messages, e.invokeAll(ctx, byName, msg.ToolCalls)...)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// streamWithRetry performs one model call. Failed attempts are retried only
// while nothing from the turn has reached the sink.
func (e *Executor) streamWithRetry(ctx context.Context, req domain.ChatRequest, run *turnRun) (domain.Message, error) {
	var lastErr error
	for attempt := 0; attempt < e.deps.MaxAttempts; attempt++ {
		msg, err := e.stream(ctx, req, run)
		if err == nil {
			return msg, nil
		}
		lastErr = err

		if run.sinkErr != nil || ctx.Err() != nil || run.forwarded {
			return domain.Message{}, err
		}
		if !e.deps.Classifier.Classify(err).Retryable() || attempt == e.deps.MaxAttempts-1 {
			break
		}

		delay := e.backoff(attempt)
		e.deps.Metrics.LLMRetry()
		e.deps.Logger.Info("retrying model stream after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}
	return domain.Message{}, lastErr
}

// stream runs a single streaming attempt, forwarding text as it arrives.
func (e *Executor) stream(ctx context.Context, req domain.ChatRequest, run *turnRun) (domain.Message, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deltas, err := e.deps.LLM.ChatStream(streamCtx, req)
	if err != nil {
		return domain.Message{}, err
	}

	acc := newStreamAccumulator()
	done := false
	for delta := range deltas {
		if delta.Err != nil {
			return domain.Message{}, delta.Err
		}
		acc.addDelta(delta)
		if delta.Content != "" {
			if err := run.sink.Write(delta.Content); err != nil {
				run.sinkErr = err
				return domain.Message{}, err
			}
			run.forwarded = true
			run.transcript.WriteString(delta.Content)
		}
		if delta.Done {
			done = true
			break
		}
	}
	if ctx.Err() != nil {
		return domain.Message{}, ctx.Err()
	}
	if !done {
		return domain.Message{}, fmt.Errorf("%w: stream closed before completion", domain.ErrStreamInterrupted)
	}

	msg, usage := acc.build()
	run.usage.PromptTokens += usage.PromptTokens
	run.usage.CompletionTokens += usage.CompletionTokens
	run.usage.TotalTokens += usage.TotalTokens
	return msg, nil
}

// invokeAll runs the calls in parallel and returns their result messages in
// call order. Failures become result text for the model to read.
func (e *Executor) invokeAll(ctx context.Context, byName map[string]domain.ComposedCapability, calls []domain.ToolCall) []domain.Message {
	results := make([]domain.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = domain.Message{
				Role:      domain.RoleTool,
				Name:      call.Name,
				Content:   e.invoke(ctx, byName, call),
				ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
				Timestamp: time.Now(),
			}
		}()
	}
	wg.Wait()
	return results
}

func (e *Executor) invoke(ctx context.Context, byName map[string]domain.ComposedCapability, call domain.ToolCall) string {
	c, ok := byName[call.Name]
	if !ok {
		e.deps.Logger.Warn("model called unknown capability", "capability", call.Name)
		return fmt.Sprintf("Error: no tool named %q is available.", call.Name)
	}
	out, err := e.deps.Invoker.Invoke(ctx, c, call.Arguments)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}

// retryBackoff computes exponential backoff with 0-25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// maxToolCallSlots bounds the slots the accumulator allocates for a
// malformed stream.
const maxToolCallSlots = 50

// streamAccumulator merges streamed deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges one delta. Tool-call fragments are merged by their Index:
// the first fragment of a slot carries ID and Name, later ones append to
// Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for _, tc := range delta.ToolCalls {
		idx := tc.Index
		if idx < 0 || idx >= maxToolCallSlots {
			continue
		}
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{Index: len(acc.toolCalls)})
		}
		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build returns the accumulated assistant message. Slots the stream never
// named are dropped.
func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	var calls []domain.ToolCall
	for _, tc := range acc.toolCalls {
		if tc.Name != "" {
			calls = append(calls, tc)
		}
	}
	return domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: calls,
		Timestamp: time.Now(),
	}, acc.usage
}

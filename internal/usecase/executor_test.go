package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexa/internal/domain"
	"nexa/internal/infra/metrics"
)

func newTestExecutor(llm *scriptedLLM, reg *fakeRegistry, m *metrics.Metrics) *Executor {
	e := NewExecutor(ExecutorDeps{
		LLM:        llm,
		Invoker:    reg,
		Classifier: NewErrorClassifier(),
		Metrics:    m,
	})
	e.backoff = func(int) time.Duration { return 0 }
	return e
}

func baseInput(caps ...domain.ComposedCapability) TurnInput {
	return TurnInput{
		TurnID:       "turn-1",
		Model:        "gpt-4o",
		Temperature:  0,
		Messages:     []domain.Message{{Role: domain.RoleSystem, Content: "sys"}, {Role: domain.RoleUser, Content: "hi"}},
		Capabilities: caps,
	}
}

func searchCapability() domain.ComposedCapability {
	p := builtin("search_web")
	return domain.ComposedCapability{Name: "search_web", Description: p.description, CapabilityKey: "search_web", Parameters: p.Parameters()}
}

func TestExecuteStreamsText(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{text("Hel", "lo", " there")}}
	sink := &recordingSink{}
	m := metrics.New()

	res := newTestExecutor(llm, newFakeRegistry(), m).Execute(context.Background(), baseInput(), sink)

	require.Equal(t, domain.TurnCompleted, res.State, res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Hello there", res.Transcript)
	assert.Equal(t, []string{"Hel", "lo", " there"}, sink.chunks)
	assert.Equal(t, 1.0, counterValue(t, m, "nexa_turns_total", "state", "completed"))

	req := llm.calls()[0]
	require.NotNil(t, req.Temperature, "temperature must be sent even when zero")
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	assert.Empty(t, req.Tools)
	assert.Empty(t, req.ToolChoice)
}

func TestExecuteOffersToolsWithAutoChoice(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{text("ok")}}
	res := newTestExecutor(llm, newFakeRegistry(), nil).Execute(context.Background(), baseInput(searchCapability()), &recordingSink{})

	require.Equal(t, domain.TurnCompleted, res.State)
	req := llm.calls()[0]
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "search_web", req.Tools[0].Name)
	assert.Equal(t, domain.ToolChoiceAuto, req.ToolChoice)
}

func TestExecuteRunsToolCallsThenAnswers(t *testing.T) {
	search := builtin("search_web")
	search.invoke = func(_ map[string]any, args json.RawMessage) (string, error) {
		return "results for " + string(args), nil
	}
	broken := builtin("broken")
	broken.invoke = func(map[string]any, json.RawMessage) (string, error) {
		return "", errors.New("backend down")
	}
	reg := newFakeRegistry(search, broken)
	brokenCap := domain.ComposedCapability{Name: "broken", CapabilityKey: "broken"}

	llm := &scriptedLLM{scripts: []streamScript{
		{deltas: []domain.StreamDelta{
			{Content: "Let me check. "},
			{ToolCalls: []domain.ToolCall{{Index: 0, ID: "call_a", Name: "search_web", Arguments: json.RawMessage(`{"q":`)}}},
			{ToolCalls: []domain.ToolCall{{Index: 1, ID: "call_b", Name: "broken"}}},
			{ToolCalls: []domain.ToolCall{{Index: 0, Arguments: json.RawMessage(`"go"}`)}}},
			{ToolCalls: []domain.ToolCall{{Index: 2, ID: "call_c", Name: "nope"}}},
			{Done: true},
		}},
		text("Found it."),
	}}
	sink := &recordingSink{}

	res := newTestExecutor(llm, reg, nil).Execute(context.Background(), baseInput(searchCapability(), brokenCap), sink)

	require.Equal(t, domain.TurnCompleted, res.State, res.Err)
	assert.Equal(t, "Let me check. Found it.", res.Transcript)
	assert.ElementsMatch(t, []string{"search_web", "broken"}, reg.invoked)

	reqs := llm.calls()
	require.Len(t, reqs, 2)
	follow := reqs[1].Messages
	require.Len(t, follow, 2+1+3)

	assistant := follow[2]
	assert.Equal(t, domain.RoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 3)
	assert.Equal(t, `{"q":"go"}`, string(assistant.ToolCalls[0].Arguments))

	results := follow[3:]
	assert.Equal(t, "call_a", results[0].ToolCalls[0].ID)
	assert.Equal(t, `results for {"q":"go"}`, results[0].Content)
	assert.Equal(t, "call_b", results[1].ToolCalls[0].ID)
	assert.Contains(t, results[1].Content, "backend down")
	assert.Equal(t, "call_c", results[2].ToolCalls[0].ID)
	assert.Contains(t, results[2].Content, `no tool named "nope"`)
	for _, r := range results {
		assert.Equal(t, domain.RoleTool, r.Role)
	}
}

func TestExecuteToolCallsRunInParallel(t *testing.T) {
	var running, peak atomic.Int32
	slow := builtin("slow")
	slow.invoke = func(map[string]any, json.RawMessage) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return "done", nil
	}
	reg := newFakeRegistry(slow)
	slowCap := domain.ComposedCapability{Name: "slow", CapabilityKey: "slow"}

	calls := make([]domain.ToolCall, 4)
	for i := range calls {
		calls[i] = domain.ToolCall{Index: i, ID: fmt.Sprintf("c%d", i), Name: "slow", Arguments: json.RawMessage(`{}`)}
	}
	llm := &scriptedLLM{scripts: []streamScript{toolCalls(calls...), text("ok")}}

	res := newTestExecutor(llm, reg, nil).Execute(context.Background(), baseInput(slowCap), &recordingSink{})
	require.Equal(t, domain.TurnCompleted, res.State)
	assert.Greater(t, peak.Load(), int32(1))
}

func TestExecuteMaxToolIterations(t *testing.T) {
	reg := newFakeRegistry(builtin("search_web"))
	call := domain.ToolCall{ID: "c", Name: "search_web", Arguments: json.RawMessage(`{}`)}
	llm := &scriptedLLM{scripts: []streamScript{toolCalls(call)}}

	e := newTestExecutor(llm, reg, nil)
	e.deps.MaxToolIterations = 2
	res := e.Execute(context.Background(), baseInput(searchCapability()), &recordingSink{})

	assert.Equal(t, domain.TurnFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrMaxIterations)
	assert.Len(t, llm.calls(), 3)
}

func TestExecuteRetriesBeforeFirstChunk(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{
		{openErr: fmt.Errorf("%w: API error 503: busy", domain.ErrUpstream)},
		{deltas: []domain.StreamDelta{{Err: fmt.Errorf("%w: connection reset", domain.ErrStreamInterrupted)}}},
		text("finally"),
	}}
	m := metrics.New()
	sink := &recordingSink{}

	res := newTestExecutor(llm, newFakeRegistry(), m).Execute(context.Background(), baseInput(), sink)

	require.Equal(t, domain.TurnCompleted, res.State, res.Err)
	assert.Equal(t, "finally", sink.text())
	assert.Len(t, llm.calls(), 3)
	assert.Equal(t, 2.0, counterValue(t, m, "nexa_llm_retries_total", "", ""))
}

func TestExecuteStopsAfterMaxAttempts(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{
		{openErr: fmt.Errorf("%w: API error 429: slow down", domain.ErrRateLimit)},
	}}
	res := newTestExecutor(llm, newFakeRegistry(), nil).Execute(context.Background(), baseInput(), &recordingSink{})

	assert.Equal(t, domain.TurnFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrRateLimit)
	assert.Len(t, llm.calls(), defaultMaxAttempts)
}

func TestExecutePermanentErrorIsNotRetried(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{
		{openErr: fmt.Errorf("%w: API error 401: bad key", domain.ErrAuthInvalid)},
	}}
	res := newTestExecutor(llm, newFakeRegistry(), nil).Execute(context.Background(), baseInput(), &recordingSink{})

	assert.Equal(t, domain.TurnFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrAuthInvalid)
	assert.Len(t, llm.calls(), 1)
}

func TestExecuteNoRetryAfterForwarding(t *testing.T) {
	// Text already reached the caller, so a mid-stream failure is final.
	llm := &scriptedLLM{scripts: []streamScript{
		{deltas: []domain.StreamDelta{
			{Content: "Hel"},
			{Content: "lo"},
			{Err: fmt.Errorf("%w: unexpected EOF", domain.ErrStreamInterrupted)},
		}},
		text("should never be requested"),
	}}
	sink := &recordingSink{}

	res := newTestExecutor(llm, newFakeRegistry(), nil).Execute(context.Background(), baseInput(), sink)

	assert.Equal(t, domain.TurnFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrStreamInterrupted)
	assert.Equal(t, "Hello", sink.text())
	assert.Empty(t, res.Transcript)
	assert.Len(t, llm.calls(), 1)
}

func TestExecuteStreamClosedWithoutDoneFails(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{
		{deltas: []domain.StreamDelta{{Content: "Hel"}, {Content: "lo"}}},
		text("should never be requested"),
	}}
	sink := &recordingSink{}

	res := newTestExecutor(llm, newFakeRegistry(), nil).Execute(context.Background(), baseInput(), sink)

	assert.Equal(t, domain.TurnFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrStreamInterrupted)
	assert.Empty(t, res.Transcript)
	assert.Len(t, llm.calls(), 1)
}

func TestExecuteSinkFailureCancels(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{
		{deltas: []domain.StreamDelta{{Content: "a"}, {Content: "b"}, {Content: "c"}}, block: true},
	}}
	sink := &recordingSink{failOn: 2}

	res := newTestExecutor(llm, newFakeRegistry(), nil).Execute(context.Background(), baseInput(), sink)

	assert.Equal(t, domain.TurnCancelled, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrTurnCancelled)
	assert.Equal(t, []string{"a"}, sink.chunks)
	assert.Len(t, llm.calls(), 1)
}

func TestExecuteCallerCancellation(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{
		{deltas: []domain.StreamDelta{{Content: "partial"}}, block: true},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}

	done := make(chan TurnResult, 1)
	go func() {
		done <- newTestExecutor(llm, newFakeRegistry(), nil).Execute(ctx, baseInput(), sink)
	}()
	require.True(t, waitFor(func() bool { return sink.text() == "partial" }))
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, domain.TurnCancelled, res.State)
		assert.ErrorIs(t, res.Err, domain.ErrTurnCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecuteInvokeTimeoutFails(t *testing.T) {
	llm := &scriptedLLM{scripts: []streamScript{{block: true}}}
	e := newTestExecutor(llm, newFakeRegistry(), nil)
	e.deps.InvokeTimeout = 30 * time.Millisecond

	res := e.Execute(context.Background(), baseInput(), &recordingSink{})

	assert.Equal(t, domain.TurnFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrTimeout)
}

func TestStreamAccumulatorMergesByIndex(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{Content: "x", ToolCalls: []domain.ToolCall{{Index: 1, ID: "b", Name: "second"}}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.ToolCall{{Index: 0, ID: "a", Name: "first", Arguments: json.RawMessage(`{"k"`)}}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.ToolCall{{Index: 0, Arguments: json.RawMessage(`:1}`)}}})
	acc.addDelta(domain.StreamDelta{ToolCalls: []domain.ToolCall{{Index: 99}}})
	acc.addDelta(domain.StreamDelta{Usage: &domain.Usage{TotalTokens: 7}})

	msg, usage := acc.build()
	assert.Equal(t, "x", msg.Content)
	require.Len(t, msg.ToolCalls, 2)
	assert.Equal(t, "first", msg.ToolCalls[0].Name)
	assert.Equal(t, `{"k":1}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, "second", msg.ToolCalls[1].Name)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.True(t, strings.HasPrefix(msg.Role, "assistant"))
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexa/internal/adapter/sessionstore"
	"nexa/internal/domain"
	"nexa/internal/infra/metrics"
)

type turnFixture struct {
	catalog *fakeCatalog
	llm     *scriptedLLM
	store   domain.SessionStore
	metrics *metrics.Metrics
	svc     *TurnService
}

func newTurnFixture(t *testing.T, store domain.SessionStore) *turnFixture {
	t.Helper()
	f := &turnFixture{
		catalog: routingCatalog(),
		llm:     &scriptedLLM{chatFn: replyChat("Generalist"), scripts: []streamScript{text("Hello", "!")}},
		store:   store,
		metrics: metrics.New(),
	}
	reg := newFakeRegistry(builtin("search_web"))
	exec := NewExecutor(ExecutorDeps{LLM: f.llm, Invoker: reg, Classifier: NewErrorClassifier(), Metrics: f.metrics})
	exec.backoff = func(int) time.Duration { return 0 }

	f.svc = NewTurnService(TurnServiceDeps{
		Router:   NewRouter(RouterDeps{Agents: f.catalog, LLM: f.llm, Metrics: f.metrics}),
		Composer: NewComposer(ComposerDeps{Registry: reg, Connectors: f.catalog, Metrics: f.metrics}),
		Executor: exec,
		Sessions: store,
		Metrics:  f.metrics,
	})
	return f
}

func (f *turnFixture) ask(t *testing.T, req AskRequest) (*TurnOutcome, *recordingSink) {
	t.Helper()
	if req.TenantID == "" {
		req.TenantID = "t1"
	}
	if req.UserID == "" {
		req.UserID = "u1"
	}
	sink := &recordingSink{}
	out, err := f.svc.Ask(context.Background(), req, sink)
	require.NoError(t, err)
	f.svc.Wait()
	return out, sink
}

func TestAskRoutesToMatchedAgent(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.llm.chatFn = replyChat("Billing")

	out, sink := f.ask(t, AskRequest{Question: "my invoice is wrong"})

	require.Equal(t, domain.TurnCompleted, out.State)
	assert.Equal(t, "Billing", out.Meta.AgentName)
	assert.Equal(t, "a-billing", out.Meta.AgentID)
	require.NotNil(t, sink.meta)
	assert.Equal(t, out.Meta, *sink.meta)
	assert.NotEmpty(t, out.Meta.SessionID)
	assert.NotEmpty(t, out.Meta.TurnID)

	req := f.llm.calls()[0]
	assert.Equal(t, "handles invoices", req.Messages[0].Content)
	assert.Equal(t, "gpt-4o", req.Model)

	h, err := f.store.GetHistory(context.Background(), out.Meta.SessionID)
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	e := h.Entries[0]
	assert.Equal(t, out.Meta.TurnID, e.TurnID)
	assert.Equal(t, "my invoice is wrong", e.User)
	assert.Equal(t, "Hello!", e.Assistant)
	require.NotNil(t, e.AgentID)
	assert.Equal(t, "a-billing", *e.AgentID)
	assert.Equal(t, "Billing", e.AgentName)
	assert.Equal(t, "u1", h.OwnerUserID)
}

func TestAskGeneralistFallback(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.llm.chatFn = replyChat("Generalist")

	out, _ := f.ask(t, AskRequest{Question: "asdkjhasd"})

	require.Equal(t, domain.TurnCompleted, out.State)
	assert.Equal(t, domain.GeneralistName, out.Meta.AgentName)
	assert.Empty(t, out.Meta.AgentID)

	req := f.llm.calls()[0]
	assert.Equal(t, domain.GeneralistSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, domain.GeneralistModel, req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, domain.GeneralistTemperature, *req.Temperature)
	assert.Empty(t, req.Tools)

	h, err := f.store.GetHistory(context.Background(), out.Meta.SessionID)
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Nil(t, h.Entries[0].AgentID)
	assert.Equal(t, domain.GeneralistName, h.Entries[0].AgentName)
}

func TestAskTenantWithoutAgentsUsesGeneralistPrompt(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())

	out, _ := f.ask(t, AskRequest{Question: "hello", TenantID: "lonely"})

	require.Equal(t, domain.TurnCompleted, out.State)
	assert.Zero(t, f.llm.chatCalls)
	assert.Equal(t, domain.GeneralistSystemPrompt, f.llm.calls()[0].Messages[0].Content)
}

func TestAskReplaysHistory(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())

	first, _ := f.ask(t, AskRequest{Question: "one"})
	_, _ = f.ask(t, AskRequest{Question: "two", SessionID: first.Meta.SessionID})

	reqs := f.llm.calls()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "Hello!", msgs[2].Content)
	assert.Equal(t, "two", msgs[3].Content)

	h, err := f.store.GetHistory(context.Background(), first.Meta.SessionID)
	require.NoError(t, err)
	assert.Len(t, h.Entries, 2)
}

func TestAskFailedTurnIsNotPersisted(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.llm.scripts = []streamScript{{deltas: []domain.StreamDelta{
		{Content: "Hel"},
		{Content: "lo"},
		{Err: fmt.Errorf("%w: connection reset", domain.ErrStreamInterrupted)},
	}}}

	out, sink := f.ask(t, AskRequest{Question: "hi", SessionID: "S1"})

	assert.Equal(t, domain.TurnFailed, out.State)
	assert.ErrorIs(t, out.Err, domain.ErrStreamInterrupted)
	assert.Equal(t, "Hello", sink.text())

	h, err := f.store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, h.Entries)
}

func TestAskTruncatedStreamIsNotPersisted(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.llm.scripts = []streamScript{{deltas: []domain.StreamDelta{{Content: "Hel"}, {Content: "lo"}}}}

	out, sink := f.ask(t, AskRequest{Question: "hi", SessionID: "S1"})

	assert.Equal(t, domain.TurnFailed, out.State)
	assert.ErrorIs(t, out.Err, domain.ErrStreamInterrupted)
	assert.Equal(t, "Hello", sink.text())

	h, err := f.store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, h.Entries)
}

func TestAskBeginFailureIsCancelled(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	sink := &recordingSink{beginErr: errors.New("write: broken pipe")}

	out, err := f.svc.Ask(context.Background(), AskRequest{Question: "hi", SessionID: "S1", TenantID: "t1", UserID: "u1"}, sink)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, domain.TurnCancelled, out.State)
	assert.ErrorIs(t, out.Err, domain.ErrTurnCancelled)
	assert.Equal(t, "S1", out.Meta.SessionID)
	assert.Empty(t, f.llm.calls())

	h, err := f.store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, h.Entries)
}

func TestAskCancelledTurnIsNotPersisted(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.llm.scripts = []streamScript{{deltas: []domain.StreamDelta{{Content: "a"}, {Content: "b"}}, block: true}}

	sink := &recordingSink{failOn: 2}
	out, err := f.svc.Ask(context.Background(), AskRequest{Question: "hi", SessionID: "S1", TenantID: "t1", UserID: "u1"}, sink)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, domain.TurnCancelled, out.State)
	h, err := f.store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, h.Entries)
}

func TestAskRejections(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	_, _ = f.ask(t, AskRequest{Question: "mine", SessionID: "owned", UserID: "owner"})

	tests := []struct {
		name string
		req  AskRequest
		want error
	}{
		{"empty question", AskRequest{Question: "   ", TenantID: "t1", UserID: "u1"}, domain.ErrEmptyQuestion},
		{"missing identity", AskRequest{Question: "hi"}, domain.ErrIdentityMissing},
		{"unknown agent", AskRequest{Question: "hi", AgentID: "nope", TenantID: "t1", UserID: "u1"}, domain.ErrAgentNotFound},
		{"other tenant's agent", AskRequest{Question: "hi", AgentID: "a-billing", TenantID: "t2", UserID: "u1"}, domain.ErrAgentNotFound},
		{"foreign session", AskRequest{Question: "hi", SessionID: "owned", TenantID: "t1", UserID: "intruder"}, domain.ErrSessionForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			out, err := f.svc.Ask(context.Background(), tt.req, sink)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, out)
			assert.Nil(t, sink.meta, "rejected turns must not begin")
		})
	}
}

func TestAskExplicitAgentSkipsClassification(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())

	out, _ := f.ask(t, AskRequest{Question: "hi", AgentID: "a-support"})

	assert.Equal(t, "Support", out.Meta.AgentName)
	assert.Zero(t, f.llm.chatCalls)
}

func TestPersistRetriesOnceOnConflict(t *testing.T) {
	store := &conflictingStore{SessionStore: sessionstore.NewMemoryStore(), conflicts: 1}
	f := newTurnFixture(t, store)
	m := f.metrics

	out, _ := f.ask(t, AskRequest{Question: "hi", SessionID: "S1"})
	require.Equal(t, domain.TurnCompleted, out.State)

	h, err := store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Len(t, h.Entries, 1)
	assert.Equal(t, 2, store.appends)
	assert.Equal(t, 1.0, counterValue(t, m, "nexa_persistence_conflicts_total", "outcome", ConflictRetried))
}

func TestPersistDropsAfterSecondConflict(t *testing.T) {
	store := &conflictingStore{SessionStore: sessionstore.NewMemoryStore(), conflicts: 2}
	f := newTurnFixture(t, store)

	f.ask(t, AskRequest{Question: "hi", SessionID: "S1"})

	h, err := store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Empty(t, h.Entries)
	assert.Equal(t, 2, store.appends)
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "nexa_persistence_conflicts_total", "outcome", ConflictDropped))
}

func TestPersistIsIdempotentAcrossRetries(t *testing.T) {
	// The first append lands but reports a conflict; the re-read sees the
	// turn and must not append it again.
	inner := sessionstore.NewMemoryStore()
	store := &lyingStore{SessionStore: inner}
	svc := NewTurnService(TurnServiceDeps{Sessions: store})

	entry := domain.ChatHistoryEntry{TurnID: "T1", User: "q", Assistant: "a", AgentName: domain.GeneralistName}
	svc.persist(context.Background(), "S1", "u1", entry, svc.deps.Logger)
	svc.persist(context.Background(), "S1", "u1", entry, svc.deps.Logger)

	h, err := inner.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, "T1", h.Entries[0].TurnID)
	assert.Equal(t, 1, store.appends)
}

// lyingStore applies the first append and then reports a conflict.
type lyingStore struct {
	domain.SessionStore
	appends int
}

func (s *lyingStore) AppendEntry(ctx context.Context, sessionID, owner string, expectedLen int, e domain.ChatHistoryEntry) error {
	s.appends++
	if err := s.SessionStore.AppendEntry(ctx, sessionID, owner, expectedLen, e); err != nil {
		return err
	}
	if s.appends == 1 {
		return domain.NewDomainError("lyingStore.AppendEntry", domain.ErrSessionConflict, "lost ack")
	}
	return nil
}

func TestPersistSurvivesCallerCancellation(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	f := newTurnFixture(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := f.svc.Ask(ctx, AskRequest{Question: "hi", SessionID: "S1", TenantID: "t1", UserID: "u1"}, &recordingSink{})
	require.NoError(t, err)
	cancel()
	f.svc.Wait()

	require.Equal(t, domain.TurnCompleted, out.State)
	h, err := store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	assert.Len(t, h.Entries, 1)
}

func TestConcurrentTurnsOnOneSession(t *testing.T) {
	// Both exchanges must survive on the durable store.
	store, err := sessionstore.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	f := newTurnFixture(t, store)

	var wg sync.WaitGroup
	outcomes := make([]*TurnOutcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Ask(context.Background(), AskRequest{
				Question:  fmt.Sprintf("question %d", i),
				SessionID: "S1",
				TenantID:  "t1",
				UserID:    "u1",
			}, &recordingSink{})
			if assert.NoError(t, err) {
				outcomes[i] = out
			}
		}()
	}
	wg.Wait()
	f.svc.Wait()

	h, err := store.GetHistory(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, h.Entries, 2)

	seen := map[string]bool{}
	for _, e := range h.Entries {
		seen[e.TurnID] = true
		assert.Equal(t, "Hello!", e.Assistant)
	}
	for _, out := range outcomes {
		require.NotNil(t, out)
		assert.True(t, seen[out.Meta.TurnID], "turn %s lost", out.Meta.TurnID)
	}
}

func TestSessionsListsOnlyOwn(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.ask(t, AskRequest{Question: "one", SessionID: "S1", UserID: "u1"})
	f.ask(t, AskRequest{Question: "two", SessionID: "S2", UserID: "u1"})
	f.ask(t, AskRequest{Question: "other", SessionID: "S3", UserID: "u2"})

	got, err := f.svc.Sessions(context.Background(), "u1")
	require.NoError(t, err)
	ids := []string{}
	for _, s := range got {
		ids = append(ids, s.SessionID)
	}
	assert.ElementsMatch(t, []string{"S1", "S2"}, ids)

	_, err = f.svc.Sessions(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrIdentityMissing)
}

func TestHistoryAccess(t *testing.T) {
	f := newTurnFixture(t, sessionstore.NewMemoryStore())
	f.ask(t, AskRequest{Question: "hi", SessionID: "S1", UserID: "u1"})

	h, err := f.svc.History(context.Background(), "S1", "u1")
	require.NoError(t, err)
	assert.Len(t, h.Entries, 1)

	_, err = f.svc.History(context.Background(), "S1", "u2")
	assert.ErrorIs(t, err, domain.ErrSessionForbidden)

	_, err = f.svc.History(context.Background(), "missing", "u1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nexa/internal/domain"
	"nexa/internal/infra/metrics"
)

// --- catalogs ---

type fakeCatalog struct {
	mu         sync.Mutex
	agents     map[string][]domain.Agent     // tenant → agents
	connectors map[string][]domain.Connector // agent → connectors
	listErr    error
	connErr    error
	listCalls  int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		agents:     make(map[string][]domain.Agent),
		connectors: make(map[string][]domain.Connector),
	}
}

func (c *fakeCatalog) addAgent(a domain.Agent) domain.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[a.TenantID] = append(c.agents[a.TenantID], a)
	return a
}

func (c *fakeCatalog) ListAgents(_ context.Context, tenantID string) ([]domain.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]domain.Agent(nil), c.agents[tenantID]...), nil
}

func (c *fakeCatalog) GetAgent(_ context.Context, tenantID, agentID string) (*domain.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.agents[tenantID] {
		if a.ID == agentID {
			return &a, nil
		}
	}
	return nil, domain.NewDomainError("fakeCatalog.GetAgent", domain.ErrAgentNotFound, agentID)
}

func (c *fakeCatalog) ListConnectors(_ context.Context, agentID string) ([]domain.Connector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connErr != nil {
		return nil, c.connErr
	}
	return append([]domain.Connector(nil), c.connectors[agentID]...), nil
}

// --- model ---

// streamScript is one scripted ChatStream response.
type streamScript struct {
	openErr error
	deltas  []domain.StreamDelta
	// block holds the stream open until the request context ends.
	block bool
}

func text(chunks ...string) streamScript {
	s := streamScript{}
	for _, c := range chunks {
		s.deltas = append(s.deltas, domain.StreamDelta{Content: c})
	}
	s.deltas = append(s.deltas, domain.StreamDelta{Done: true})
	return s
}

func toolCalls(calls ...domain.ToolCall) streamScript {
	return streamScript{deltas: []domain.StreamDelta{{ToolCalls: calls}, {Done: true}}}
}

// scriptedLLM replays scripts in order; the last script repeats.
type scriptedLLM struct {
	mu       sync.Mutex
	scripts  []streamScript
	streamed []domain.ChatRequest
	chatReqs []domain.ChatRequest

	chatFn    func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	chatCalls int
}

func (m *scriptedLLM) Name() string { return "scripted" }

func (m *scriptedLLM) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	m.chatCalls++
	m.chatReqs = append(m.chatReqs, req)
	fn := m.chatFn
	m.mu.Unlock()
	if fn == nil {
		return nil, errors.New("chat not scripted")
	}
	return fn(ctx, req)
}

func (m *scriptedLLM) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	m.mu.Lock()
	n := len(m.streamed)
	m.streamed = append(m.streamed, req)
	var s streamScript
	if len(m.scripts) > 0 {
		s = m.scripts[min(n, len(m.scripts)-1)]
	}
	m.mu.Unlock()

	if s.openErr != nil {
		return nil, s.openErr
	}
	ch := make(chan domain.StreamDelta)
	go func() {
		defer close(ch)
		for _, d := range s.deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
		if s.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// calls returns the streaming requests in order.
func (m *scriptedLLM) calls() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatRequest(nil), m.streamed...)
}

// classifications returns the non-streaming requests in order.
func (m *scriptedLLM) classifications() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChatRequest(nil), m.chatReqs...)
}

func replyChat(content string) func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: content}}, nil
	}
}

// --- capabilities ---

type fakeProvider struct {
	key, function string
	kind          domain.CapabilityKind
	description   string
	invoke        func(settings map[string]any, args json.RawMessage) (string, error)
}

func (p *fakeProvider) Key() string                     { return p.key }
func (p *fakeProvider) FunctionName() string            { return p.function }
func (p *fakeProvider) Kind() domain.CapabilityKind     { return p.kind }
func (p *fakeProvider) Description() string             { return p.description }
func (p *fakeProvider) SettingsSchema() json.RawMessage { return nil }
func (p *fakeProvider) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
}
func (p *fakeProvider) Invoke(_ context.Context, settings map[string]any, args json.RawMessage) (string, error) {
	if p.invoke == nil {
		return "ok", nil
	}
	return p.invoke(settings, args)
}

// fakeRegistry is both the composer's source and the executor's invoker.
type fakeRegistry struct {
	mu          sync.Mutex
	providers   map[string]*fakeProvider
	badSettings map[string]bool // connector types whose settings fail validation
	invoked     []string
}

func newFakeRegistry(providers ...*fakeProvider) *fakeRegistry {
	r := &fakeRegistry{providers: make(map[string]*fakeProvider), badSettings: make(map[string]bool)}
	for _, p := range providers {
		r.providers[p.key] = p
	}
	return r
}

func (r *fakeRegistry) Lookup(key string) (domain.CapabilityProvider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, domain.NewDomainError("fakeRegistry.Lookup", domain.ErrCapabilityNotFound, key)
	}
	return p, nil
}

func (r *fakeRegistry) ValidateSettings(_ context.Context, key string, _ map[string]any) error {
	if r.badSettings[key] {
		return fmt.Errorf("%w: missing credentials", domain.ErrCapabilityConfig)
	}
	return nil
}

func (r *fakeRegistry) Invoke(ctx context.Context, c domain.ComposedCapability, args json.RawMessage) (string, error) {
	r.mu.Lock()
	r.invoked = append(r.invoked, c.Name)
	r.mu.Unlock()
	p, err := r.Lookup(c.CapabilityKey)
	if err != nil {
		return "", err
	}
	out, err := p.Invoke(ctx, c.Settings, args)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", domain.ErrCapabilityFailure, c.Name, err)
	}
	return out, nil
}

func builtin(key string) *fakeProvider {
	return &fakeProvider{key: key, function: key, kind: domain.CapabilityBuiltin, description: key + " tool"}
}

func connectorType(key, function, description string) *fakeProvider {
	return &fakeProvider{key: key, function: function, kind: domain.CapabilityConnector, description: description}
}

// --- sinks ---

type recordingSink struct {
	mu       sync.Mutex
	meta     *domain.TurnMeta
	chunks   []string
	failOn   int // fail the Nth write (1-based); 0 never fails
	beginErr error
	writes   int
}

func (s *recordingSink) Begin(meta domain.TurnMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return s.beginErr
	}
	s.meta = &meta
	return nil
}

func (s *recordingSink) Write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failOn > 0 && s.writes == s.failOn {
		return errors.New("client went away")
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ""
	for _, c := range s.chunks {
		out += c
	}
	return out
}

// --- sessions ---

// conflictingStore injects append conflicts in front of a real store.
type conflictingStore struct {
	domain.SessionStore
	mu        sync.Mutex
	conflicts int // remaining appends to reject
	appends   int
	// beforeAppend runs before the first rejected append, e.g. to simulate
	// a concurrent writer.
	beforeAppend func()
}

func (s *conflictingStore) AppendEntry(ctx context.Context, sessionID, owner string, expectedLen int, e domain.ChatHistoryEntry) error {
	s.mu.Lock()
	s.appends++
	reject := s.conflicts > 0
	if reject {
		s.conflicts--
	}
	hook := s.beforeAppend
	s.beforeAppend = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if reject {
		return domain.NewDomainError("conflictingStore.AppendEntry", domain.ErrSessionConflict, "injected")
	}
	return s.SessionStore.AppendEntry(ctx, sessionID, owner, expectedLen, e)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// counterValue reads one counter from the metrics registry. An empty label
// selects an unlabelled counter.
func counterValue(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

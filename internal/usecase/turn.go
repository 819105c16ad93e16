package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
)

const defaultPersistTimeout = 10 * time.Second

// Persistence conflict outcomes.
const (
	ConflictRetried = "retried"
	ConflictDropped = "dropped"
)

// TurnSink receives a turn's metadata once, before any text.
type TurnSink interface {
	ChunkSink
	Begin(meta domain.TurnMeta) error
}

// AskRequest is one caller question.
type AskRequest struct {
	Question  string
	SessionID string // empty starts a new session
	AgentID   string // empty lets the router choose
	TenantID  string
	UserID    string
}

// TurnOutcome reports how a started turn ended.
type TurnOutcome struct {
	Meta  domain.TurnMeta
	State domain.TurnState
	Err   error
}

// TurnServiceDeps holds injected dependencies for the TurnService.
type TurnServiceDeps struct {
	Router   *Router
	Composer *Composer
	Executor *Executor
	Sessions domain.SessionStore

	// Generalist answers when no agent is resolved. Its Description is the
	// system prompt; ID and TenantID are ignored.
	Generalist     domain.Agent
	PersistTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// TurnService is the caller-facing operation: it routes a question, runs
// the turn, and records the exchange once the turn completes.
type TurnService struct {
	deps     TurnServiceDeps
	inflight sync.WaitGroup
}

// DefaultGeneralist returns the built-in Generalist profile.
func DefaultGeneralist() domain.Agent {
	return domain.Agent{
		Name:        domain.GeneralistName,
		Description: domain.GeneralistSystemPrompt,
		Model:       domain.GeneralistModel,
		Temperature: domain.GeneralistTemperature,
	}
}

// NewTurnService creates a TurnService. Unset Generalist fields take the
// built-in defaults.
func NewTurnService(deps TurnServiceDeps) *TurnService {
	def := DefaultGeneralist()
	if deps.Generalist.Name == "" {
		deps.Generalist.Name = def.Name
	}
	if deps.Generalist.Description == "" {
		deps.Generalist.Description = def.Description
	}
	if deps.Generalist.Model == "" {
		deps.Generalist.Model = def.Model
		if deps.Generalist.Temperature == 0 {
			deps.Generalist.Temperature = def.Temperature
		}
	}
	deps.Generalist.ID = ""
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = defaultPersistTimeout
	}
	deps.Logger = logger.OrDiscard(deps.Logger)
	return &TurnService{deps: deps}
}

// Ask runs one turn. Errors returned before sink.Begin is called are
// rejections (bad input, unknown agent, foreign session); once the turn has
// started its terminal state is reported in the outcome instead.
func (s *TurnService) Ask(ctx context.Context, req AskRequest, sink TurnSink) (*TurnOutcome, error) {
	const op = "TurnService.Ask"

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, domain.ErrEmptyQuestion
	}
	if req.TenantID == "" || req.UserID == "" {
		return nil, domain.NewDomainError(op, domain.ErrIdentityMissing, "tenant and user are required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	turnID := ulid.Make().String()
	ctx = domain.ContextWithSessionID(ctx, sessionID)
	log := s.deps.Logger.With("tenant_id", req.TenantID, "session_id", sessionID, "turn_id", turnID)

	agent, err := s.deps.Router.Resolve(ctx, question, req.TenantID, req.AgentID)
	if err != nil {
		return nil, err
	}

	var (
		caps    []domain.ComposedCapability
		history *domain.SessionHistory
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		caps = s.deps.Composer.Compose(gctx, agent)
		return nil
	})
	g.Go(func() error {
		h, err := s.deps.Sessions.GetHistory(gctx, sessionID)
		if err != nil {
			return domain.WrapOp("load history", err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !history.OwnedBy(req.UserID) {
		return nil, domain.NewDomainError(op, domain.ErrSessionForbidden, sessionID)
	}

	profile := s.deps.Generalist
	var agentID *string
	if agent != nil {
		profile = *agent
		id := agent.ID
		agentID = &id
	}

	messages, err := Assemble(profile.Description, history.Entries, question)
	if err != nil {
		return nil, err
	}

	meta := domain.TurnMeta{
		TurnID:    turnID,
		SessionID: sessionID,
		AgentID:   profile.ID,
		AgentName: profile.Name,
	}
	// Begin may have committed the response before failing; this is no
	// longer a rejection.
	if err := sink.Begin(meta); err != nil {
		log.Info("caller went away before the turn started", "error", err)
		return &TurnOutcome{
			Meta:  meta,
			State: domain.TurnCancelled,
			Err:   fmt.Errorf("%w: %w", domain.ErrTurnCancelled, err),
		}, nil
	}
	log = log.With("agent", profile.Name)

	res := s.deps.Executor.Execute(ctx, TurnInput{
		TurnID:       turnID,
		Model:        profile.Model,
		Temperature:  profile.Temperature,
		Messages:     messages,
		Capabilities: caps,
	}, sink)

	if res.State == domain.TurnCompleted {
		entry := domain.ChatHistoryEntry{
			TurnID:    turnID,
			User:      question,
			Assistant: res.Transcript,
			AgentID:   agentID,
			AgentName: profile.Name,
			CreatedAt: time.Now().UTC(),
		}
		s.persistAsync(ctx, sessionID, req.UserID, entry, log)
	}

	return &TurnOutcome{Meta: meta, State: res.State, Err: res.Err}, nil
}

// History returns the session's entries to their owner.
func (s *TurnService) History(ctx context.Context, sessionID, userID string) (*domain.SessionHistory, error) {
	const op = "TurnService.History"
	h, err := s.deps.Sessions.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapOp("load history", err)
	}
	if !h.Exists() {
		return nil, domain.NewDomainError(op, domain.ErrNotFound, sessionID)
	}
	if !h.OwnedBy(userID) {
		return nil, domain.NewDomainError(op, domain.ErrSessionForbidden, sessionID)
	}
	return h, nil
}

// Sessions lists the caller's sessions, most recently active first.
func (s *TurnService) Sessions(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	if userID == "" {
		return nil, domain.NewDomainError("TurnService.Sessions", domain.ErrIdentityMissing, "user is required")
	}
	out, err := s.deps.Sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, domain.WrapOp("list sessions", err)
	}
	return out, nil
}

// Wait blocks until every scheduled persistence has finished.
func (s *TurnService) Wait() {
	s.inflight.Wait()
}

// persistAsync records the entry on a context detached from the caller, so
// a disconnect after completion does not lose the exchange.
func (s *TurnService) persistAsync(ctx context.Context, sessionID, ownerUserID string, entry domain.ChatHistoryEntry, log *slog.Logger) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.PersistTimeout)
		defer cancel()
		s.persist(pctx, sessionID, ownerUserID, entry, log)
	}()
}

// persist appends entry at most once. A stale length is re-read and retried
// once; a second conflict drops the entry.
func (s *TurnService) persist(ctx context.Context, sessionID, ownerUserID string, entry domain.ChatHistoryEntry, log *slog.Logger) {
	for attempt := 0; attempt < 2; attempt++ {
		h, err := s.deps.Sessions.GetHistory(ctx, sessionID)
		if err != nil {
			log.Error("persist turn: load history", "error", err)
			return
		}
		if h.HasTurn(entry.TurnID) {
			return
		}

		err = s.deps.Sessions.AppendEntry(ctx, sessionID, ownerUserID, len(h.Entries), entry)
		switch {
		case err == nil:
			log.Debug("turn persisted", "position", len(h.Entries))
			return
		case errors.Is(err, domain.ErrSessionConflict) && attempt == 0:
			s.deps.Metrics.PersistenceConflict(ConflictRetried)
			continue
		case errors.Is(err, domain.ErrSessionConflict):
			s.deps.Metrics.PersistenceConflict(ConflictDropped)
			log.Warn("turn dropped after repeated append conflicts", "error", err)
			return
		default:
			log.Error("persist turn", "error", err)
			return
		}
	}
}

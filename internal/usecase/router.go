package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
	"nexa/internal/infra/tracer"
)

const (
	defaultRoutingModel   = domain.GeneralistModel
	defaultRoutingTimeout = 10 * time.Second
)

const routingPrompt = "You are an expert at routing a user's request to the correct agent. " +
	"Based on the user's question, select the best agent from the following list. " +
	"You must output **only the name** of the agent you choose. " +
	"If no agent seems suitable for the request, you must output '" + domain.GeneralistName + "'."

// RouterDeps holds injected dependencies for the Router.
type RouterDeps struct {
	Agents  domain.AgentCatalog
	LLM     domain.LLMProvider
	Model   string        // classification model, default gpt-4o-mini
	Timeout time.Duration // classification call timeout, default 10s
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router selects the agent that answers a question. A nil agent with a nil
// error means the Generalist answers.
type Router struct {
	deps RouterDeps
}

// NewRouter creates a Router.
func NewRouter(deps RouterDeps) *Router {
	if deps.Model == "" {
		deps.Model = defaultRoutingModel
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultRoutingTimeout
	}
	deps.Logger = logger.OrDiscard(deps.Logger)
	return &Router{deps: deps}
}

// Resolve returns the agent for the question. An explicit agent id is
// looked up directly and never triggers a classification call; it fails
// with ErrAgentNotFound when the tenant has no such agent. Every failure on
// the classification path degrades to the Generalist.
func (r *Router) Resolve(ctx context.Context, question, tenantID, explicitAgentID string) (*domain.Agent, error) {
	ctx, span := tracer.StartSpan(ctx, "router.resolve",
		trace.WithAttributes(
			tracer.StringAttr("tenant.id", tenantID),
			tracer.BoolAttr("router.explicit", explicitAgentID != ""),
		),
	)
	defer span.End()

	if explicitAgentID != "" {
		agent, err := r.deps.Agents.GetAgent(ctx, tenantID, explicitAgentID)
		if err != nil {
			if errors.Is(err, domain.ErrAgentNotFound) {
				r.deps.Metrics.RoutingDecision(metrics.RoutingNotFound)
			}
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("Router.Resolve", err)
		}
		r.deps.Metrics.RoutingDecision(metrics.RoutingExplicit)
		span.SetAttributes(tracer.StringAttr("router.agent", agent.Name))
		tracer.SetOK(span)
		return agent, nil
	}

	agents, err := r.deps.Agents.ListAgents(ctx, tenantID)
	if err != nil {
		r.degrade(tenantID, "list agents failed", err)
		return nil, nil
	}
	if len(agents) == 0 {
		r.deps.Metrics.RoutingDecision(metrics.RoutingGeneralist)
		tracer.SetOK(span)
		return nil, nil
	}

	choice, err := r.classify(ctx, question, agents)
	if err != nil {
		r.degrade(tenantID, "classification failed", err)
		return nil, nil
	}
	if choice == "" {
		r.degrade(tenantID, "classification returned no name", nil)
		return nil, nil
	}

	for i := range agents {
		if agents[i].Name == choice {
			r.deps.Metrics.RoutingDecision(metrics.RoutingMatched)
			span.SetAttributes(tracer.StringAttr("router.agent", choice))
			tracer.SetOK(span)
			r.deps.Logger.Debug("agent selected", "tenant_id", tenantID, "agent", choice)
			return &agents[i], nil
		}
	}

	// "Generalist" and any unknown name both fall back.
	r.deps.Metrics.RoutingDecision(metrics.RoutingGeneralist)
	tracer.SetOK(span)
	r.deps.Logger.Debug("no agent matched", "tenant_id", tenantID, "choice", choice)
	return nil, nil
}

// classify makes the single classification request under its own timeout.
func (r *Router) classify(ctx context.Context, question string, agents []domain.Agent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deps.Timeout)
	defer cancel()

	resp, err := r.deps.LLM.Chat(ctx, domain.ChatRequest{
		Model: r.deps.Model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: RoutingSystemPrompt(agents)},
			{Role: domain.RoleUser, Content: question},
		},
		Temperature: domain.Temperature(0),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (r *Router) degrade(tenantID, reason string, err error) {
	r.deps.Metrics.RoutingDecision(metrics.RoutingDegraded)
	attrs := []any{"tenant_id", tenantID, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.deps.Logger.Warn("routing degraded to generalist", attrs...)
}

// RoutingSystemPrompt builds the classification system message listing the
// tenant's agents.
func RoutingSystemPrompt(agents []domain.Agent) string {
	var b strings.Builder
	b.WriteString(routingPrompt)
	b.WriteString("\n\nAvailable Agents:\n")
	for _, a := range agents {
		b.WriteString("- **")
		b.WriteString(a.Name)
		b.WriteString("**: ")
		b.WriteString(a.Description)
		b.WriteString("\n")
	}
	return b.String()
}

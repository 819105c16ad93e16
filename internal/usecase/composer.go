package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
	"nexa/internal/infra/tracer"
)

// maxFunctionNameLen is the model providers' limit on function names.
const maxFunctionNameLen = 64

// Reasons a capability is left out of a composed set.
const (
	SkipUnknownBuiltin  = "unknown_builtin"
	SkipConnectorOnly   = "connector_only"
	SkipUnknownType     = "unknown_type"
	SkipEmptyName       = "empty_name"
	SkipInvalidSettings = "invalid_settings"
	SkipNameCollision   = "name_collision"
	SkipCatalogError    = "catalog_error"
)

// CapabilitySource resolves registry keys and checks connector settings.
type CapabilitySource interface {
	domain.CapabilityRegistry
	ValidateSettings(ctx context.Context, key string, settings map[string]any) error
}

// ComposerDeps holds injected dependencies for the Composer.
type ComposerDeps struct {
	Registry   CapabilitySource
	Connectors domain.ConnectorCatalog
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Composer builds an agent's per-turn capability set: its declared built-ins
// followed by one specialised capability per connector.
type Composer struct {
	deps ComposerDeps
}

// NewComposer creates a Composer.
func NewComposer(deps ComposerDeps) *Composer {
	deps.Logger = logger.OrDiscard(deps.Logger)
	return &Composer{deps: deps}
}

// Compose returns the capability set for agent. It never fails: anything
// that cannot be bound is skipped with a warning. A nil agent gets no
// capabilities.
func (c *Composer) Compose(ctx context.Context, agent *domain.Agent) []domain.ComposedCapability {
	if agent == nil {
		return []domain.ComposedCapability{}
	}

	ctx, span := tracer.StartSpan(ctx, "composer.compose",
		trace.WithAttributes(tracer.StringAttr("agent.id", agent.ID)),
	)
	defer span.End()

	log := c.deps.Logger.With("tenant_id", agent.TenantID, "agent", agent.Name)
	set := newCapabilitySet()

	for _, name := range agent.Capabilities {
		p, err := c.deps.Registry.Lookup(name)
		if err != nil {
			c.skip(log, SkipUnknownBuiltin, "capability", name, "error", err)
			continue
		}
		if p.Kind() != domain.CapabilityBuiltin {
			c.skip(log, SkipConnectorOnly, "capability", name)
			continue
		}
		if !set.add(domain.ComposedCapability{
			Name:          name,
			Description:   p.Description(),
			CapabilityKey: p.Key(),
			Parameters:    p.Parameters(),
		}) {
			c.skip(log, SkipNameCollision, "capability", name)
		}
	}

	connectors, err := c.deps.Connectors.ListConnectors(ctx, agent.ID)
	if err != nil {
		c.skip(log, SkipCatalogError, "error", err)
		span.SetAttributes(tracer.IntAttr("composer.capabilities", len(set.items)))
		return set.items
	}

	for _, conn := range connectors {
		composed, reason, err := c.bindConnector(ctx, conn)
		if reason != "" {
			attrs := []any{"connector", conn.ID, "type", conn.Type}
			if err != nil {
				attrs = append(attrs, "error", err)
			}
			c.skip(log, reason, attrs...)
			continue
		}
		if !set.add(composed) {
			c.skip(log, SkipNameCollision, "connector", conn.ID, "capability", composed.Name)
		}
	}

	span.SetAttributes(tracer.IntAttr("composer.capabilities", len(set.items)))
	tracer.SetOK(span)
	return set.items
}

// bindConnector specialises the connector's provider. A non-empty reason
// means the connector is skipped.
func (c *Composer) bindConnector(ctx context.Context, conn domain.Connector) (domain.ComposedCapability, string, error) {
	p, err := c.deps.Registry.Lookup(conn.Type)
	if err != nil {
		return domain.ComposedCapability{}, SkipUnknownType, err
	}

	suffix := NormalizeCapabilityName(conn.Name)
	if suffix == "" {
		return domain.ComposedCapability{}, SkipEmptyName, nil
	}

	if err := c.deps.Registry.ValidateSettings(ctx, conn.Type, conn.Settings); err != nil {
		return domain.ComposedCapability{}, SkipInvalidSettings, err
	}

	name := p.FunctionName() + "_" + suffix
	if len(name) > maxFunctionNameLen {
		name = strings.TrimRight(name[:maxFunctionNameLen], "_")
	}

	return domain.ComposedCapability{
		Name:          name,
		Description:   connectorDescription(conn, p),
		CapabilityKey: conn.Type,
		ConnectorID:   conn.ID,
		Settings:      conn.Settings,
		Parameters:    p.Parameters(),
	}, "", nil
}

func (c *Composer) skip(log *slog.Logger, reason string, attrs ...any) {
	c.deps.Metrics.CapabilitySkipped(reason)
	log.Warn("capability skipped", append([]any{"reason", reason}, attrs...)...)
}

func connectorDescription(conn domain.Connector, p domain.CapabilityProvider) string {
	return fmt.Sprintf("Use this tool to access the '%s' %s. It is a specialized version of the '%s' tool.\n%s",
		conn.Name, strings.ReplaceAll(conn.Type, "_", " "), p.FunctionName(), p.Description())
}

// NormalizeCapabilityName lower-cases name and collapses every run of
// characters outside [a-z0-9] into a single underscore, trimming
// underscores at either end.
func NormalizeCapabilityName(name string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// capabilitySet keeps first-seen order and rejects duplicate names.
type capabilitySet struct {
	items []domain.ComposedCapability
	names map[string]struct{}
}

func newCapabilitySet() *capabilitySet {
	return &capabilitySet{
		items: []domain.ComposedCapability{},
		names: make(map[string]struct{}),
	}
}

func (s *capabilitySet) add(c domain.ComposedCapability) bool {
	if _, dup := s.names[c.Name]; dup {
		return false
	}
	s.names[c.Name] = struct{}{}
	s.items = append(s.items, c)
	return true
}


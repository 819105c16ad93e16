package domain

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Generalist defaults, used when no tenant agent is resolved for a turn.
const (
	GeneralistName         = "Generalist"
	GeneralistSystemPrompt = "You are a helpful general-purpose assistant."
	GeneralistModel        = "gpt-4o-mini"
	GeneralistTemperature  = 0.7
)

// Temperature bounds accepted for an agent.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// SupportedModels lists the model identifiers an agent may target.
var SupportedModels = []string{
	"gpt-3.5-turbo",
	"gpt-4",
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4-turbo",
	"gpt-5",
}

// Agent is a tenant-owned configuration of model, prompt, and declared
// built-in capabilities. The core only ever reads agents.
type Agent struct {
	ID           string    `json:"id"           yaml:"id"`
	TenantID     string    `json:"tenant_id"    yaml:"tenant_id"`
	Name         string    `json:"name"         yaml:"name"`
	Description  string    `json:"description"  yaml:"description"`
	Model        string    `json:"model"        yaml:"model"`
	Temperature  float64   `json:"temperature"  yaml:"temperature"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"   yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at"   yaml:"-"`
}

// Validate checks the agent's model and temperature.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return NewDomainError("Agent.Validate", ErrInvalidInput, "name is required")
	}
	if !slices.Contains(SupportedModels, a.Model) {
		return NewDomainError("Agent.Validate", ErrUnsupportedModel, a.Model)
	}
	if a.Temperature < MinTemperature || a.Temperature > MaxTemperature {
		return NewDomainError("Agent.Validate", ErrInvalidTemperature,
			fmt.Sprintf("%.2f not in [%.1f, %.1f]", a.Temperature, MinTemperature, MaxTemperature))
	}
	return nil
}

// Connector binds a capability type to concrete settings for one agent.
type Connector struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Settings  map[string]any `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AgentCatalog gives read access to a tenant's agents.
type AgentCatalog interface {
	ListAgents(ctx context.Context, tenantID string) ([]Agent, error)
	// GetAgent returns ErrAgentNotFound if the agent does not exist or
	// belongs to another tenant.
	GetAgent(ctx context.Context, tenantID, agentID string) (*Agent, error)
}

// ConnectorCatalog gives read access to the connectors bound to an agent.
type ConnectorCatalog interface {
	// ListConnectors returns connectors in a stable order. Connectors whose
	// agent no longer exists are not returned.
	ListConnectors(ctx context.Context, agentID string) ([]Connector, error)
}

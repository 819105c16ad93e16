package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a capability for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a capability.
// Index identifies the call slot within a streamed response.
type ToolCall struct {
	Index     int             `json:"index"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CapabilityKind distinguishes capabilities an agent declares by name from
// those that only exist once bound to connector settings.
type CapabilityKind int

const (
	// CapabilityBuiltin needs no settings and may be declared on an agent.
	CapabilityBuiltin CapabilityKind = iota
	// CapabilityConnector is a connector type; it needs connector settings.
	CapabilityConnector
)

func (k CapabilityKind) String() string {
	switch k {
	case CapabilityBuiltin:
		return "builtin"
	case CapabilityConnector:
		return "connector"
	default:
		return "unknown"
	}
}

// CapabilityProvider is one invocable skill. Connector-backed providers
// receive the connector's settings; built-ins receive nil settings.
type CapabilityProvider interface {
	// Key is the registry identifier: a built-in name or a connector type.
	Key() string
	// FunctionName is the base identifier composed capability names start with.
	FunctionName() string
	Kind() CapabilityKind
	Description() string
	// Parameters is the JSON schema of the arguments the model supplies.
	Parameters() json.RawMessage
	// SettingsSchema is the JSON schema connector settings must satisfy.
	// Nil means any settings are accepted.
	SettingsSchema() json.RawMessage
	Invoke(ctx context.Context, settings map[string]any, args json.RawMessage) (string, error)
}

// CapabilityRegistry resolves capability keys to providers.
type CapabilityRegistry interface {
	Lookup(key string) (CapabilityProvider, error)
}

// ComposedCapability is a per-turn capability: a unique name paired with the
// registry key and settings it resolves to at call time. It holds no
// function values and serializes cleanly.
type ComposedCapability struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	CapabilityKey string          `json:"capability_key"`
	ConnectorID   string          `json:"connector_id,omitempty"`
	Settings      map[string]any  `json:"-"`
	Parameters    json.RawMessage `json:"parameters"`
}

// Schema returns the function-calling schema for the capability.
func (c ComposedCapability) Schema() ToolSchema {
	return ToolSchema{
		Name:        c.Name,
		Description: c.Description,
		Parameters:  c.Parameters,
	}
}

package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nexa/internal/domain"
)

// Seed is the YAML layout of a catalog seed file.
type Seed struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant groups a tenant's agents.
type SeedTenant struct {
	ID     string      `yaml:"id"`
	Agents []SeedAgent `yaml:"agents"`
}

// SeedAgent is an agent plus the connectors bound to it.
type SeedAgent struct {
	domain.Agent `yaml:",inline"`
	Connectors   []SeedConnector `yaml:"connectors,omitempty"`
}

// SeedConnector is a connector as written in the seed file.
type SeedConnector struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Settings map[string]any `yaml:"settings"`
}

// LoadSeedFile reads a YAML seed file and applies it.
func (s *SQLiteCatalog) LoadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	return s.ApplySeed(ctx, seed)
}

// ApplySeed upserts every agent and connector in seed. It is idempotent:
// agents match on tenant and name, connectors on agent and name. Agents
// failing validation abort the seed.
func (s *SQLiteCatalog) ApplySeed(ctx context.Context, seed Seed) error {
	var agents, connectors int
	for _, t := range seed.Tenants {
		if t.ID == "" {
			return fmt.Errorf("seed: tenant without id")
		}
		for i := range t.Agents {
			sa := &t.Agents[i]
			a := sa.Agent
			a.TenantID = t.ID
			if err := s.PutAgent(ctx, &a); err != nil {
				return fmt.Errorf("seed agent %q of tenant %q: %w", a.Name, t.ID, err)
			}
			agents++

			for _, sc := range sa.Connectors {
				c := domain.Connector{
					AgentID:  a.ID,
					Name:     sc.Name,
					Type:     sc.Type,
					Settings: sc.Settings,
				}
				if err := s.PutConnector(ctx, &c); err != nil {
					return fmt.Errorf("seed connector %q of agent %q: %w", sc.Name, a.Name, err)
				}
				connectors++
			}
		}
	}
	s.logger.Info("catalog seeded", "tenants", len(seed.Tenants), "agents", agents, "connectors", connectors)
	return nil
}

// Package catalog stores the tenant agent and connector catalog in SQLite.
// The core only reads it; writes exist for seeding and administration.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/security"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	_ domain.AgentCatalog     = (*SQLiteCatalog)(nil)
	_ domain.ConnectorCatalog = (*SQLiteCatalog)(nil)
)

// SQLiteCatalog implements the agent and connector catalogs. Connector
// settings are encrypted at rest when a passphrase is configured.
type SQLiteCatalog struct {
	db     *sql.DB
	cipher *security.SettingsCipher
	logger *slog.Logger
}

// Open opens (or creates) the catalog at dbPath and runs the schema
// migration. An empty passphrase stores connector settings as plain JSON.
func Open(ctx context.Context, dbPath, passphrase string, log *slog.Logger) (*SQLiteCatalog, error) {
	log = logger.OrDiscard(log)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}

	c := &SQLiteCatalog{db: db, logger: log}
	if passphrase == "" {
		log.Warn("catalog settings key not set, connector settings are stored unencrypted")
		return c, nil
	}

	salt, err := loadSalt(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.cipher, err = security.NewSettingsCipher(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_meta (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			model        TEXT NOT NULL,
			temperature  REAL NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '[]',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			UNIQUE (tenant_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);
		CREATE TABLE IF NOT EXISTS connectors (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			settings   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (agent_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_connectors_agent ON connectors(agent_id);
	`)
	return err
}

// loadSalt returns the catalog's key-derivation salt, creating it on first
// use so every process sharing the file derives the same key.
func loadSalt(ctx context.Context, db *sql.DB) ([]byte, error) {
	fresh, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO catalog_meta (key, value) VALUES ('settings_salt', ?)", fresh); err != nil {
		return nil, fmt.Errorf("store settings salt: %w", err)
	}
	var salt []byte
	if err := db.QueryRowContext(ctx,
		"SELECT value FROM catalog_meta WHERE key = 'settings_salt'").Scan(&salt); err != nil {
		return nil, fmt.Errorf("load settings salt: %w", err)
	}
	return salt, nil
}

// Close closes the underlying database connection.
func (s *SQLiteCatalog) Close() error {
	if s.cipher != nil {
		s.cipher.Zeroize()
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteCatalog) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const agentColumns = "id, tenant_id, name, description, model, temperature, capabilities, created_at, updated_at"

// ListAgents returns the tenant's agents in creation order.
func (s *SQLiteCatalog) ListAgents(ctx context.Context, tenantID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE tenant_id = ? ORDER BY created_at, id", tenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// GetAgent returns ErrAgentNotFound when the agent is absent or owned by
// another tenant.
func (s *SQLiteCatalog) GetAgent(ctx context.Context, tenantID, agentID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE id = ? AND tenant_id = ?", agentID, tenantID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("Catalog.GetAgent", domain.ErrAgentNotFound, agentID)
	}
	return a, err
}

// PutAgent validates and upserts an agent keyed by tenant and name. A new
// agent without an ID is assigned one.
func (s *SQLiteCatalog) PutAgent(ctx context.Context, a *domain.Agent) error {
	if a.TenantID == "" {
		return domain.NewDomainError("Catalog.PutAgent", domain.ErrInvalidInput, "tenant_id is required")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	var existingID, createdStr string
	err = s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM agents WHERE tenant_id = ? AND name = ?", a.TenantID, a.Name,
	).Scan(&existingID, &createdStr)
	switch {
	case err == nil:
		a.ID = existingID
		a.CreatedAt, _ = time.Parse(tsLayout, createdStr)
	case errors.Is(err, sql.ErrNoRows):
		if a.ID == "" {
			a.ID = newID()
		}
		a.CreatedAt = time.Now().UTC()
	default:
		return fmt.Errorf("lookup agent: %w", err)
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			model = excluded.model,
			temperature = excluded.temperature,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at`,
		a.ID, a.TenantID, a.Name, a.Description, a.Model, a.Temperature, string(caps),
		a.CreatedAt.Format(tsLayout), a.UpdatedAt.Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent. Its connectors stay on disk but are no
// longer listed.
func (s *SQLiteCatalog) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ? AND tenant_id = ?", agentID, tenantID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("Catalog.DeleteAgent", domain.ErrAgentNotFound, agentID)
	}
	return nil
}

// ListConnectors returns an agent's connectors in creation order. The join
// drops connectors whose agent no longer exists. A connector whose settings
// cannot be decoded is skipped with a warning; the rest are still returned.
func (s *SQLiteCatalog) ListConnectors(ctx context.Context, agentID string) ([]domain.Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.agent_id, c.name, c.type, c.settings, c.created_at, c.updated_at
		FROM connectors c
		JOIN agents a ON a.id = c.agent_id
		WHERE c.agent_id = ?
		ORDER BY c.created_at, c.id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []domain.Connector
	for rows.Next() {
		var c domain.Connector
		var settings, createdStr, updatedStr string
		if err := rows.Scan(&c.ID, &c.AgentID, &c.Name, &c.Type, &settings, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		c.Settings, err = s.decodeSettings(settings)
		if err != nil {
			s.logger.Warn("connector skipped: unreadable settings",
				"agent_id", agentID, "connector", c.ID, "error", err)
			continue
		}
		c.CreatedAt, _ = time.Parse(tsLayout, createdStr)
		c.UpdatedAt, _ = time.Parse(tsLayout, updatedStr)
		connectors = append(connectors, c)
	}
	return connectors, rows.Err()
}

// PutConnector upserts a connector keyed by agent and name.
func (s *SQLiteCatalog) PutConnector(ctx context.Context, c *domain.Connector) error {
	if c.AgentID == "" || c.Type == "" {
		return domain.NewDomainError("Catalog.PutConnector", domain.ErrInvalidInput, "agent_id and type are required")
	}
	settings, err := s.encodeSettings(c.Settings)
	if err != nil {
		return err
	}

	var existingID, createdStr string
	err = s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM connectors WHERE agent_id = ? AND name = ?", c.AgentID, c.Name,
	).Scan(&existingID, &createdStr)
	switch {
	case err == nil:
		c.ID = existingID
		c.CreatedAt, _ = time.Parse(tsLayout, createdStr)
	case errors.Is(err, sql.ErrNoRows):
		if c.ID == "" {
			c.ID = newID()
		}
		c.CreatedAt = time.Now().UTC()
	default:
		return fmt.Errorf("lookup connector: %w", err)
	}
	c.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connectors (id, agent_id, name, type, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		c.ID, c.AgentID, c.Name, c.Type, settings,
		c.CreatedAt.Format(tsLayout), c.UpdatedAt.Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert connector: %w", err)
	}
	return nil
}

func (s *SQLiteCatalog) encodeSettings(settings map[string]any) (string, error) {
	if s.cipher != nil {
		return s.cipher.EncryptSettings(settings)
	}
	raw, err := json.Marshal(nonNilMap(settings))
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	return string(raw), nil
}

func (s *SQLiteCatalog) decodeSettings(stored string) (map[string]any, error) {
	if s.cipher != nil {
		return s.cipher.DecryptSettings(stored)
	}
	if security.IsEncrypted(stored) {
		return nil, domain.NewDomainError("Catalog.decodeSettings", domain.ErrDecryption, "settings are encrypted but no key is configured")
	}
	settings := map[string]any{}
	if strings.TrimSpace(stored) == "" {
		return settings, nil
	}
	if err := json.Unmarshal([]byte(stored), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return settings, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*domain.Agent, error) {
	var a domain.Agent
	var caps, createdStr, updatedStr string
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Description, &a.Model, &a.Temperature,
		&caps, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal agent capabilities: %w", err)
	}
	a.CreatedAt, _ = time.Parse(tsLayout, createdStr)
	a.UpdatedAt, _ = time.Parse(tsLayout, updatedStr)
	return &a, nil
}

func newID() string { return ulid.Make().String() }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

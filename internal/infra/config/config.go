package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for every environment override.
const envPrefix = "NEXA_"

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	LLM          LLMConfig          `yaml:"llm"`
	Routing      RoutingConfig      `yaml:"routing"`
	Generalist   GeneralistConfig   `yaml:"generalist"`
	Turn         TurnConfig         `yaml:"turn"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	ReadHeaderTimeout time.Duration   `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
	TenantHeader      string          `yaml:"tenant_header"` // set by the authenticating proxy
	UserHeader        string          `yaml:"user_header"`
	AllowedOrigins    []string        `yaml:"allowed_origins,omitempty"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client-IP request limits.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// LLMConfig holds the model invocation client settings.
type LLMConfig struct {
	Provider       ProviderConfig       `yaml:"provider"`
	Fallbacks      []ProviderConfig     `yaml:"fallbacks,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for a provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single OpenAI-compatible endpoint.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// RoutingConfig holds the agent classification call settings.
type RoutingConfig struct {
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// GeneralistConfig holds the fallback agent used when routing resolves none.
type GeneralistConfig struct {
	Name         string  `yaml:"name"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

// TurnConfig holds streaming turn execution settings.
type TurnConfig struct {
	InvokeTimeout     time.Duration `yaml:"invoke_timeout"`
	PersistTimeout    time.Duration `yaml:"persist_timeout"`
	CapabilityTimeout time.Duration `yaml:"capability_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
}

// CatalogConfig holds the agent/connector catalog settings.
type CatalogConfig struct {
	Path        string `yaml:"path"`
	SettingsKey string `yaml:"settings_key"` // passphrase for connector settings at rest
	SeedFile    string `yaml:"seed_file,omitempty"`
}

// SessionStoreConfig selects and configures the session history backend.
type SessionStoreConfig struct {
	Backend   string `yaml:"backend"` // "sqlite", "memory", "redis"
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CapabilitiesConfig holds capability provider settings.
type CapabilitiesConfig struct {
	SearXNGURL     string        `yaml:"searxng_url"`
	SearchResults  int           `yaml:"search_results"`
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl"`
	GoogleTimeout  time.Duration `yaml:"google_timeout"`
	MCPTimeout     time.Duration `yaml:"mcp_timeout"`
	MaxResultBytes int           `yaml:"max_result_bytes"`

	// AllowPrivateEgress lets connector URLs reach private networks.
	AllowPrivateEgress bool `yaml:"allow_private_egress"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// defaultDataDir returns the persistent data directory under $HOME/.nexa/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".nexa", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			TenantHeader:      "X-Tenant-ID",
			UserHeader:        "X-User-ID",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 5,
				Burst:             20,
			},
		},
		LLM: LLMConfig{
			Provider: ProviderConfig{
				Name:    "openai",
				BaseURL: "https://api.openai.com/v1",
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Routing: RoutingConfig{
			Model:   "gpt-4o-mini",
			Timeout: 10 * time.Second,
		},
		Generalist: GeneralistConfig{
			Name:         "Generalist",
			Model:        "gpt-4o-mini",
			Temperature:  0.7,
			SystemPrompt: "You are a helpful general-purpose assistant.",
		},
		Turn: TurnConfig{
			InvokeTimeout:     120 * time.Second,
			PersistTimeout:    10 * time.Second,
			CapabilityTimeout: 30 * time.Second,
			MaxAttempts:       3,
			MaxToolIterations: 8,
		},
		Catalog: CatalogConfig{
			Path: filepath.Join(dataDir, "catalog.db"),
		},
		SessionStore: SessionStoreConfig{
			Backend:   "sqlite",
			Path:      filepath.Join(dataDir, "sessions.db"),
			KeyPrefix: "nexa",
		},
		Capabilities: CapabilitiesConfig{
			SearXNGURL:     "http://localhost:6060",
			SearchResults:  5,
			SearchCacheTTL: 15 * time.Minute,
			GoogleTimeout:  20 * time.Second,
			MCPTimeout:     30 * time.Second,
			MaxResultBytes: 64 * 1024,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps NEXA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(envPrefix + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("SERVER_ADDR", &cfg.Server.Addr)
	setBool("SERVER_RATE_LIMIT_ENABLED", &cfg.Server.RateLimit.Enabled)
	if v := os.Getenv(envPrefix + "SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}

	setString("LLM_BASE_URL", &cfg.LLM.Provider.BaseURL)
	setString("LLM_API_KEY", &cfg.LLM.Provider.APIKey)
	if cfg.LLM.Provider.APIKey == "" {
		cfg.LLM.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	for i := range cfg.LLM.Fallbacks {
		name := strings.ToUpper(strings.ReplaceAll(cfg.LLM.Fallbacks[i].Name, "-", "_"))
		setString("LLM_FALLBACK_"+name+"_API_KEY", &cfg.LLM.Fallbacks[i].APIKey)
	}
	setBool("LLM_CIRCUIT_BREAKER_ENABLED", &cfg.LLM.CircuitBreaker.Enabled)

	setString("ROUTING_MODEL", &cfg.Routing.Model)
	setDuration("ROUTING_TIMEOUT", &cfg.Routing.Timeout)

	setString("GENERALIST_MODEL", &cfg.Generalist.Model)
	setString("GENERALIST_SYSTEM_PROMPT", &cfg.Generalist.SystemPrompt)

	setDuration("TURN_INVOKE_TIMEOUT", &cfg.Turn.InvokeTimeout)
	setDuration("TURN_PERSIST_TIMEOUT", &cfg.Turn.PersistTimeout)

	setString("CATALOG_PATH", &cfg.Catalog.Path)
	setString("CATALOG_SETTINGS_KEY", &cfg.Catalog.SettingsKey)
	setString("CATALOG_SEED_FILE", &cfg.Catalog.SeedFile)

	setString("SESSION_STORE_BACKEND", &cfg.SessionStore.Backend)
	setString("SESSION_STORE_PATH", &cfg.SessionStore.Path)
	setString("SESSION_STORE_REDIS_URL", &cfg.SessionStore.RedisURL)

	setString("CAPABILITIES_SEARXNG_URL", &cfg.Capabilities.SearXNGURL)
	setBool("CAPABILITIES_ALLOW_PRIVATE_EGRESS", &cfg.Capabilities.AllowPrivateEgress)

	setString("LOGGER_LEVEL", &cfg.Logger.Level)
	setString("LOGGER_FORMAT", &cfg.Logger.Format)
	setBool("TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("TRACER_EXPORTER", &cfg.Tracer.Exporter)
	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values among secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"llm.provider.api_key":    &cfg.LLM.Provider.APIKey,
		"catalog.settings_key":    &cfg.Catalog.SettingsKey,
		"session_store.redis_url": &cfg.SessionStore.RedisURL,
	}
	for i := range cfg.LLM.Fallbacks {
		fields["llm.fallbacks."+cfg.LLM.Fallbacks[i].Name+".api_key"] = &cfg.LLM.Fallbacks[i].APIKey
	}

	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

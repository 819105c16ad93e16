package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLLM(cfg, ve)
	validateRouting(cfg, ve)
	validateGeneralist(cfg, ve)
	validateTurn(cfg, ve)
	validateStores(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is invalid: %v", cfg.Server.Addr, err)
	}
	if cfg.Server.TenantHeader == "" || cfg.Server.UserHeader == "" {
		ve.Add("server.tenant_header and server.user_header must not be empty")
	}
	if rl := cfg.Server.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		ve.Add("server.rate_limit requires requests_per_second > 0 and burst > 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	providers := append([]ProviderConfig{cfg.LLM.Provider}, cfg.LLM.Fallbacks...)
	seen := make(map[string]bool)
	for i, p := range providers {
		field := "llm.provider"
		if i > 0 {
			field = fmt.Sprintf("llm.fallbacks[%d]", i-1)
		}
		if p.Name == "" {
			ve.Add("%s.name must not be empty", field)
			continue
		}
		if seen[p.Name] {
			ve.Add("%s: duplicate provider name %q", field, p.Name)
		}
		seen[p.Name] = true
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("%s.base_url %q must be an absolute URL", field, p.BaseURL)
		}
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateRouting(cfg *Config, ve *ValidationError) {
	if cfg.Routing.Model == "" {
		ve.Add("routing.model must not be empty")
	}
	if cfg.Routing.Timeout <= 0 {
		ve.Add("routing.timeout must be > 0")
	}
}

func validateGeneralist(cfg *Config, ve *ValidationError) {
	g := cfg.Generalist
	if g.Name == "" || g.Model == "" || g.SystemPrompt == "" {
		ve.Add("generalist.name, generalist.model and generalist.system_prompt must not be empty")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		ve.Add("generalist.temperature %.2f must be within [0, 2]", g.Temperature)
	}
}

func validateTurn(cfg *Config, ve *ValidationError) {
	t := cfg.Turn
	if t.InvokeTimeout <= 0 {
		ve.Add("turn.invoke_timeout must be > 0")
	}
	if t.PersistTimeout <= 0 {
		ve.Add("turn.persist_timeout must be > 0")
	}
	if t.CapabilityTimeout <= 0 {
		ve.Add("turn.capability_timeout must be > 0")
	}
	if t.MaxAttempts < 1 {
		ve.Add("turn.max_attempts must be >= 1")
	}
	if t.MaxToolIterations < 1 {
		ve.Add("turn.max_tool_iterations must be >= 1")
	}
}

var validSessionBackends = []string{"sqlite", "memory", "redis"}

func validateStores(cfg *Config, ve *ValidationError) {
	if cfg.Catalog.Path == "" {
		ve.Add("catalog.path must not be empty")
	}
	s := cfg.SessionStore
	if !slices.Contains(validSessionBackends, s.Backend) {
		ve.Add("session_store.backend %q is invalid (want: %s)", s.Backend, strings.Join(validSessionBackends, ", "))
	}
	if s.Backend == "sqlite" && s.Path == "" {
		ve.Add("session_store.path is required for the sqlite backend")
	}
	if s.Backend == "redis" && s.RedisURL == "" {
		ve.Add("session_store.redis_url is required for the redis backend (set via NEXA_SESSION_STORE_REDIS_URL)")
	}
}

var validLogFormats = []string{"text", "json"}

func validateObservability(cfg *Config, ve *ValidationError) {
	if !slices.Contains(validLogFormats, strings.ToLower(cfg.Logger.Format)) {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path %q must start with /", cfg.Metrics.Path)
	}
}

// Package capability holds the capability registry and the concrete
// providers shipped with nexa: web search, Google Sheets and Drive readers,
// and a remote MCP tool bridge.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	kjsonschema "github.com/kaptinlin/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
	"nexa/internal/infra/tracer"
)

const (
	defaultInvokeTimeout  = 30 * time.Second
	defaultMaxResultBytes = 64 * 1024
	truncatedSuffix       = "\n[output truncated]"
)

var _ domain.CapabilityRegistry = (*Registry)(nil)

// settingsChecker is implemented by providers whose settings need checks a
// JSON schema cannot express, such as resolving a server address.
type settingsChecker interface {
	CheckSettings(ctx context.Context, settings map[string]any) error
}

// Options configures a Registry.
type Options struct {
	// Timeout bounds each invocation. Zero means 30s.
	Timeout time.Duration
	// MaxResultBytes caps the text handed back to the model. Zero means 64KiB.
	MaxResultBytes int
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type entry struct {
	provider domain.CapabilityProvider
	args     *jsonschema.Schema
	settings *kjsonschema.Schema
}

// Registry is an immutable key → provider map built once at startup.
type Registry struct {
	entries        map[string]entry
	timeout        time.Duration
	maxResultBytes int
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewRegistry compiles every provider's schemas and indexes it by key.
// Duplicate keys and invalid schemas are startup errors.
func NewRegistry(opts Options, providers ...domain.CapabilityProvider) (*Registry, error) {
	r := &Registry{
		entries:        make(map[string]entry, len(providers)),
		timeout:        opts.Timeout,
		maxResultBytes: opts.MaxResultBytes,
		metrics:        opts.Metrics,
		logger:         logger.OrDiscard(opts.Logger),
	}
	if r.timeout <= 0 {
		r.timeout = defaultInvokeTimeout
	}
	if r.maxResultBytes <= 0 {
		r.maxResultBytes = defaultMaxResultBytes
	}

	for _, p := range providers {
		key := p.Key()
		if key == "" {
			return nil, errors.New("capability provider with empty key")
		}
		if _, dup := r.entries[key]; dup {
			return nil, domain.NewDomainError("NewRegistry", domain.ErrDuplicate, fmt.Sprintf("capability %q registered twice", key))
		}
		args, err := compileArgsSchema(key, p.Parameters())
		if err != nil {
			return nil, err
		}
		settings, err := compileSettingsSchema(key, p.SettingsSchema())
		if err != nil {
			return nil, err
		}
		r.entries[key] = entry{provider: p, args: args, settings: settings}
	}
	return r, nil
}

// Lookup returns the provider registered under key.
func (r *Registry) Lookup(key string) (domain.CapabilityProvider, error) {
	e, ok := r.entries[key]
	if !ok {
		return nil, domain.NewDomainError("Registry.Lookup", domain.ErrCapabilityNotFound, key)
	}
	return e.provider, nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateSettings checks connector settings against the provider's settings
// schema and any provider-specific checks.
func (r *Registry) ValidateSettings(ctx context.Context, key string, settings map[string]any) error {
	e, ok := r.entries[key]
	if !ok {
		return domain.NewDomainError("Registry.ValidateSettings", domain.ErrCapabilityNotFound, key)
	}
	if err := validateSettings(e.settings, settings); err != nil {
		return err
	}
	if c, ok := e.provider.(settingsChecker); ok {
		if err := c.CheckSettings(ctx, settings); err != nil {
			return err
		}
	}
	return nil
}

// Invoke resolves the composed capability's key and runs the provider with
// the bound settings. Argument validation failures and provider errors are
// wrapped with ErrCapabilityFailure; the caller decides how to surface them.
func (r *Registry) Invoke(ctx context.Context, c domain.ComposedCapability, args json.RawMessage) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "capability.invoke",
		trace.WithAttributes(
			tracer.StringAttr("capability.name", c.Name),
			tracer.StringAttr("capability.key", c.CapabilityKey),
			tracer.StringAttr("session.id", domain.SessionIDFromContext(ctx)),
		),
	)
	defer span.End()

	e, ok := r.entries[c.CapabilityKey]
	if !ok {
		err := domain.NewDomainError("Registry.Invoke", domain.ErrCapabilityNotFound, c.CapabilityKey)
		tracer.RecordError(span, err)
		r.metrics.CapabilityCall(c.CapabilityKey, true)
		return "", err
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(e.args, args); err != nil {
		err = fmt.Errorf("%w: %s: %w", domain.ErrCapabilityFailure, c.Name, err)
		tracer.RecordError(span, err)
		r.metrics.CapabilityCall(c.CapabilityKey, true)
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	out, err := e.provider.Invoke(ctx, c.Settings, args)
	if err != nil {
		r.logger.Warn("capability invocation failed",
			"session_id", domain.SessionIDFromContext(ctx),
			"capability", c.Name,
			"key", c.CapabilityKey,
			"duration", time.Since(start),
			"error", err,
		)
		err = fmt.Errorf("%w: %s: %w", domain.ErrCapabilityFailure, c.Name, err)
		tracer.RecordError(span, err)
		r.metrics.CapabilityCall(c.CapabilityKey, true)
		return "", err
	}

	r.logger.Debug("capability invoked",
		"capability", c.Name,
		"key", c.CapabilityKey,
		"duration", time.Since(start),
		"bytes", len(out),
	)
	r.metrics.CapabilityCall(c.CapabilityKey, false)
	span.SetAttributes(tracer.IntAttr("capability.result_bytes", len(out)))
	tracer.SetOK(span)
	return truncate(out, r.maxResultBytes), nil
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"nexa/internal/adapter/capability"
	"nexa/internal/adapter/catalog"
	"nexa/internal/adapter/httpapi"
	"nexa/internal/adapter/llm"
	"nexa/internal/adapter/sessionstore"
	"nexa/internal/domain"
	"nexa/internal/infra/config"
	"nexa/internal/infra/metrics"
	"nexa/internal/security"
	"nexa/internal/usecase"
)

// app holds the wired components and the resources they own.
type app struct {
	server  *httpapi.Server
	turns   *usecase.TurnService
	closers []func() error
	logger  *slog.Logger
}

// Close releases stores in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close resource", "error", err)
		}
	}
}

// buildApp wires catalog, stores, model client, capabilities and the turn
// pipeline behind the HTTP server.
func buildApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (_ *app, err error) {
	a := &app{logger: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	cat, err := catalog.Open(ctx, cfg.Catalog.Path, cfg.Catalog.SettingsKey, log.With("component", "catalog"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cat.Close)
	if cfg.Catalog.SeedFile != "" {
		if err := cat.LoadSeedFile(ctx, cfg.Catalog.SeedFile); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
		log.Info("catalog seeded", "file", cfg.Catalog.SeedFile)
	}

	sessions, err := sessionstore.New(ctx, cfg.SessionStore)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a.closers = append(a.closers, sessions.Close)

	provider, err := llm.NewFromConfig(cfg.LLM, log.With("component", "llm"))
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}

	registry, err := buildRegistry(cfg.Capabilities, cfg.Turn, m, log)
	if err != nil {
		return nil, err
	}

	router := usecase.NewRouter(usecase.RouterDeps{
		Agents:  cat,
		LLM:     provider,
		Model:   cfg.Routing.Model,
		Timeout: cfg.Routing.Timeout,
		Metrics: m,
		Logger:  log.With("component", "router"),
	})
	composer := usecase.NewComposer(usecase.ComposerDeps{
		Registry:   registry,
		Connectors: cat,
		Metrics:    m,
		Logger:     log.With("component", "composer"),
	})
	executor := usecase.NewExecutor(usecase.ExecutorDeps{
		LLM:               provider,
		Invoker:           registry,
		Classifier:        usecase.NewErrorClassifier(),
		MaxAttempts:       cfg.Turn.MaxAttempts,
		MaxToolIterations: cfg.Turn.MaxToolIterations,
		InvokeTimeout:     cfg.Turn.InvokeTimeout,
		Metrics:           m,
		Logger:            log.With("component", "executor"),
	})
	a.turns = usecase.NewTurnService(usecase.TurnServiceDeps{
		Router:   router,
		Composer: composer,
		Executor: executor,
		Sessions: sessions,
		Generalist: domain.Agent{
			Name:        cfg.Generalist.Name,
			Description: cfg.Generalist.SystemPrompt,
			Model:       cfg.Generalist.Model,
			Temperature: cfg.Generalist.Temperature,
		},
		PersistTimeout: cfg.Turn.PersistTimeout,
		Metrics:        m,
		Logger:         log.With("component", "turns"),
	})

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	a.server = httpapi.NewServer(httpapi.Deps{
		Turns:       a.turns,
		Config:      cfg.Server,
		Metrics:     m,
		MetricsPath: metricsPath,
		Logger:      log.With("component", "http"),
	})
	return a, nil
}

// buildRegistry registers every capability provider nexa ships with.
func buildRegistry(cfg config.CapabilitiesConfig, turn config.TurnConfig, m *metrics.Metrics, log *slog.Logger) (*capability.Registry, error) {
	var providers []domain.CapabilityProvider

	if cfg.SearXNGURL != "" {
		backend := capability.NewSearXNGBackend(cfg.SearXNGURL, &http.Client{Timeout: turn.CapabilityTimeout}, log)
		providers = append(providers, capability.NewWebSearch(backend, cfg.SearchResults, cfg.SearchCacheTTL, log))
	} else {
		log.Warn("searxng url not set, search_web disabled")
	}

	google := capability.GoogleOptions{Timeout: cfg.GoogleTimeout, Logger: log}
	providers = append(providers,
		capability.NewGoogleSheet(google),
		capability.NewGoogleDrive(google),
		capability.NewMCPTool(capability.MCPOptions{
			Guard:   &security.EgressGuard{AllowPrivate: cfg.AllowPrivateEgress},
			Timeout: cfg.MCPTimeout,
			Logger:  log,
		}),
	)

	reg, err := capability.NewRegistry(capability.Options{
		Timeout:        turn.CapabilityTimeout,
		MaxResultBytes: cfg.MaxResultBytes,
		Metrics:        m,
		Logger:         log.With("component", "capabilities"),
	}, providers...)
	if err != nil {
		return nil, fmt.Errorf("build capability registry: %w", err)
	}
	return reg, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nexa/internal/adapter/catalog"
	"nexa/internal/adapter/sessionstore"
	"nexa/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var errNoConfig = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Catalog", Fn: checkCatalog},
		{Name: "Session store", Fn: checkSessionStore},
		{Name: "SearXNG", Fn: checkSearXNG},
	}

	fmt.Println("nexa doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file loaded.
// A missing file is only a warning since defaults and NEXA_* variables
// are enough to run.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values named above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkLLMAPIKey verifies the primary provider and every fallback have a key.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if cfg.LLM.Provider.APIKey == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API key for provider %q", cfg.LLM.Provider.Name),
			Fix:     "Set NEXA_LLM_API_KEY or llm.provider.api_key",
		}
	}

	var missing []string
	for _, p := range cfg.LLM.Fallbacks {
		if p.APIKey == "" {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("fallbacks without API key: %s", strings.Join(missing, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("API key configured for %s", cfg.LLM.Provider.Name),
	}
}

// checkLLMConnectivity tests if the primary provider endpoint is reachable.
func checkLLMConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if cfg.LLM.Provider.APIKey == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped: no API key"}
	}

	endpoint := strings.TrimRight(cfg.LLM.Provider.BaseURL, "/") + "/models"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid base URL: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+cfg.LLM.Provider.APIKey)

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check llm.provider.base_url and your network",
		}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s rejected the API key (status %d)", cfg.LLM.Provider.Name, resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s responded with status %d", endpoint, resp.StatusCode),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", cfg.LLM.Provider.Name, time.Since(start).Milliseconds()),
	}
}

// checkCatalog opens the catalog, which also runs its migration.
func checkCatalog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", filepath.Dir(cfg.Catalog.Path), err),
		}
	}
	cat, err := catalog.Open(ctx, cfg.Catalog.Path, cfg.Catalog.SettingsKey, nil)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open catalog: %v", err),
			Fix:     "Check catalog.path and catalog.settings_key",
		}
	}
	defer cat.Close()
	if err := cat.Ping(ctx); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("catalog not responding: %v", err)}
	}

	if cfg.Catalog.SettingsKey == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("catalog at %s stores connector settings unencrypted", cfg.Catalog.Path),
			Fix:     "Set NEXA_CATALOG_SETTINGS_KEY",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("catalog at %s", cfg.Catalog.Path)}
}

// checkSessionStore opens the configured session backend.
func checkSessionStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := sessionstore.New(ctx, cfg.SessionStore)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s session store: %v", cfg.SessionStore.Backend, err),
			Fix:     "Check session_store settings",
		}
	}
	store.Close()

	if cfg.SessionStore.Backend == "memory" {
		return CheckResult{Status: StatusWarn, Message: "memory session store: history is lost on restart"}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s session store ready", cfg.SessionStore.Backend)}
}

// checkSearXNG checks if SearXNG is running for search_web.
func checkSearXNG(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "cannot check: config not loaded"}
	}

	url := cfg.Capabilities.SearXNGURL
	if url == "" {
		return CheckResult{Status: StatusWarn, Message: "searxng url not set, search_web disabled"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid SearXNG URL: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("SearXNG not reachable at %s: %v", url, err),
			Fix:     "Start SearXNG or update capabilities.searxng_url",
		}
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("SearXNG responded with status %d at %s", resp.StatusCode, url),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("SearXNG reachable at %s", url)}
}

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"nexa/internal/infra/config"
	"nexa/internal/infra/logger"
)

func TestCheckConfigFile_NotFound(t *testing.T) {
	result := checkConfigFile("/nonexistent/path/config.yaml", nil)(nil)
	if result.Status != StatusWarn {
		t.Errorf("expected WARN for missing config, got %s", result.Status)
	}
}

func TestCheckConfigFile_LoadError(t *testing.T) {
	fn := checkConfigFile("config.yaml", &config.ValidationError{Errors: []string{"server.addr is required"}})
	result := fn(nil)
	if result.Status != StatusFail {
		t.Errorf("expected FAIL for load error, got %s", result.Status)
	}
	if result.Fix == "" {
		t.Error("expected fix suggestion")
	}
}

func TestCheckConfigFile_Valid(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("server:\n  addr: \":8080\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	result := checkConfigFile(cfgPath, nil)(nil)
	if result.Status != StatusPass {
		t.Errorf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckLLMAPIKey(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
		want CheckStatus
	}{
		{"nil config", nil, StatusFail},
		{"no key", &config.Config{LLM: config.LLMConfig{Provider: config.ProviderConfig{Name: "openai"}}}, StatusFail},
		{"key set", &config.Config{LLM: config.LLMConfig{Provider: config.ProviderConfig{Name: "openai", APIKey: "sk-test"}}}, StatusPass},
		{"fallback missing key", &config.Config{LLM: config.LLMConfig{
			Provider:  config.ProviderConfig{Name: "openai", APIKey: "sk-test"},
			Fallbacks: []config.ProviderConfig{{Name: "azure"}},
		}}, StatusWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := checkLLMAPIKey(tt.cfg).Status; got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckLLMConnectivity(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if gotAuth != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.LLM.Provider.BaseURL = srv.URL + "/v1/"

	cfg.LLM.Provider.APIKey = ""
	if got := checkLLMConnectivity(cfg).Status; got != StatusWarn {
		t.Errorf("no key: status = %s, want WARN", got)
	}

	cfg.LLM.Provider.APIKey = "sk-good"
	if got := checkLLMConnectivity(cfg); got.Status != StatusPass {
		t.Errorf("good key: %s %s", got.Status, got.Message)
	}
	if gotAuth != "Bearer sk-good" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	cfg.LLM.Provider.APIKey = "sk-bad"
	if got := checkLLMConnectivity(cfg).Status; got != StatusFail {
		t.Errorf("bad key: status = %s, want FAIL", got)
	}
}

func TestCheckCatalog(t *testing.T) {
	cfg := config.Defaults()
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "nested", "catalog.db")

	if got := checkCatalog(cfg); got.Status != StatusWarn {
		t.Errorf("unencrypted catalog: %s %s", got.Status, got.Message)
	}
	cfg.Catalog.SettingsKey = "correct horse battery staple"
	if got := checkCatalog(cfg); got.Status != StatusPass {
		t.Errorf("encrypted catalog: %s %s", got.Status, got.Message)
	}
	if got := checkCatalog(nil).Status; got != StatusFail {
		t.Errorf("nil config: status = %s", got)
	}
}

func TestCheckSessionStore(t *testing.T) {
	cfg := config.Defaults()

	cfg.SessionStore = config.SessionStoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "sessions.db")}
	if got := checkSessionStore(cfg); got.Status != StatusPass {
		t.Errorf("sqlite: %s %s", got.Status, got.Message)
	}

	cfg.SessionStore = config.SessionStoreConfig{Backend: "memory"}
	if got := checkSessionStore(cfg).Status; got != StatusWarn {
		t.Errorf("memory: status = %s, want WARN", got)
	}

	cfg.SessionStore = config.SessionStoreConfig{Backend: "etcd"}
	if got := checkSessionStore(cfg).Status; got != StatusFail {
		t.Errorf("unknown backend: status = %s, want FAIL", got)
	}
}

func TestCheckSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Capabilities.SearXNGURL = srv.URL
	if got := checkSearXNG(cfg).Status; got != StatusPass {
		t.Errorf("reachable: status = %s", got)
	}

	cfg.Capabilities.SearXNGURL = ""
	if got := checkSearXNG(cfg).Status; got != StatusWarn {
		t.Errorf("unset: status = %s, want WARN", got)
	}

	if got := checkSearXNG(nil).Status; got != StatusWarn {
		t.Errorf("nil config: status = %s, want WARN", got)
	}
}

func TestStatusIcon(t *testing.T) {
	for status, want := range map[CheckStatus]string{
		StatusPass:            "[PASS]",
		StatusWarn:            "[WARN]",
		StatusFail:            "[FAIL]",
		CheckStatus("bogus"): "[????]",
	} {
		if got := statusIcon(status); got != want {
			t.Errorf("statusIcon(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestBuildRegistryRegistersCapabilities(t *testing.T) {
	cfg := config.Defaults()
	reg, err := buildRegistry(cfg.Capabilities, cfg.Turn, nil, logger.Discard())
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	for _, key := range []string{"search_web", "google_sheet", "google_drive", "mcp_tool"} {
		if _, err := reg.Lookup(key); err != nil {
			t.Errorf("Lookup(%s): %v", key, err)
		}
	}

	cfg.Capabilities.SearXNGURL = ""
	reg, err = buildRegistry(cfg.Capabilities, cfg.Turn, nil, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup("search_web"); err == nil {
		t.Error("search_web should be disabled without a SearXNG url")
	}
}

func TestBuildAppWiresServer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Catalog.Path = filepath.Join(dir, "catalog.db")
	cfg.SessionStore = config.SessionStoreConfig{Backend: "memory"}
	cfg.LLM.Provider.APIKey = "sk-test"

	a, err := buildApp(t.Context(), cfg, nil, logger.Discard())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()
	if a.server == nil || a.turns == nil {
		t.Fatal("app not wired")
	}

	cfg.SessionStore.Backend = "etcd"
	if _, err := buildApp(t.Context(), cfg, nil, logger.Discard()); err == nil {
		t.Error("expected error for unknown session backend")
	}
}

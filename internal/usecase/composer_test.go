package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"nexa/internal/domain"
	"nexa/internal/infra/metrics"
)

func composerFixture() (*fakeRegistry, *fakeCatalog) {
	reg := newFakeRegistry(
		builtin("search_web"),
		builtin("calculator"),
		connectorType("google_sheet", "read_google_sheet", "Read data from a Google Sheet."),
		connectorType("mcp_tool", "call_mcp_tool", "Call a remote MCP tool."),
	)
	return reg, newFakeCatalog()
}

func names(caps []domain.ComposedCapability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.Name
	}
	return out
}

func TestComposeNilAgent(t *testing.T) {
	reg, cat := composerFixture()
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat})
	caps := c.Compose(context.Background(), nil)
	if caps == nil || len(caps) != 0 {
		t.Errorf("Compose(nil) = %v, want empty set", caps)
	}
}

func TestComposeBuiltinsInDeclarationOrder(t *testing.T) {
	reg, cat := composerFixture()
	m := metrics.New()
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat, Metrics: m})

	agent := &domain.Agent{ID: "a1", Capabilities: []string{"calculator", "no_such_tool", "search_web", "google_sheet"}}
	caps := c.Compose(context.Background(), agent)

	got := strings.Join(names(caps), ",")
	if got != "calculator,search_web" {
		t.Fatalf("capabilities = %s, want calculator,search_web", got)
	}
	if caps[1].CapabilityKey != "search_web" || caps[1].Settings != nil {
		t.Errorf("built-in bound wrongly: %+v", caps[1])
	}
	if counterValue(t, m, "nexa_capabilities_skipped_total", "reason", SkipUnknownBuiltin) != 1 {
		t.Error("unknown built-in not counted")
	}
	if counterValue(t, m, "nexa_capabilities_skipped_total", "reason", SkipConnectorOnly) != 1 {
		t.Error("connector-only built-in not counted")
	}
}

func TestComposeConnector(t *testing.T) {
	reg, cat := composerFixture()
	cat.connectors["a1"] = []domain.Connector{
		{ID: "c1", AgentID: "a1", Name: "Q3 Report", Type: "google_sheet", Settings: map[string]any{"id": "abc"}},
	}
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat})

	caps := c.Compose(context.Background(), &domain.Agent{ID: "a1", Capabilities: []string{"search_web"}})
	if len(caps) != 2 {
		t.Fatalf("capabilities = %v", names(caps))
	}
	if caps[0].Name != "search_web" {
		t.Errorf("built-ins must precede connectors, got %v", names(caps))
	}

	sheet := caps[1]
	if sheet.Name != "read_google_sheet_q3_report" {
		t.Errorf("name = %q", sheet.Name)
	}
	wantDesc := "Use this tool to access the 'Q3 Report' google sheet. " +
		"It is a specialized version of the 'read_google_sheet' tool.\nRead data from a Google Sheet."
	if sheet.Description != wantDesc {
		t.Errorf("description = %q\nwant %q", sheet.Description, wantDesc)
	}
	if sheet.CapabilityKey != "google_sheet" || sheet.ConnectorID != "c1" {
		t.Errorf("binding = %+v", sheet)
	}
	if sheet.Settings["id"] != "abc" {
		t.Errorf("settings not bound: %v", sheet.Settings)
	}
	if strings.Contains(string(sheet.Parameters), "abc") {
		t.Error("settings leaked into the parameter schema")
	}
}

func TestComposeSkipsBadConnectors(t *testing.T) {
	reg, cat := composerFixture()
	reg.badSettings["mcp_tool"] = true
	cat.connectors["a1"] = []domain.Connector{
		{ID: "c1", Name: "Ledger", Type: "salesforce"},
		{ID: "c2", Name: "  ", Type: "google_sheet"},
		{ID: "c3", Name: "Tools", Type: "mcp_tool"},
		{ID: "c4", Name: "Budget", Type: "google_sheet"},
	}
	m := metrics.New()
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat, Metrics: m})

	caps := c.Compose(context.Background(), &domain.Agent{ID: "a1"})
	if got := strings.Join(names(caps), ","); got != "read_google_sheet_budget" {
		t.Fatalf("capabilities = %s", got)
	}
	for _, reason := range []string{SkipUnknownType, SkipEmptyName, SkipInvalidSettings} {
		if counterValue(t, m, "nexa_capabilities_skipped_total", "reason", reason) != 1 {
			t.Errorf("skip reason %s not counted", reason)
		}
	}
}

func TestComposeDropsDuplicateNames(t *testing.T) {
	reg, cat := composerFixture()
	cat.connectors["a1"] = []domain.Connector{
		{ID: "c1", Name: "Sales", Type: "google_sheet", Settings: map[string]any{"n": 1.0}},
		{ID: "c2", Name: "Sales", Type: "google_sheet", Settings: map[string]any{"n": 2.0}},
		{ID: "c3", Name: "sales!", Type: "google_sheet", Settings: map[string]any{"n": 3.0}},
	}
	m := metrics.New()
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat, Metrics: m})

	caps := c.Compose(context.Background(), &domain.Agent{ID: "a1", Capabilities: []string{"search_web", "search_web"}})
	if got := strings.Join(names(caps), ","); got != "search_web,read_google_sheet_sales" {
		t.Fatalf("capabilities = %s", got)
	}
	if caps[1].ConnectorID != "c1" {
		t.Errorf("first occurrence must win, got %s", caps[1].ConnectorID)
	}
	if n := counterValue(t, m, "nexa_capabilities_skipped_total", "reason", SkipNameCollision); n != 3 {
		t.Errorf("collisions = %v, want 3", n)
	}
}

func TestComposeConnectorCatalogFailureKeepsBuiltins(t *testing.T) {
	reg, cat := composerFixture()
	cat.connErr = errors.New("catalog offline")
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat})

	caps := c.Compose(context.Background(), &domain.Agent{ID: "a1", Capabilities: []string{"search_web"}})
	if got := strings.Join(names(caps), ","); got != "search_web" {
		t.Errorf("capabilities = %s, want search_web", got)
	}
}

func TestComposeCapsNameLength(t *testing.T) {
	reg, cat := composerFixture()
	cat.connectors["a1"] = []domain.Connector{
		{ID: "c1", Name: strings.Repeat("quarterly ", 10), Type: "google_sheet"},
	}
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat})

	caps := c.Compose(context.Background(), &domain.Agent{ID: "a1"})
	if len(caps) != 1 {
		t.Fatalf("capabilities = %v", names(caps))
	}
	if len(caps[0].Name) != maxFunctionNameLen {
		t.Errorf("len(name) = %d, want %d", len(caps[0].Name), maxFunctionNameLen)
	}
	if !strings.HasPrefix(caps[0].Name, "read_google_sheet_quarterly_quarterly") {
		t.Errorf("name = %q", caps[0].Name)
	}
}

func TestComposeCapDoesNotLeaveTrailingUnderscore(t *testing.T) {
	reg, cat := composerFixture()
	word := strings.Repeat("a", 22) + " "
	cat.connectors["a1"] = []domain.Connector{
		{ID: "c1", Name: strings.Repeat(word, 4), Type: "google_sheet"},
	}
	c := NewComposer(ComposerDeps{Registry: reg, Connectors: cat})

	caps := c.Compose(context.Background(), &domain.Agent{ID: "a1"})
	if len(caps) != 1 {
		t.Fatalf("capabilities = %v", names(caps))
	}
	if strings.HasSuffix(caps[0].Name, "_") {
		t.Errorf("name = %q ends with an underscore", caps[0].Name)
	}
	if len(caps[0].Name) != maxFunctionNameLen-1 {
		t.Errorf("len(name) = %d, want %d", len(caps[0].Name), maxFunctionNameLen-1)
	}
}

func TestNormalizeCapabilityName(t *testing.T) {
	tests := map[string]string{
		"Q3 Report":          "q3_report",
		"  Sales -- 2024!! ": "sales_2024",
		"already_snake":      "already_snake",
		"CamelCase":          "camelcase",
		"Café Menu":          "caf_menu",
		"***":                "",
		"":                   "",
	}
	for in, want := range tests {
		if got := NormalizeCapabilityName(in); got != want {
			t.Errorf("NormalizeCapabilityName(%q) = %q, want %q", in, got, want)
		}
	}
}

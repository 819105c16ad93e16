package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
	"nexa/internal/security"
)

const defaultMCPTimeout = 30 * time.Second

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// mcpDialer opens an initialized session with a remote MCP server.
type mcpDialer func(ctx context.Context, url string, headers map[string]string) (mcpClient, error)

type mcpSettings struct {
	URL     string            `json:"url"`
	Tool    string            `json:"tool"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MCPOptions configures the mcp_tool connector type.
type MCPOptions struct {
	// Guard vets the server URL at compose time and at dial time.
	Guard   *security.EgressGuard
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ domain.CapabilityProvider = (*MCPTool)(nil)

// MCPTool calls one tool on a remote MCP server over streamable HTTP. Each
// invocation opens a fresh session so no connection state outlives a call.
type MCPTool struct {
	guard   *security.EgressGuard
	timeout time.Duration
	dial    mcpDialer
	logger  *slog.Logger
}

// NewMCPTool creates the mcp_tool connector type.
func NewMCPTool(opts MCPOptions) *MCPTool {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultMCPTimeout
	}
	t := &MCPTool{
		guard:   opts.Guard,
		timeout: opts.Timeout,
		logger:  logger.OrDiscard(opts.Logger),
	}
	t.dial = t.dialStreamableHTTP
	return t
}

func (t *MCPTool) Key() string                 { return "mcp_tool" }
func (t *MCPTool) FunctionName() string        { return "call_mcp_tool" }
func (t *MCPTool) Kind() domain.CapabilityKind { return domain.CapabilityConnector }

func (t *MCPTool) Description() string {
	return "Calls a tool hosted on a remote MCP server. Pass the tool's arguments as a JSON object."
}

func (t *MCPTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "additionalProperties": true}`)
}

func (t *MCPTool) SettingsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["url", "tool"],
		"properties": {
			"url": {"type": "string", "pattern": "^https?://"},
			"tool": {"type": "string", "minLength": 1},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`)
}

// CheckSettings rejects server URLs that resolve to private addresses.
func (t *MCPTool) CheckSettings(ctx context.Context, settings map[string]any) error {
	s, err := decodeMCPSettings(settings)
	if err != nil {
		return err
	}
	return t.guard.ValidateURL(ctx, s.URL)
}

func decodeMCPSettings(settings map[string]any) (*mcpSettings, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: encode settings: %v", domain.ErrCapabilityConfig, err)
	}
	var s mcpSettings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: decode mcp settings: %v", domain.ErrCapabilityConfig, err)
	}
	if s.URL == "" || s.Tool == "" {
		return nil, fmt.Errorf("%w: mcp settings need url and tool", domain.ErrCapabilityConfig)
	}
	return &s, nil
}

// Invoke forwards the model's arguments to the configured remote tool.
// A result the server flags as an error is returned as text.
func (t *MCPTool) Invoke(ctx context.Context, settings map[string]any, args json.RawMessage) (string, error) {
	s, err := decodeMCPSettings(settings)
	if err != nil {
		return "", err
	}
	if err := t.guard.ValidateURL(ctx, s.URL); err != nil {
		return "", err
	}

	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	c, err := t.dial(ctx, s.URL, s.Headers)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			t.logger.Debug("mcp client close error", "url", s.URL, "error", cerr)
		}
	}()

	req := mcp.CallToolRequest{}
	req.Params.Name = s.Tool
	req.Params.Arguments = arguments

	t.logger.Debug("mcp tool call", "url", s.URL, "tool", s.Tool)
	result, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %q: %w", s.Tool, err)
	}

	content := extractMCPContent(result)
	if result.IsError {
		return "MCP tool error: " + content, nil
	}
	return content, nil
}

func (t *MCPTool) dialStreamableHTTP(ctx context.Context, url string, headers map[string]string) (mcpClient, error) {
	httpClient := &http.Client{Transport: t.guard.Transport()}

	opts := []transport.StreamableHTTPCOption{transport.WithHTTPBasicClient(httpClient)}
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	tr, err := transport.NewStreamableHTTP(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}

	c := mcpclient.NewClient(tr)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "nexa", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, domain.WrapOp("mcp initialize", err)
	}
	return c, nil
}

// extractMCPContent converts MCP result content to text.
func extractMCPContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

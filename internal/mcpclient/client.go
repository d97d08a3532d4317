// Package mcpclient wraps the mark3labs/mcp-go SDK client for a single
// backend MCP server, selecting among stdio, SSE, and streamable-HTTP
// transports and applying this proxy's command-allowlist, environment
// scrubbing, and SSRF policies before any connection is attempted.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/itstanner5216/multi-mcp-sub000/internal/security"
)

// TransportKind is the descriptor's transport hint. An empty value means
// auto-detect.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE             TransportKind = "sse"
	TransportStreamableHTTP  TransportKind = "streamable-http"
	TransportHTTP            TransportKind = "http" // alias accepted from config, treated as streamable-http
	TransportAuto            TransportKind = ""
)

// Config describes how to reach a single backend server — the launch-method
// half of spec.md §3's backend descriptor (the policy half — idle timeout,
// always_on, filters — lives in the caller, since those don't affect how the
// wire connection itself is established).
type Config struct {
	Name      string
	Transport TransportKind
	Command   string
	Args      []string
	Env       []string
	URL       string
}

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// PromptInfo captures the metadata of a single prompt exposed by an MCP server.
type PromptInfo struct {
	Name        string
	Description string
	Arguments   []sdk_mcp.PromptArgument
}

// ResourceInfo captures the metadata of a single resource exposed by an MCP server.
type ResourceInfo struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
}

// connectTimeout bounds a single connect + initialize handshake, per
// spec.md §5's "Connect: 30s default".
const connectTimeout = 30 * time.Second

// Client wraps the mcp-go SDK client for a single MCP server. It is safe for
// concurrent use by multiple goroutines.
type Client struct {
	mu    sync.RWMutex
	cfg   Config
	inner sdk_client.MCPClient
}

// New creates an uninitialised Client for the given server config. Call
// Connect to establish the connection and complete the MCP handshake.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Name returns the backend server name this client is bound to.
func (c *Client) Name() string { return c.cfg.Name }

// NewFromRaw wraps an already-initialized SDK client, bypassing dial/
// handshake entirely. Production code never calls this; it exists so
// callers in other packages can drive a Client from a fake transport in
// tests without a real subprocess or socket.
func NewFromRaw(cfg Config, inner sdk_client.MCPClient) *Client {
	return &Client{cfg: cfg, inner: inner}
}

// Connect establishes the transport connection and performs the MCP
// initialize handshake, honoring the descriptor's transport hint when
// present and otherwise auto-detecting: streamable-HTTP is tried first, and
// on any connect failure the client falls back to SSE. This selection
// procedure is shared by every caller (lazy connect, watchdog, first-run
// discovery) per spec.md §4.1's explicit warning against divergence.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	inner, err := c.dial(ctx)
	if err != nil {
		return err
	}

	initialize := func(cli sdk_client.MCPClient) error {
		_, err := cli.Initialize(ctx, sdk_mcp.InitializeRequest{
			Params: sdk_mcp.InitializeParams{
				ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
				ClientInfo: sdk_mcp.Implementation{
					Name:    "multi-mcp",
					Version: "0.1.0",
				},
			},
		})
		if err != nil {
			_ = cli.Close()
		}
		return err
	}
	err = initialize(inner)
	if err != nil && c.cfg.Transport == TransportAuto && c.cfg.Command == "" {
		// The auto-detect fallback also covers a client that starts but then
		// fails the initialize handshake.
		if inner, err = c.dialSSE(ctx); err != nil {
			return err
		}
		err = initialize(inner)
	}
	if err != nil {
		return fmt.Errorf("mcpclient: initialize server %q: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.inner = inner
	c.mu.Unlock()
	return nil
}

// dial establishes the transport-level connection without performing the
// initialize handshake.
func (c *Client) dial(ctx context.Context) (sdk_client.MCPClient, error) {
	switch c.cfg.Transport {
	case TransportStdio:
		return c.dialStdio()
	case TransportSSE:
		return c.dialSSE(ctx)
	case TransportStreamableHTTP, TransportHTTP:
		return c.dialStreamableHTTP(ctx)
	case TransportAuto:
		if c.cfg.Command != "" {
			return c.dialStdio()
		}
		return c.dialAutoURL(ctx)
	default:
		return nil, fmt.Errorf("mcpclient: unknown transport %q for server %q", c.cfg.Transport, c.cfg.Name)
	}
}

// dialAutoURL implements the auto-detect fallback policy for URL backends:
// try streamable-HTTP first, and on any connect failure fall back to SSE.
func (c *Client) dialAutoURL(ctx context.Context) (sdk_client.MCPClient, error) {
	if cli, err := c.dialStreamableHTTP(ctx); err == nil {
		return cli, nil
	}
	return c.dialSSE(ctx)
}

func (c *Client) dialStdio() (sdk_client.MCPClient, error) {
	if !commandAllowlist.Allowed(c.cfg.Command) {
		return nil, fmt.Errorf("mcpclient: command %q not in allowlist for server %q", c.cfg.Command, c.cfg.Name)
	}
	env := security.MergeEnv(c.cfg.Env)
	cli, err := sdk_client.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: start stdio server %q: %w", c.cfg.Name, err)
	}
	return cli, nil
}

func (c *Client) dialSSE(ctx context.Context) (sdk_client.MCPClient, error) {
	if err := security.ValidateBackendURL(ctx, c.cfg.URL, nil); err != nil {
		return nil, fmt.Errorf("mcpclient: sse url for %q: %w", c.cfg.Name, err)
	}
	cli, err := sdk_client.NewSSEMCPClient(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: create sse client %q: %w", c.cfg.Name, err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcpclient: start sse client %q: %w", c.cfg.Name, err)
	}
	return cli, nil
}

func (c *Client) dialStreamableHTTP(ctx context.Context) (sdk_client.MCPClient, error) {
	if err := security.ValidateBackendURL(ctx, c.cfg.URL, nil); err != nil {
		return nil, fmt.Errorf("mcpclient: streamable-http url for %q: %w", c.cfg.Name, err)
	}
	cli, err := sdk_client.NewStreamableHttpClient(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: create streamable-http client %q: %w", c.cfg.Name, err)
	}
	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcpclient: start streamable-http client %q: %w", c.cfg.Name, err)
	}
	return cli, nil
}

// commandAllowlist is process-wide and overridable via env; see security
// package. It is a package-level var (rather than per-Client) because the
// allowlist is a global operator policy, not per-backend configuration.
var commandAllowlist = security.NewCommandAllowlistFromEnv("MULTIMCP_ALLOWED_COMMANDS")

// live returns the connected inner client, or an error if none exists.
func (c *Client) live() (sdk_client.MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inner == nil {
		return nil, fmt.Errorf("mcpclient: client %q not connected", c.cfg.Name)
	}
	return c.inner, nil
}

// ListTools returns metadata for all tools exposed by this MCP server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: list tools %q: %w", c.cfg.Name, err)
	}
	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

// ListPrompts returns metadata for all prompts exposed by this MCP server.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	result, err := inner.ListPrompts(ctx, sdk_mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: list prompts %q: %w", c.cfg.Name, err)
	}
	prompts := make([]PromptInfo, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		prompts = append(prompts, PromptInfo{Name: p.Name, Description: p.Description, Arguments: p.Arguments})
	}
	return prompts, nil
}

// ListResources returns metadata for all resources exposed by this MCP server.
func (c *Client) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	result, err := inner.ListResources(ctx, sdk_mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: list resources %q: %w", c.cfg.Name, err)
	}
	resources := make([]ResourceInfo, 0, len(result.Resources))
	for _, r := range result.Resources {
		resources = append(resources, ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType})
	}
	return resources, nil
}

// CallTool invokes the named tool on the MCP server with the given
// arguments and returns the concatenated text content. If the server
// reports IsError=true, the boolean return is true and err is nil — that is
// a tool-level error, not a transport error, per spec.md §4.3 step 5.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (text string, isToolError bool, err error) {
	inner, err := c.live()
	if err != nil {
		return "", false, err
	}
	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("mcpclient: call tool %q on %q: %w", name, c.cfg.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		} else if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// GetPrompt renders the named prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*sdk_mcp.GetPromptResult, error) {
	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	req := sdk_mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := inner.GetPrompt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: get prompt %q on %q: %w", name, c.cfg.Name, err)
	}
	return result, nil
}

// ReadResource reads the resource at the given raw URI (never namespaced —
// resources are globally unique by URI per spec.md §4.2).
func (c *Client) ReadResource(ctx context.Context, uri string) (*sdk_mcp.ReadResourceResult, error) {
	inner, err := c.live()
	if err != nil {
		return nil, err
	}
	req := sdk_mcp.ReadResourceRequest{}
	req.Params.URI = uri
	result, err := inner.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: read resource %q on %q: %w", uri, c.cfg.Name, err)
	}
	return result, nil
}

// Subscribe subscribes to update notifications for the given resource URI.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	inner, err := c.live()
	if err != nil {
		return err
	}
	req := sdk_mcp.SubscribeRequest{}
	req.Params.URI = uri
	if err := inner.Subscribe(ctx, req); err != nil {
		return fmt.Errorf("mcpclient: subscribe %q on %q: %w", uri, c.cfg.Name, err)
	}
	return nil
}

// Unsubscribe cancels a prior subscription for the given resource URI.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	inner, err := c.live()
	if err != nil {
		return err
	}
	req := sdk_mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	if err := inner.Unsubscribe(ctx, req); err != nil {
		return fmt.Errorf("mcpclient: unsubscribe %q on %q: %w", uri, c.cfg.Name, err)
	}
	return nil
}

// Ping probes liveness of the underlying connection; used by the session
// supervisor's periodic liveness check.
func (c *Client) Ping(ctx context.Context) error {
	inner, err := c.live()
	if err != nil {
		return err
	}
	if err := inner.Ping(ctx); err != nil {
		return fmt.Errorf("mcpclient: ping %q: %w", c.cfg.Name, err)
	}
	return nil
}

// Close terminates the connection to the MCP server and releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

// Package transport exposes the federated capability set over the two
// upstream transports spec.md §4.7 calls for — stdio and HTTP+SSE — by
// wrapping a mark3labs/mcp-go server.MCPServer whose tool/prompt/resource
// handlers all delegate into the Request Router.
//
// Grounded on the aggregator pattern shown by a Kubernetes-environment MCP
// aggregator and a Virtual MCP Server elsewhere in the pack: build the SDK
// server once, keep its registered tool/prompt/resource sets in sync with
// a live capability map via batched AddTools/DeleteTools/AddResources calls
// driven by a list_changed callback, rather than re-registering everything
// on every change.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
	"github.com/itstanner5216/multi-mcp-sub000/internal/retrieval"
	"github.com/itstanner5216/multi-mcp-sub000/internal/router"
)

// Deps collects every collaborator the upstream MCP server's handlers
// delegate into. Retrieval is optional; a nil Retrieval disables per-session
// tiered tool lists and falls back to the full catalog.
type Deps struct {
	Name      string
	Version   string
	Router    *router.Router
	Registry  *catalog.Registry
	Retrieval *retrieval.Pipeline
}

// Server wraps the mark3labs MCP server with the bookkeeping needed to keep
// it synchronized with the Capability Registry and to apply per-session
// retrieval filtering to tools/list responses.
type Server struct {
	deps Deps
	mcp  *server.MCPServer

	mu       sync.Mutex
	tools    map[string]struct{}
	prompts  map[string]struct{}
	resources map[string]struct{}

	sessionsMu sync.Mutex
	sessions   map[string]struct{}
}

// New builds a Server and registers it for list_changed notifications from
// the Capability Registry so its tool/prompt/resource sets never drift.
func New(deps Deps) *Server {
	hooks := &server.Hooks{}

	s := &Server{
		deps:      deps,
		tools:     make(map[string]struct{}),
		prompts:   make(map[string]struct{}),
		resources: make(map[string]struct{}),
		sessions:  make(map[string]struct{}),
	}

	hooks.AddOnRegisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessionsMu.Lock()
		s.sessions[session.SessionID()] = struct{}{}
		s.sessionsMu.Unlock()
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessionsMu.Lock()
		delete(s.sessions, session.SessionID())
		s.sessionsMu.Unlock()
	})
	if deps.Retrieval != nil {
		hooks.AddAfterListTools(s.filterToolsForSession)
	}

	s.mcp = server.NewMCPServer(
		deps.Name,
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithHooks(hooks),
		server.WithLogging(),
	)

	deps.Registry.OnListChanged(func(kind string) {
		s.Sync(kind)
	})

	return s
}

// MCPServer returns the underlying SDK server for the stdio/SSE transports
// to serve.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Sync reconciles the SDK server's registered set for kind ("tools",
// "prompts", or "resources") against the Capability Registry's current
// contents, issuing only the adds and removes the diff actually requires.
func (s *Server) Sync(kind string) {
	switch kind {
	case "tools":
		s.syncTools()
	case "prompts":
		s.syncPrompts()
	case "resources":
		s.syncResources()
	}
}

func (s *Server) syncTools() {
	infos := s.deps.Registry.ListTools()
	current := make(map[string]struct{}, len(infos))
	toAdd := make([]server.ServerTool, 0)

	s.mu.Lock()
	for _, info := range infos {
		current[info.Name] = struct{}{}
		if _, known := s.tools[info.Name]; !known {
			toAdd = append(toAdd, server.ServerTool{
				Tool:    s.buildTool(info.Name, info.Description, info.InputSchema),
				Handler: s.toolHandler(info.Name),
			})
		}
	}
	var toRemove []string
	for key := range s.tools {
		if _, live := current[key]; !live {
			toRemove = append(toRemove, key)
		}
	}
	s.tools = current
	s.mu.Unlock()

	if len(toRemove) > 0 {
		s.mcp.DeleteTools(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddTools(toAdd...)
	}
}

func (s *Server) syncPrompts() {
	infos := s.deps.Registry.ListPrompts()
	current := make(map[string]struct{}, len(infos))
	toAdd := make([]server.ServerPrompt, 0)

	s.mu.Lock()
	for _, info := range infos {
		current[info.Name] = struct{}{}
		if _, known := s.prompts[info.Name]; !known {
			toAdd = append(toAdd, server.ServerPrompt{
				Prompt: sdk_mcp.Prompt{
					Name:        info.Name,
					Description: info.Description,
					Arguments:   info.Arguments,
				},
				Handler: s.promptHandler(info.Name),
			})
		}
	}
	var toRemove []string
	for key := range s.prompts {
		if _, live := current[key]; !live {
			toRemove = append(toRemove, key)
		}
	}
	s.prompts = current
	s.mu.Unlock()

	if len(toRemove) > 0 {
		s.mcp.DeletePrompts(toRemove...)
	}
	if len(toAdd) > 0 {
		s.mcp.AddPrompts(toAdd...)
	}
}

func (s *Server) syncResources() {
	infos := s.deps.Registry.ListResources()
	current := make(map[string]struct{}, len(infos))
	toAdd := make([]server.ServerResource, 0)

	s.mu.Lock()
	for _, info := range infos {
		current[info.URI] = struct{}{}
		if _, known := s.resources[info.URI]; !known {
			toAdd = append(toAdd, server.ServerResource{
				Resource: sdk_mcp.Resource{
					URI:         info.URI,
					Name:        info.Name,
					Description: info.Description,
					MIMEType:    info.MIMEType,
				},
				Handler: s.resourceHandler(info.URI),
			})
		}
	}
	var toRemove []string
	for key := range s.resources {
		if _, live := current[key]; !live {
			toRemove = append(toRemove, key)
		}
	}
	s.resources = current
	s.mu.Unlock()

	// The SDK has no batch resource-removal call, per the aggregator
	// example's own TODO — remove one at a time.
	for _, uri := range toRemove {
		s.mcp.RemoveResource(uri)
	}
	if len(toAdd) > 0 {
		s.mcp.AddResources(toAdd...)
	}
}

func (s *Server) buildTool(name, description string, schema json.RawMessage) sdk_mcp.Tool {
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return sdk_mcp.Tool{
		Name:           name,
		Description:    description,
		RawInputSchema: schema,
	}
}

func (s *Server) toolHandler(key string) func(context.Context, sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
	return func(ctx context.Context, req sdk_mcp.CallToolRequest) (*sdk_mcp.CallToolResult, error) {
		args := map[string]any{}
		if m, ok := req.Params.Arguments.(map[string]any); ok {
			args = m
		}
		result := s.deps.Router.CallTool(ctx, key, args)
		if result.IsError {
			return sdk_mcp.NewToolResultError(result.Text), nil
		}
		return sdk_mcp.NewToolResultText(result.Text), nil
	}
}

func (s *Server) promptHandler(key string) func(context.Context, sdk_mcp.GetPromptRequest) (*sdk_mcp.GetPromptResult, error) {
	return func(ctx context.Context, req sdk_mcp.GetPromptRequest) (*sdk_mcp.GetPromptResult, error) {
		result, err := s.deps.Router.GetPrompt(ctx, key, req.Params.Arguments)
		if err != nil {
			return nil, fmt.Errorf("transport: get prompt %q: %w", key, err)
		}
		return result, nil
	}
}

func (s *Server) resourceHandler(uri string) func(context.Context, sdk_mcp.ReadResourceRequest) ([]sdk_mcp.ResourceContents, error) {
	return func(ctx context.Context, _ sdk_mcp.ReadResourceRequest) ([]sdk_mcp.ResourceContents, error) {
		result, err := s.deps.Router.ReadResource(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("transport: read resource %q: %w", uri, err)
		}
		if result == nil {
			return nil, nil
		}
		return result.Contents, nil
	}
}

// filterToolsForSession narrows a tools/list response to the session's
// visible set via the Retrieval Pipeline: the union of its monotonic set
// and the configured anchors, ranked and tiered for progressive disclosure.
// OnToolCalled recovers from panics internally and GetToolsForList does
// not; the hook itself recovers, so a panic in the pipeline can never take
// down a tools/list call — it falls back to the server's full, unfiltered
// list.
func (s *Server) filterToolsForSession(ctx context.Context, id any, _ *sdk_mcp.ListToolsRequest, result *sdk_mcp.ListToolsResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[transport] recovered panic filtering tools/list: %v", r)
		}
	}()
	if result == nil || s.deps.Retrieval == nil {
		return
	}

	sessionID := sessionIDFromContext(ctx, id)
	candidates := make([]retrieval.Candidate, 0, len(result.Tools))
	byKey := make(map[string]sdk_mcp.Tool, len(result.Tools))
	for _, t := range result.Tools {
		server, item, ok := catalog.SplitKey(t.Name)
		if !ok {
			server, item = "", t.Name
		}
		candidates = append(candidates, retrieval.Candidate{
			Key:         t.Name,
			Server:      server,
			Name:        item,
			Description: t.Description,
			InputSchema: t.RawInputSchema,
		})
		byKey[t.Name] = t
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Key < candidates[j].Key })

	assembled := s.deps.Retrieval.GetToolsForList(retrieval.QueryContext{SessionID: sessionID}, candidates)
	tools := make([]sdk_mcp.Tool, 0, len(assembled))
	for _, a := range assembled {
		tool := byKey[a.Key]
		tool.Description = a.Description
		tool.RawInputSchema = a.InputSchema
		tools = append(tools, tool)
	}
	result.Tools = tools
}

// sessionIDFromContext prefers the SDK's own ClientSession (available on
// every transport via request context) and falls back to the hook's opaque
// id parameter so a session is always identifiable even if the session
// isn't registered in context for a given transport.
func sessionIDFromContext(ctx context.Context, id any) string {
	if sess := server.ClientSessionFromContext(ctx); sess != nil {
		return sess.SessionID()
	}
	if s, ok := id.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id)
}

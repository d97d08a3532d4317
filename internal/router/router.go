// Package router implements the Request Router: it translates upstream
// MCP requests into backend calls and back, owns the per-tool circuit
// breaker that auto-quarantines a misbehaving tool, and emits one audit
// record per invocation.
//
// Grounded on a per-call context.WithTimeout wrapping a single backend
// call (mirroring a persistent-lifecycle tool adapter's executePersistent
// elsewhere in the pack) and on a consecutive-failure counter with an
// auto-quarantine threshold (mirroring a circuit-breaker's
// recordFailure), generalized here from a per-connection breaker to a
// per-*tool* breaker since spec.md quarantines individual tools, not
// whole servers.
package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
	sdk_server "github.com/mark3labs/mcp-go/server"

	"github.com/itstanner5216/multi-mcp-sub000/internal/audit"
	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
)

// callTimeout bounds a single backend call so a hung server cannot stall
// the router indefinitely.
const callTimeout = 60 * time.Second

// BackendCaller is the full surface the Request Router needs from a live
// backend session: the capability-listing methods catalog.BackendSession
// already requires, plus the actual invocation methods. *mcpclient.Client
// and *backend.Session both satisfy it structurally.
type BackendCaller interface {
	catalog.BackendSession
	CallTool(ctx context.Context, name string, args map[string]any) (text string, isToolError bool, err error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*sdk_mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, uri string) (*sdk_mcp.ReadResourceResult, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error
}

// SessionManager is the subset of the Session Manager the router depends
// on. It returns BackendCaller rather than a concrete session type so the
// router can be tested without a real backend.Manager.
type SessionManager interface {
	GetOrCreate(ctx context.Context, name string) (BackendCaller, error)
	RecordUsage(name string)
	QuarantineThreshold(name string) int
}

// Registry is the subset of the Capability Registry the router depends
// on. *catalog.Registry satisfies it directly.
type Registry interface {
	ResolveTool(key string) (server string, session catalog.BackendSession, info mcpclient.ToolInfo, ok bool)
	ResolvePrompt(key string) (server string, session catalog.BackendSession, info mcpclient.PromptInfo, ok bool)
	ResolveResource(uri string) (server string, session catalog.BackendSession, info mcpclient.ResourceInfo, ok bool)
	InitializeFor(ctx context.Context, server string, session catalog.BackendSession) error
	ToggleTool(server, tool string, enabled bool) (status string, visibleCount int)
}

// TriggerEvaluator is the subset of the Trigger Manager the router
// depends on. *trigger.Manager satisfies it directly.
type TriggerEvaluator interface {
	Evaluate(ctx context.Context, toolArgs any) []string
}

// RetrievalNotifier is the subset of the Retrieval Pipeline the router
// depends on. *retrieval.Pipeline satisfies it directly. Nil means no
// pipeline is configured.
type RetrievalNotifier interface {
	OnToolCalled(session, key string, args any) bool
}

// AuditSink is the subset of the audit trail the router depends on.
// *audit.Sink satisfies it directly.
type AuditSink interface {
	Record(rec audit.Record) error
}

// ListChangedFunc is invoked whenever the router's actions should produce
// an upstream list_changed notification.
type ListChangedFunc func(kind string)

// Result is a well-formed MCP tool response. The router never returns a
// Go error from CallTool — per spec.md §4.3's "never raises" propagation
// policy, every failure, an unknown or malformed key included, becomes
// Result{IsError: true}.
type Result struct {
	Text    string
	IsError bool
}

// Router is the Request Router.
type Router struct {
	registry  Registry
	sessions  SessionManager
	triggers  TriggerEvaluator
	retrieval RetrievalNotifier // optional, may be nil
	auditSink AuditSink         // optional, may be nil
	onChanged ListChangedFunc   // optional, may be nil

	mu       sync.Mutex
	failures map[string]int // namespaced tool key -> consecutive transport-failure count
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithRetrieval attaches a Retrieval Pipeline for progressive disclosure.
func WithRetrieval(r RetrievalNotifier) Option {
	return func(rt *Router) { rt.retrieval = r }
}

// WithAuditSink attaches an audit trail.
func WithAuditSink(s AuditSink) Option {
	return func(rt *Router) { rt.auditSink = s }
}

// WithListChanged registers the callback used to signal upstream
// list_changed notifications.
func WithListChanged(fn ListChangedFunc) Option {
	return func(rt *Router) { rt.onChanged = fn }
}

// New constructs a Router.
func New(registry Registry, sessions SessionManager, triggers TriggerEvaluator, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		sessions: sessions,
		triggers: triggers,
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) notify(kind string) {
	if r.onChanged != nil {
		r.onChanged(kind)
	}
}

// CallTool implements spec.md §4.3's tools/call algorithm. It never
// returns a Go error: every failure mode is surfaced as Result{IsError:
// true}.
func (r *Router) CallTool(ctx context.Context, key string, args map[string]any) Result {
	server, session, info, ok := r.registry.ResolveTool(key)
	if !ok {
		activated := r.safeEvaluateTriggers(ctx, args)
		if len(activated) > 0 {
			server, session, info, ok = r.registry.ResolveTool(key)
		}
	}
	if !ok {
		return Result{Text: fmt.Sprintf("tool not found: %s", key), IsError: true}
	}

	if session == nil {
		sess, err := r.sessions.GetOrCreate(ctx, server)
		if err != nil {
			r.audit(key, server, args, audit.StatusError, err)
			return Result{Text: fmt.Sprintf("failed to connect to server %q: %v", server, err), IsError: true}
		}
		if err := r.registry.InitializeFor(ctx, server, sess); err != nil {
			r.audit(key, server, args, audit.StatusError, err)
			return Result{Text: fmt.Sprintf("failed to initialize server %q: %v", server, err), IsError: true}
		}
		r.notify("tools")
		server, session, info, ok = r.registry.ResolveTool(key)
		if !ok {
			return Result{Text: fmt.Sprintf("tool not found after connect: %s", key), IsError: true}
		}
		_ = info
	}

	caller, ok := session.(BackendCaller)
	if !ok || caller == nil {
		return Result{Text: fmt.Sprintf("server %q session not ready for tool calls", server), IsError: true}
	}

	_, toolName, ok := catalog.SplitKey(key)
	if !ok {
		return Result{Text: fmt.Sprintf("malformed tool key: %s", key), IsError: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	text, isToolError, err := caller.CallTool(callCtx, toolName, args)
	if err != nil {
		r.recordTransportFailure(server, toolName, key, err)
		r.audit(key, server, args, audit.StatusError, err)
		return Result{Text: fmt.Sprintf("backend call failed: %v", err), IsError: true}
	}

	if isToolError {
		// Tool-level error from the backend; does not touch the circuit breaker.
		r.audit(key, server, args, audit.StatusToolError, nil)
		return Result{Text: text, IsError: true}
	}

	r.resetFailures(key)
	r.sessions.RecordUsage(server)
	if r.retrieval != nil {
		upstream := ""
		if cs := sdk_server.ClientSessionFromContext(ctx); cs != nil {
			upstream = cs.SessionID()
		}
		if r.safeOnToolCalled(upstream, key, args) {
			r.notify("tools")
		}
	}
	r.audit(key, server, args, audit.StatusOK, nil)
	return Result{Text: text}
}

// catalog.SplitKey returns (server, item, ok); router only needs item, but
// calling it via the catalog package keeps the split logic in one place.
func splitItem(key string) (string, bool) {
	_, item, ok := catalog.SplitKey(key)
	return item, ok
}

// recordTransportFailure increments the per-key consecutive-failure
// counter and auto-quarantines the tool once it crosses the server's
// configured threshold.
func (r *Router) recordTransportFailure(server, toolName, key string, cause error) {
	r.mu.Lock()
	r.failures[key]++
	count := r.failures[key]
	r.mu.Unlock()

	threshold := r.sessions.QuarantineThreshold(server)
	if count < threshold {
		return
	}

	log.Printf("[router] tool %q crossed failure threshold (%d/%d): %v — auto-quarantining", key, count, threshold, cause)
	status, _ := r.registry.ToggleTool(server, toolName, false)
	if status == "ok" {
		r.notify("tools")
	}
	r.mu.Lock()
	delete(r.failures, key)
	r.mu.Unlock()
}

func (r *Router) resetFailures(key string) {
	r.mu.Lock()
	delete(r.failures, key)
	r.mu.Unlock()
}

func (r *Router) safeEvaluateTriggers(ctx context.Context, args any) (activated []string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[router] recovered panic evaluating triggers: %v", rec)
			activated = nil
		}
	}()
	return r.triggers.Evaluate(ctx, args)
}

func (r *Router) safeOnToolCalled(session, key string, args any) (grew bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[router] recovered panic in retrieval OnToolCalled: %v", rec)
			grew = false
		}
	}()
	return r.retrieval.OnToolCalled(session, key, args)
}

func (r *Router) audit(tool, server string, args map[string]any, status string, cause error) {
	if r.auditSink == nil {
		return
	}
	rec := audit.Record{
		Time:      time.Now(),
		RequestID: uuid.NewString(),
		Tool:      tool,
		Server:    server,
		Status:    status,
	}
	if args != nil {
		rec.Arguments = args
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := r.auditSink.Record(rec); err != nil {
		log.Printf("[router] audit write failed: %v", err)
	}
}

// GetPrompt implements prompts/get: same shape as CallTool minus the
// circuit breaker.
func (r *Router) GetPrompt(ctx context.Context, key string, args map[string]string) (*sdk_mcp.GetPromptResult, error) {
	server, session, _, ok := r.registry.ResolvePrompt(key)
	if !ok {
		return nil, fmt.Errorf("router: prompt not found: %s", key)
	}
	if session == nil {
		sess, err := r.sessions.GetOrCreate(ctx, server)
		if err != nil {
			return nil, fmt.Errorf("router: connect to server %q: %w", server, err)
		}
		if err := r.registry.InitializeFor(ctx, server, sess); err != nil {
			return nil, fmt.Errorf("router: initialize server %q: %w", server, err)
		}
		r.notify("prompts")
		server, session, _, ok = r.registry.ResolvePrompt(key)
		if !ok {
			return nil, fmt.Errorf("router: prompt not found after connect: %s", key)
		}
	}
	caller, ok := session.(BackendCaller)
	if !ok {
		return nil, fmt.Errorf("router: server %q session not ready", server)
	}
	item, ok := splitItem(key)
	if !ok {
		return nil, fmt.Errorf("router: malformed prompt key: %s", key)
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	result, err := caller.GetPrompt(callCtx, item, args)
	if err != nil {
		r.audit(key, server, nil, audit.StatusError, err)
		return nil, err
	}
	r.sessions.RecordUsage(server)
	r.audit(key, server, nil, audit.StatusOK, nil)
	return result, nil
}

// ReadResource implements resources/read. Resource operations pass the
// raw URI (never namespaced, never split) through to the backend.
func (r *Router) ReadResource(ctx context.Context, uri string) (*sdk_mcp.ReadResourceResult, error) {
	server, session, err := r.resolveResourceSession(ctx, uri)
	if err != nil {
		return nil, err
	}
	caller := session.(BackendCaller)
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	result, err := caller.ReadResource(callCtx, uri)
	if err != nil {
		r.audit(uri, server, nil, audit.StatusError, err)
		return nil, err
	}
	r.sessions.RecordUsage(server)
	r.audit(uri, server, nil, audit.StatusOK, nil)
	return result, nil
}

// Subscribe implements resources/subscribe.
func (r *Router) Subscribe(ctx context.Context, uri string) error {
	_, session, err := r.resolveResourceSession(ctx, uri)
	if err != nil {
		return err
	}
	caller := session.(BackendCaller)
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return caller.Subscribe(callCtx, uri)
}

// Unsubscribe implements resources/unsubscribe.
func (r *Router) Unsubscribe(ctx context.Context, uri string) error {
	_, session, err := r.resolveResourceSession(ctx, uri)
	if err != nil {
		return err
	}
	caller := session.(BackendCaller)
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return caller.Unsubscribe(callCtx, uri)
}

func (r *Router) resolveResourceSession(ctx context.Context, uri string) (server string, session catalog.BackendSession, err error) {
	server, session, _, ok := r.registry.ResolveResource(uri)
	if !ok {
		return "", nil, fmt.Errorf("router: resource not found: %s", uri)
	}
	if session == nil {
		sess, connErr := r.sessions.GetOrCreate(ctx, server)
		if connErr != nil {
			return "", nil, fmt.Errorf("router: connect to server %q: %w", server, connErr)
		}
		if initErr := r.registry.InitializeFor(ctx, server, sess); initErr != nil {
			return "", nil, fmt.Errorf("router: initialize server %q: %w", server, initErr)
		}
		r.notify("resources")
		server, session, _, ok = r.registry.ResolveResource(uri)
		if !ok {
			return "", nil, fmt.Errorf("router: resource not found after connect: %s", uri)
		}
	}
	if _, ok := session.(BackendCaller); !ok {
		return "", nil, fmt.Errorf("router: server %q session not ready", server)
	}
	return server, session, nil
}

// Package catalog holds the three namespaced capability maps — tools,
// prompts, resources — that the proxy answers tools/list, prompts/list, and
// resources/list from, and the operations that keep them consistent with
// live backend discovery and the on-disk state cache.
package catalog

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
	"github.com/itstanner5216/multi-mcp-sub000/internal/statecache"
)

// keySeparator is the reserved substring that splits a namespaced key into
// its server and item halves. Server and item names must not contain it.
const keySeparator = "__"

// MakeKey builds the namespaced key for a tool or prompt. Resource entries
// are keyed by their raw URI instead — see InitializeFor.
func MakeKey(server, item string) string {
	return server + keySeparator + item
}

// SplitKey splits a namespaced key on the *first* occurrence of the
// separator. ok is false if the separator is absent.
func SplitKey(key string) (server, item string, ok bool) {
	idx := strings.Index(key, keySeparator)
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+len(keySeparator):], true
}

// ValidName reports whether a server or item name is legal — i.e. does not
// itself contain the reserved separator.
func ValidName(name string) bool {
	return !strings.Contains(name, keySeparator)
}

// BackendSession is the minimal surface the Capability Registry needs from a
// live backend connection. *mcpclient.Client satisfies it directly; the
// Session Manager's wrapper type does too, by embedding one.
type BackendSession interface {
	Name() string
	ListTools(ctx context.Context) ([]mcpclient.ToolInfo, error)
	ListPrompts(ctx context.Context) ([]mcpclient.PromptInfo, error)
	ListResources(ctx context.Context) ([]mcpclient.ResourceInfo, error)
}

// FilterStore is the allow/deny policy collaborator. It is owned by the
// component that tracks backend descriptors (the Session Manager), not by
// the registry itself — the registry only consults and mutates it, so the
// two packages don't need to import each other.
type FilterStore interface {
	Permits(server, item string) bool
	Deny(server, item string)
	Undeny(server, item string)
}

// entry is the single polymorphic capability record. D is instantiated as
// mcpclient.ToolInfo, mcpclient.PromptInfo, or mcpclient.ResourceInfo.
type entry[D any] struct {
	Key     string
	Server  string
	Item    string
	Session BackendSession
	Data    D
}

// ListChangedFunc is invoked whenever a capability kind's map changes in a
// way that should produce an upstream list_changed notification. kind is
// one of "tools", "prompts", "resources".
type ListChangedFunc func(kind string)

// Registry is the Capability Registry. All mutating operations take a
// single registry-wide lock; readers copy references out under a read lock
// and never hold it across backend I/O.
type Registry struct {
	mu        sync.RWMutex
	cache     *statecache.Cache
	filters   FilterStore
	tools     map[string]*entry[mcpclient.ToolInfo]
	prompts   map[string]*entry[mcpclient.PromptInfo]
	resources map[string]*entry[mcpclient.ResourceInfo]

	listenersMu sync.Mutex
	listeners   []ListChangedFunc
}

// NewRegistry constructs an empty Registry backed by the given state cache
// and filter store. filters may be nil, in which case every item is
// permitted and toggle_tool's deny-list side effect is a no-op.
func NewRegistry(cache *statecache.Cache, filters FilterStore) *Registry {
	return &Registry{
		cache:     cache,
		filters:   filters,
		tools:     make(map[string]*entry[mcpclient.ToolInfo]),
		prompts:   make(map[string]*entry[mcpclient.PromptInfo]),
		resources: make(map[string]*entry[mcpclient.ResourceInfo]),
	}
}

// OnListChanged registers a callback invoked after a mutation that should
// produce an upstream list_changed notification for the given kind.
func (r *Registry) OnListChanged(fn ListChangedFunc) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify(kind string) {
	r.listenersMu.Lock()
	listeners := append([]ListChangedFunc(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(kind)
	}
}

func (r *Registry) permits(server, item string) bool {
	if r.filters == nil {
		return true
	}
	return r.filters.Permits(server, item)
}

// InitializeFor performs discovery against a freshly connected backend
// session: lists its tools, prompts, and resources, rejects any
// backend-provided name that itself contains the reserved separator,
// applies the server's allow/deny filter, and replaces that server's
// entries in all three maps. Tool and prompt entries are keyed by the
// namespaced key; resource entries are keyed by the raw URI (§4.2's "never
// rewritten" rule — the backend needs the original URI back on read).
func (r *Registry) InitializeFor(ctx context.Context, server string, session BackendSession) error {
	tools, err := session.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("catalog: list tools for %q: %w", server, err)
	}
	prompts, err := session.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("catalog: list prompts for %q: %w", server, err)
	}
	resources, err := session.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("catalog: list resources for %q: %w", server, err)
	}

	newTools := make(map[string]*entry[mcpclient.ToolInfo])
	for _, t := range tools {
		if !ValidName(t.Name) {
			log.Printf("[catalog] server %q: rejecting tool %q (contains reserved separator)", server, t.Name)
			continue
		}
		if !r.permits(server, t.Name) {
			continue
		}
		key := MakeKey(server, t.Name)
		newTools[key] = &entry[mcpclient.ToolInfo]{Key: key, Server: server, Item: t.Name, Session: session, Data: t}
	}

	newPrompts := make(map[string]*entry[mcpclient.PromptInfo])
	for _, p := range prompts {
		if !ValidName(p.Name) {
			log.Printf("[catalog] server %q: rejecting prompt %q (contains reserved separator)", server, p.Name)
			continue
		}
		if !r.permits(server, p.Name) {
			continue
		}
		key := MakeKey(server, p.Name)
		newPrompts[key] = &entry[mcpclient.PromptInfo]{Key: key, Server: server, Item: p.Name, Session: session, Data: p}
	}

	newResources := make(map[string]*entry[mcpclient.ResourceInfo])
	for _, res := range resources {
		newResources[res.URI] = &entry[mcpclient.ResourceInfo]{Key: res.URI, Server: server, Item: res.URI, Session: session, Data: res}
	}

	r.mu.Lock()
	removeServer(r.tools, server)
	removeServer(r.prompts, server)
	removeServer(r.resources, server)
	for k, e := range newTools {
		r.tools[k] = e
	}
	for k, e := range newPrompts {
		r.prompts[k] = e
	}
	for k, e := range newResources {
		r.resources[k] = e
	}
	r.mu.Unlock()

	r.notify("tools")
	r.notify("prompts")
	r.notify("resources")
	return nil
}

// removeServer deletes every entry belonging to server from m. Caller must
// hold the registry lock.
func removeServer[D any](m map[string]*entry[D], server string) {
	for k, e := range m {
		if e.Server == server {
			delete(m, k)
		}
	}
}

// LoadFromCache populates tool entries from the state cache for every
// server that does not already have a live (session != nil) entry, with
// session=nil and the cached description/input_schema. This lets tools/list
// answer instantly at startup, before any backend connects.
func (r *Registry) LoadFromCache() {
	if r.cache == nil {
		return
	}
	for _, server := range r.cache.Servers() {
		r.mu.RLock()
		live := serverHasLiveSession(r.tools, server)
		r.mu.RUnlock()
		if live {
			continue
		}

		enabled := r.cache.EnabledTools(server)
		r.mu.Lock()
		for name, state := range enabled {
			if !r.permits(server, name) {
				continue
			}
			key := MakeKey(server, name)
			r.tools[key] = &entry[mcpclient.ToolInfo]{
				Key:    key,
				Server: server,
				Item:   name,
				Data: mcpclient.ToolInfo{
					Name:        name,
					Description: state.Description,
					InputSchema: state.InputSchema,
				},
			}
		}
		r.mu.Unlock()
	}
}

func serverHasLiveSession[D any](m map[string]*entry[D], server string) bool {
	for _, e := range m {
		if e.Server == server && e.Session != nil {
			return true
		}
	}
	return false
}

// OnServerDisconnected nils out the session reference on every entry
// belonging to server, without removing the entries — tool entries stay
// visible (answered from cached descriptors) but calls against them will
// trigger a reconnect.
func (r *Registry) OnServerDisconnected(server string) {
	r.mu.Lock()
	clearSession(r.tools, server)
	clearSession(r.prompts, server)
	clearSession(r.resources, server)
	r.mu.Unlock()

	r.notify("tools")
	r.notify("prompts")
	r.notify("resources")
}

func clearSession[D any](m map[string]*entry[D], server string) {
	for _, e := range m {
		if e.Server == server {
			e.Session = nil
		}
	}
}

// Unregister removes every entry for server from all three maps.
func (r *Registry) Unregister(server string) {
	r.mu.Lock()
	removeServer(r.tools, server)
	removeServer(r.prompts, server)
	removeServer(r.resources, server)
	r.mu.Unlock()

	r.notify("tools")
	r.notify("prompts")
	r.notify("resources")
}

// ToggleTool idempotently enables or disables a tool at runtime. Disabling
// removes the key from the live map, adds the tool to the server's deny
// list, and persists the change to the state cache. Enabling undoes all
// three. Returns "ok" or "noop" and the number of tools currently visible
// for the server.
func (r *Registry) ToggleTool(server, tool string, enabled bool) (status string, visibleCount int) {
	key := MakeKey(server, tool)

	r.mu.Lock()
	_, present := r.tools[key]
	if enabled == present {
		status = "noop"
	} else {
		status = "ok"
	}

	if enabled {
		if !present {
			cached, _ := r.cache.Server(server)
			state := cached.Tools[tool]
			r.tools[key] = &entry[mcpclient.ToolInfo]{
				Key:    key,
				Server: server,
				Item:   tool,
				Data: mcpclient.ToolInfo{
					Name:        tool,
					Description: state.Description,
					InputSchema: state.InputSchema,
				},
			}
		}
	} else {
		delete(r.tools, key)
	}
	visibleCount = countServer(r.tools, server)
	r.mu.Unlock()

	if r.filters != nil {
		if enabled {
			r.filters.Undeny(server, tool)
		} else {
			r.filters.Deny(server, tool)
		}
	}
	if r.cache != nil {
		r.cache.SetToolEnabled(server, tool, enabled)
	}

	r.notify("tools")
	return status, visibleCount
}

func countServer[D any](m map[string]*entry[D], server string) int {
	n := 0
	for _, e := range m {
		if e.Server == server {
			n++
		}
	}
	return n
}

// ResolveTool returns the server name, session (possibly nil), and cached
// descriptor for a namespaced tool key, or ok=false if unknown.
func (r *Registry) ResolveTool(key string) (server string, session BackendSession, info mcpclient.ToolInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[key]
	if !ok {
		return "", nil, mcpclient.ToolInfo{}, false
	}
	return e.Server, e.Session, e.Data, true
}

// ResolvePrompt returns the server name and session (possibly nil) for a
// namespaced prompt key, or ok=false if unknown.
func (r *Registry) ResolvePrompt(key string) (server string, session BackendSession, info mcpclient.PromptInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prompts[key]
	if !ok {
		return "", nil, mcpclient.PromptInfo{}, false
	}
	return e.Server, e.Session, e.Data, true
}

// ResolveResource returns the server name and session (possibly nil) for a
// raw resource URI, or ok=false if unknown.
func (r *Registry) ResolveResource(uri string) (server string, session BackendSession, info mcpclient.ResourceInfo, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[uri]
	if !ok {
		return "", nil, mcpclient.ResourceInfo{}, false
	}
	return e.Server, e.Session, e.Data, true
}

// ListTools returns a snapshot of every currently visible tool descriptor,
// namespaced key included, sorted by nothing in particular — callers that
// need stable order (e.g. the Retrieval Pipeline) sort it themselves.
func (r *Registry) ListTools() []mcpclient.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcpclient.ToolInfo, 0, len(r.tools))
	for key, e := range r.tools {
		info := e.Data
		info.Name = key
		out = append(out, info)
	}
	return out
}

// ListPrompts returns a snapshot of every currently visible prompt.
func (r *Registry) ListPrompts() []mcpclient.PromptInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcpclient.PromptInfo, 0, len(r.prompts))
	for key, e := range r.prompts {
		info := e.Data
		info.Name = key
		out = append(out, info)
	}
	return out
}

// ListResources returns a snapshot of every currently visible resource.
func (r *Registry) ListResources() []mcpclient.ResourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcpclient.ResourceInfo, 0, len(r.resources))
	for _, e := range r.resources {
		out = append(out, e.Data)
	}
	return out
}

// ToolCount returns the number of currently visible tools for server.
func (r *Registry) ToolCount(server string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return countServer(r.tools, server)
}

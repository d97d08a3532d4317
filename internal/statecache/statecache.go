// Package statecache persists per-server and per-tool enable/disable/stale
// state across restarts, and is the source of truth for tools/list responses
// answered before any backend has connected.
package statecache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolState is the persistent per-tool record described in spec.md §3.
// LastSeen is a supplement beyond spec.md's wire schema: the timestamp of
// the tool's most recent discovery, surfaced by the `list` CLI subcommand
// but never consulted by any invariant or round-trip law.
//
// InputSchema is stored internally as json.RawMessage (the shape every
// other package in this repo expects), but spec.md §6 documents
// input_schema on disk as a real nested YAML mapping, not an opaque
// scalar — a human editing servers.yaml must see and edit actual schema
// keys. gopkg.in/yaml.v3 encodes a []byte-kind field as a base64 !!binary
// scalar by default, and fails outright decoding a hand-authored nested
// mapping into one. MarshalYAML/UnmarshalYAML below bridge the two
// representations via an intermediate interface{} tree.
type ToolState struct {
	Enabled     bool
	Stale       bool
	Description string
	InputSchema json.RawMessage
	LastSeen    time.Time
}

// toolStateYAML is ToolState's on-disk shape: input_schema as a real YAML
// node rather than a raw byte string.
type toolStateYAML struct {
	Enabled     bool        `yaml:"enabled"`
	Stale       bool        `yaml:"stale"`
	Description string      `yaml:"description"`
	InputSchema interface{} `yaml:"input_schema,omitempty"`
	LastSeen    time.Time   `yaml:"last_seen,omitempty"`
}

// MarshalYAML converts InputSchema's JSON bytes into a generic tree so
// yaml.v3 emits it as a nested mapping instead of a base64 blob.
func (t ToolState) MarshalYAML() (interface{}, error) {
	aux := toolStateYAML{
		Enabled:     t.Enabled,
		Stale:       t.Stale,
		Description: t.Description,
		LastSeen:    t.LastSeen,
	}
	if len(t.InputSchema) > 0 {
		var v interface{}
		if err := json.Unmarshal(t.InputSchema, &v); err != nil {
			return nil, fmt.Errorf("statecache: marshal input_schema: %w", err)
		}
		aux.InputSchema = v
	}
	return aux, nil
}

// UnmarshalYAML accepts input_schema as a nested YAML mapping (the
// documented, human-editable shape) and re-encodes it to JSON for internal
// use. A missing or null input_schema leaves InputSchema nil.
func (t *ToolState) UnmarshalYAML(node *yaml.Node) error {
	var aux toolStateYAML
	if err := node.Decode(&aux); err != nil {
		return err
	}
	t.Enabled = aux.Enabled
	t.Stale = aux.Stale
	t.Description = aux.Description
	t.LastSeen = aux.LastSeen
	t.InputSchema = nil
	if aux.InputSchema != nil {
		b, err := json.Marshal(aux.InputSchema)
		if err != nil {
			return fmt.Errorf("statecache: decode input_schema: %w", err)
		}
		t.InputSchema = b
	}
	return nil
}

// ServerState is the persistent per-server record, keyed by server name in
// the parent Document.
type ServerState struct {
	Command            string               `yaml:"command,omitempty"`
	Args               []string             `yaml:"args,omitempty"`
	Env                map[string]string    `yaml:"env,omitempty"`
	URL                string               `yaml:"url,omitempty"`
	Type               string               `yaml:"type,omitempty"`
	AlwaysOn           bool                 `yaml:"always_on"`
	IdleTimeoutMinutes int                  `yaml:"idle_timeout_minutes"`
	Tools              map[string]ToolState `yaml:"tools,omitempty"`
}

// Document is the root of servers.yaml, matching spec.md §6's persisted
// state format exactly.
type Document struct {
	Servers map[string]ServerState `yaml:"servers"`
}

// Cache is a thread-safe, file-backed store of Document. All mutation
// methods update the in-memory copy and leave persistence to an explicit
// Save call, matching the teacher's "network I/O / file I/O outside the
// lock, only state updates under the lock" discipline.
type Cache struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// Load reads path and parses it as a Document. A missing file is not an
// error — it yields an empty cache, matching the Bootstrap first-run case.
// Any parse or schema failure is logged and an empty Document is returned,
// never propagated, per spec.md §4.4's "never raises" contract.
func Load(path string) *Cache {
	c := &Cache{path: path, doc: Document{Servers: make(map[string]ServerState)}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[statecache] read %q: %v (starting empty)", path, err)
		}
		return c
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Printf("[statecache] parse %q: %v (starting empty)", path, err)
		return c
	}
	if doc.Servers == nil {
		doc.Servers = make(map[string]ServerState)
	}
	c.doc = doc
	return c
}

// Save atomically persists the current state to c.path via a temp-file +
// rename, so a crash mid-write never leaves a torn file behind.
func (c *Cache) Save() error {
	c.mu.Lock()
	doc := c.doc
	path := c.path
	c.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("statecache: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statecache: mkdir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".servers-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("statecache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statecache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statecache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statecache: rename into place: %w", err)
	}
	return nil
}

// Server returns a copy of the named server's state and whether it exists.
func (c *Cache) Server(name string) (ServerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.doc.Servers[name]
	return s, ok
}

// Servers returns a copy of every server name currently cached.
func (c *Cache) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.doc.Servers))
	for name := range c.doc.Servers {
		names = append(names, name)
	}
	return names
}

// PutServer inserts or replaces a server's state wholesale.
func (c *Cache) PutServer(name string, state ServerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.Tools == nil {
		state.Tools = make(map[string]ToolState)
	}
	c.doc.Servers[name] = state
}

// RemoveServer deletes a server's entry entirely (explicit admin removal).
func (c *Cache) RemoveServer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.doc.Servers, name)
}

// MergeDiscovery implements spec.md §4.4's discovery-completion semantics:
// tools present in `discovered` are (re)created or refreshed and un-marked
// stale; tools previously cached but absent from `discovered` are marked
// stale without being removed (removal is cleanup_stale's job, separately).
func (c *Cache) MergeDiscovery(server string, discovered map[string]ToolState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	srv, ok := c.doc.Servers[server]
	if !ok {
		srv = ServerState{}
	}
	if srv.Tools == nil {
		srv.Tools = make(map[string]ToolState)
	}

	for name, existing := range srv.Tools {
		if _, seen := discovered[name]; !seen {
			existing.Stale = true
			srv.Tools[name] = existing
		}
	}

	now := time.Now()
	for name, d := range discovered {
		existing, had := srv.Tools[name]
		if !had {
			srv.Tools[name] = ToolState{
				Enabled:     true,
				Stale:       false,
				Description: d.Description,
				InputSchema: d.InputSchema,
				LastSeen:    now,
			}
			continue
		}
		existing.Stale = false
		existing.Description = d.Description
		existing.InputSchema = d.InputSchema
		existing.LastSeen = now
		srv.Tools[name] = existing
	}

	c.doc.Servers[server] = srv
}

// CleanupStale removes entries that are both stale and user-disabled —
// tools that are gone *and* nobody wanted anyway.
func (c *Cache) CleanupStale(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.doc.Servers[server]
	if !ok {
		return
	}
	for name, t := range srv.Tools {
		if t.Stale && !t.Enabled {
			delete(srv.Tools, name)
		}
	}
	c.doc.Servers[server] = srv
}

// EnabledTools returns the set of tool names that are enabled and not stale
// for the given server — spec.md §4.4's enabled_tools(S).
func (c *Cache) EnabledTools(server string) map[string]ToolState {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.doc.Servers[server]
	if !ok {
		return nil
	}
	out := make(map[string]ToolState)
	for name, t := range srv.Tools {
		if t.Enabled && !t.Stale {
			out[name] = t
		}
	}
	return out
}

// SetToolEnabled flips a single tool's enabled flag. Returns false, and
// changes nothing, if the server or the tool is unknown to the cache
// (callers decide whether that is an error).
func (c *Cache) SetToolEnabled(server, tool string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.doc.Servers[server]
	if !ok {
		return false
	}
	t, ok := srv.Tools[tool]
	if !ok {
		return false
	}
	t.Enabled = enabled
	srv.Tools[tool] = t
	c.doc.Servers[server] = srv
	return true
}

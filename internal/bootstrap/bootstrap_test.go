package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
	"github.com/itstanner5216/multi-mcp-sub000/internal/statecache"
)

var errTimeout = errors.New("discovery: deadline exceeded")

// fakeDiscoverer answers Discover from an in-memory table instead of
// dialing any real process or socket.
type fakeDiscoverer struct {
	calls   []string
	results map[string]map[string]statecache.ToolState
	errs    map[string]error
}

func newFakeDiscoverer() *fakeDiscoverer {
	return &fakeDiscoverer{results: make(map[string]map[string]statecache.ToolState), errs: make(map[string]error)}
}

func (f *fakeDiscoverer) Discover(ctx context.Context, name string, cfg mcpclient.Config) (map[string]statecache.ToolState, error) {
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return f.results[name], nil
}

func writeSourceFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path
}

func TestBootstrap_FirstRunDiscoversAllAndPopulatesCache(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "mcp.json", `{"mcpServers":{"calc":{"command":"calc-server"}}}`)

	cache := statecache.Load(filepath.Join(dir, "servers.yaml"))
	manager := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, manager)

	disc := newFakeDiscoverer()
	disc.results["calc"] = map[string]statecache.ToolState{
		"add": {Enabled: true, Description: "adds two numbers"},
	}

	b := New(cache, manager, registry)
	b.Discoverer = disc

	discovered := b.Run(context.Background(), Sources{ExplicitFile: srcPath})

	if len(discovered) != 1 || discovered[0] != "calc" {
		t.Fatalf("expected calc to be discovered, got %v", discovered)
	}
	if len(disc.calls) != 1 {
		t.Fatalf("expected exactly 1 discovery call, got %d", len(disc.calls))
	}

	state, ok := cache.Server("calc")
	if !ok {
		t.Fatal("expected calc to be cached")
	}
	if _, ok := state.Tools["add"]; !ok {
		t.Fatalf("expected add tool cached, got %+v", state.Tools)
	}

	if _, ok := manager.Descriptor("calc"); !ok {
		t.Fatal("expected calc registered as pending with the Session Manager")
	}
}

func TestBootstrap_IdempotentRunOnlyDiscoversDeltas(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "mcp.json", `{"mcpServers":{"calc":{"command":"calc-server"},"weather":{"command":"weather-server"}}}`)

	cache := statecache.Load(filepath.Join(dir, "servers.yaml"))
	cache.PutServer("calc", statecache.ServerState{Command: "calc-server", Tools: map[string]statecache.ToolState{
		"add": {Enabled: true},
	}})

	manager := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, manager)

	disc := newFakeDiscoverer()
	disc.results["weather"] = map[string]statecache.ToolState{"forecast": {Enabled: true}}

	b := New(cache, manager, registry)
	b.Discoverer = disc

	b.Run(context.Background(), Sources{ExplicitFile: srcPath})

	if len(disc.calls) != 1 || disc.calls[0] != "weather" {
		t.Fatalf("expected only weather to be (re)discovered, got %v", disc.calls)
	}
}

func TestBootstrap_DiscoveryFailureDoesNotAbortOtherServers(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "mcp.json", `{"mcpServers":{"calc":{"command":"calc-server"},"broken":{"command":"broken-server"}}}`)

	cache := statecache.Load(filepath.Join(dir, "servers.yaml"))
	manager := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, manager)

	disc := newFakeDiscoverer()
	disc.results["calc"] = map[string]statecache.ToolState{"add": {Enabled: true}}
	disc.errs["broken"] = errTimeout

	b := New(cache, manager, registry)
	b.Discoverer = disc

	discovered := b.Run(context.Background(), Sources{ExplicitFile: srcPath})

	if len(discovered) != 2 {
		t.Fatalf("expected both servers attempted, got %v", discovered)
	}
	if _, ok := cache.Server("calc"); !ok {
		t.Fatal("expected calc cached despite broken's failure")
	}
	if _, ok := cache.Server("broken"); ok {
		t.Fatal("did not expect broken to be cached since discovery failed")
	}
	if _, ok := manager.Descriptor("broken"); !ok {
		t.Fatal("expected broken still registered as pending even though discovery failed")
	}
}

func TestBootstrap_ZeroEnabledToolsDeniesAll(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "mcp.json", `{"mcpServers":{"calc":{"command":"calc-server"}}}`)

	cache := statecache.Load(filepath.Join(dir, "servers.yaml"))
	cache.PutServer("calc", statecache.ServerState{Tools: map[string]statecache.ToolState{
		"add": {Enabled: false},
	}})

	manager := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, manager)

	disc := newFakeDiscoverer()
	b := New(cache, manager, registry)
	b.Discoverer = disc

	b.Run(context.Background(), Sources{ExplicitFile: srcPath})

	if manager.Permits("calc", "add") {
		t.Fatal("expected all-deny filter since zero tools are enabled")
	}
}

func TestBootstrap_DisabledToolIsDenied(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "mcp.json", `{"mcpServers":{"calc":{"command":"calc-server"}}}`)

	cache := statecache.Load(filepath.Join(dir, "servers.yaml"))
	cache.PutServer("calc", statecache.ServerState{Tools: map[string]statecache.ToolState{
		"add":      {Enabled: true},
		"subtract": {Enabled: false},
	}})

	manager := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, manager)

	b := New(cache, manager, registry)
	b.Discoverer = newFakeDiscoverer()

	b.Run(context.Background(), Sources{ExplicitFile: srcPath})

	if !manager.Permits("calc", "add") {
		t.Error("expected enabled tool to remain permitted")
	}
	if manager.Permits("calc", "subtract") {
		t.Error("expected disabled tool to be denied")
	}
}

func TestBootstrap_RegistryPrepopulatedFromCache(t *testing.T) {
	dir := t.TempDir()
	srcPath := writeSourceFile(t, dir, "mcp.json", `{"mcpServers":{"calc":{"command":"calc-server"}}}`)

	cache := statecache.Load(filepath.Join(dir, "servers.yaml"))
	manager := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, manager)

	disc := newFakeDiscoverer()
	disc.results["calc"] = map[string]statecache.ToolState{"add": {Enabled: true, Description: "adds"}}

	b := New(cache, manager, registry)
	b.Discoverer = disc
	b.Run(context.Background(), Sources{ExplicitFile: srcPath})

	_, session, info, ok := registry.ResolveTool(catalog.MakeKey("calc", "add"))
	if !ok {
		t.Fatal("expected tool pre-populated into registry from cache")
	}
	if session != nil {
		t.Error("expected nil session for a tool not yet live-connected")
	}
	if info.Description != "adds" {
		t.Errorf("unexpected description: %q", info.Description)
	}
}

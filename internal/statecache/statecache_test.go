package statecache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if len(c.Servers()) != 0 {
		t.Fatalf("expected empty cache, got %v", c.Servers())
	}
}

func TestLoad_CorruptFileIsEmptyNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeFile(t, path, "not: [valid: yaml")
	c := Load(path)
	if len(c.Servers()) != 0 {
		t.Fatalf("expected empty cache on parse failure, got %v", c.Servers())
	}
}

func TestRoundTrip_PreservesInputSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")

	c := Load(path)
	c.PutServer("calc", ServerState{
		Command: "calc-server",
		Tools: map[string]ToolState{
			"add": {
				Enabled:     true,
				Stale:       false,
				Description: "adds two numbers",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"}}}`),
			},
		},
	})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := Load(path)
	srv, ok := reloaded.Server("calc")
	if !ok {
		t.Fatal("expected calc server to round-trip")
	}
	add, ok := srv.Tools["add"]
	if !ok {
		t.Fatal("expected add tool to round-trip")
	}
	if string(add.InputSchema) != `{"type":"object","properties":{"a":{"type":"integer"}}}` {
		t.Errorf("input schema did not round-trip: %s", add.InputSchema)
	}
}

// TestSave_InputSchemaIsNestedYAMLNotBase64 guards against yaml.v3's default
// []byte codec, which would emit input_schema as an opaque "!!binary"
// base64 scalar instead of the nested mapping spec.md §6 documents as the
// human-editable on-disk shape.
func TestSave_InputSchemaIsNestedYAMLNotBase64(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")

	c := Load(path)
	c.PutServer("calc", ServerState{
		Tools: map[string]ToolState{
			"add": {
				Enabled:     true,
				InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"}}}`),
			},
		},
	})
	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	text := string(raw)
	if strings.Contains(text, "!!binary") {
		t.Fatalf("expected a nested mapping for input_schema, got a binary scalar:\n%s", text)
	}
	if !strings.Contains(text, "type: object") || !strings.Contains(text, "properties:") {
		t.Fatalf("expected input_schema to appear as a nested YAML mapping, got:\n%s", text)
	}
}

// TestLoad_AcceptsHandAuthoredSpecShapedYAML feeds in a servers.yaml written
// by hand exactly the way spec.md §6 documents it — a real nested mapping
// under input_schema, never a round-trip of this package's own Marshal
// output — and checks it loads instead of silently falling back to an
// empty cache (which TestLoad_CorruptFileIsEmptyNotFatal would otherwise
// mask as "working as intended").
func TestLoad_AcceptsHandAuthoredSpecShapedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	writeFile(t, path, `
servers:
  calc:
    command: calc-server
    always_on: false
    idle_timeout_minutes: 5
    tools:
      add:
        enabled: true
        stale: false
        description: adds two numbers
        input_schema:
          type: object
          properties:
            a:
              type: integer
            b:
              type: integer
          required: [a, b]
`)

	c := Load(path)
	srv, ok := c.Server("calc")
	if !ok {
		t.Fatal("expected calc server to load from hand-authored YAML")
	}
	add, ok := srv.Tools["add"]
	if !ok {
		t.Fatal("expected add tool to load")
	}
	var schema map[string]any
	if err := json.Unmarshal(add.InputSchema, &schema); err != nil {
		t.Fatalf("expected input_schema to decode as JSON, got error: %v (raw: %s)", err, add.InputSchema)
	}
	if schema["type"] != "object" {
		t.Errorf("expected schema type=object, got %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) != 2 {
		t.Errorf("expected 2 properties in decoded schema, got %v", schema["properties"])
	}
}

func TestMergeDiscovery_MarksStaleAndRefreshes(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "servers.yaml"))
	c.PutServer("calc", ServerState{Tools: map[string]ToolState{
		"add":      {Enabled: true, Description: "old desc"},
		"subtract": {Enabled: true, Description: "still here"},
	}})

	c.MergeDiscovery("calc", map[string]ToolState{
		"add":      {Description: "new desc"},
		"multiply": {Description: "brand new"},
	})

	srv, _ := c.Server("calc")
	if srv.Tools["add"].Stale {
		t.Error("add should not be stale (re-discovered)")
	}
	if srv.Tools["add"].Description != "new desc" {
		t.Errorf("add description not refreshed: %q", srv.Tools["add"].Description)
	}
	if !srv.Tools["subtract"].Stale {
		t.Error("subtract should be marked stale (not re-discovered)")
	}
	if _, ok := srv.Tools["multiply"]; !ok {
		t.Error("multiply should have been created")
	}
	if srv.Tools["multiply"].Enabled != true {
		t.Error("newly discovered tool should default enabled=true")
	}
}

func TestCleanupStale_RemovesOnlyStaleAndDisabled(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "servers.yaml"))
	c.PutServer("calc", ServerState{Tools: map[string]ToolState{
		"gone_and_disabled": {Enabled: false, Stale: true},
		"gone_but_enabled":  {Enabled: true, Stale: true},
		"present":           {Enabled: true, Stale: false},
	}})

	c.CleanupStale("calc")

	srv, _ := c.Server("calc")
	if _, ok := srv.Tools["gone_and_disabled"]; ok {
		t.Error("gone_and_disabled should have been removed")
	}
	if _, ok := srv.Tools["gone_but_enabled"]; !ok {
		t.Error("gone_but_enabled should survive (still enabled)")
	}
	if _, ok := srv.Tools["present"]; !ok {
		t.Error("present should survive")
	}
}

func TestEnabledTools_ExcludesDisabledAndStale(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "servers.yaml"))
	c.PutServer("calc", ServerState{Tools: map[string]ToolState{
		"a": {Enabled: true, Stale: false},
		"b": {Enabled: false, Stale: false},
		"c": {Enabled: true, Stale: true},
	}})

	got := c.EnabledTools("calc")
	if _, ok := got["a"]; !ok || len(got) != 1 {
		t.Errorf("expected only 'a' enabled, got %v", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

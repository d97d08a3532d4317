package bootstrap

import (
	"encoding/json"
	"testing"

	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
)

func TestParseSourceConfig_McpServersShape(t *testing.T) {
	data := []byte(`{"mcpServers":{"calc":{"command":"calc-server","args":["--port","9"]}}}`)
	out, err := ParseSourceConfig(data)
	if err != nil {
		t.Fatalf("ParseSourceConfig: %v", err)
	}
	if _, ok := out["calc"]; !ok {
		t.Fatalf("expected calc entry, got %v", out)
	}
}

func TestParseSourceConfig_ServersShape(t *testing.T) {
	data := []byte(`{"servers":{"weather":{"url":"https://weather.example/mcp"}}}`)
	out, err := ParseSourceConfig(data)
	if err != nil {
		t.Fatalf("ParseSourceConfig: %v", err)
	}
	if out["weather"].URL != "https://weather.example/mcp" {
		t.Fatalf("unexpected entry: %+v", out["weather"])
	}
}

func TestParseSourceConfig_McpShape(t *testing.T) {
	data := []byte(`{"mcp":{"fs":{"command":"fs-server"}}}`)
	out, err := ParseSourceConfig(data)
	if err != nil {
		t.Fatalf("ParseSourceConfig: %v", err)
	}
	if _, ok := out["fs"]; !ok {
		t.Fatalf("expected fs entry, got %v", out)
	}
}

func TestParseSourceConfig_BareMapShape(t *testing.T) {
	data := []byte(`{"calc":{"command":"calc-server"}}`)
	out, err := ParseSourceConfig(data)
	if err != nil {
		t.Fatalf("ParseSourceConfig: %v", err)
	}
	if _, ok := out["calc"]; !ok {
		t.Fatalf("expected calc entry, got %v", out)
	}
}

func TestParseSourceConfig_InvalidJSON(t *testing.T) {
	if _, err := ParseSourceConfig([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// TestParseSourceConfig_DropsUnknownKeysWithoutFailing exercises spec.md
// §6's "unknown keys in a descriptor are dropped with a warning": an
// unrecognized key must not fail the whole load, and the rest of the
// descriptor must still decode normally.
func TestParseSourceConfig_DropsUnknownKeysWithoutFailing(t *testing.T) {
	data := []byte(`{"mcpServers":{"calc":{"command":"calc-server","nickname":"the calculator","retries":3}}}`)
	out, err := ParseSourceConfig(data)
	if err != nil {
		t.Fatalf("ParseSourceConfig: %v", err)
	}
	d, ok := out["calc"]
	if !ok {
		t.Fatal("expected calc entry despite unknown keys")
	}
	if string(d.Command) != `"calc-server"` {
		t.Fatalf("unexpected command: %s", d.Command)
	}
}

func TestWarnUnknownKeys_IdentifiesOnlyUnrecognizedFields(t *testing.T) {
	branch := []byte(`{"calc":{"command":"calc-server","nickname":"x"},"weather":{"url":"https://example/mcp"}}`)
	var generic map[string]map[string]json.RawMessage
	if err := json.Unmarshal(branch, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for name, fields := range generic {
		for key := range fields {
			_, known := knownDescriptorKeys[key]
			if name == "calc" && key == "nickname" && known {
				t.Errorf("expected %q to be unrecognized", key)
			}
			if name == "calc" && key == "command" && !known {
				t.Errorf("expected %q to be recognized", key)
			}
		}
	}
	// warnUnknownKeys must not panic or error on this shape; it only logs.
	warnUnknownKeys(branch)
}

func TestToDescriptor_SplitsStringCommand(t *testing.T) {
	raw := rawDescriptor{Command: []byte(`"node server.js --verbose"`)}
	d, ok := toDescriptor("n", raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if d.Command != "node" || len(d.Args) != 2 || d.Args[0] != "server.js" || d.Args[1] != "--verbose" {
		t.Fatalf("unexpected split: %+v", d)
	}
}

func TestToDescriptor_ListCommand(t *testing.T) {
	raw := rawDescriptor{Command: []byte(`["python","-m","server"]`), Args: []string{"--debug"}}
	d, ok := toDescriptor("n", raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if d.Command != "python" {
		t.Fatalf("unexpected command: %q", d.Command)
	}
	wantArgs := []string{"-m", "server", "--debug"}
	if len(d.Args) != len(wantArgs) {
		t.Fatalf("unexpected args: %v", d.Args)
	}
	for i, a := range wantArgs {
		if d.Args[i] != a {
			t.Fatalf("arg %d: got %q want %q", i, d.Args[i], a)
		}
	}
}

func TestToDescriptor_RejectsEmptyCommandAndURL(t *testing.T) {
	_, ok := toDescriptor("n", rawDescriptor{})
	if ok {
		t.Fatal("expected rejection of empty descriptor")
	}
}

func TestToDescriptor_URLOnlyIsAccepted(t *testing.T) {
	d, ok := toDescriptor("n", rawDescriptor{URL: "https://example/mcp"})
	if !ok {
		t.Fatal("expected URL-only descriptor to be accepted")
	}
	if d.URL != "https://example/mcp" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestParseEnv_MapForm(t *testing.T) {
	env := parseEnv([]byte(`{"FOO":"bar","BAZ":"qux"}`))
	if len(env) != 2 {
		t.Fatalf("expected 2 entries, got %v", env)
	}
}

func TestParseEnv_ListForm(t *testing.T) {
	env := parseEnv([]byte(`["FOO=bar","BAZ=qux"]`))
	if len(env) != 2 || env[0] != "FOO=bar" {
		t.Fatalf("unexpected env: %v", env)
	}
}

func TestResolveTransport_HintsAndFallback(t *testing.T) {
	cases := []struct {
		raw  rawDescriptor
		want mcpclient.TransportKind
	}{
		{rawDescriptor{Transport: "sse"}, mcpclient.TransportSSE},
		{rawDescriptor{Type: "streamable-http"}, mcpclient.TransportStreamableHTTP},
		{rawDescriptor{}, mcpclient.TransportAuto},
	}
	for _, c := range cases {
		if got := resolveTransport(c.raw); got != c.want {
			t.Errorf("resolveTransport(%+v) = %q, want %q", c.raw, got, c.want)
		}
	}
}

// Package bootstrap resolves the initial set of backend descriptors at
// startup: it normalizes whichever source-config shape is on disk, merges
// the result with the persisted State Cache, and registers every backend as
// pending.
//
// Shape detection follows the same gjson-probing style used elsewhere in
// the pack for "is this payload shape A, B, or C" decisions — try each
// candidate top-level key in priority order and take the first one that
// actually exists, rather than committing to a single strict struct.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/tidwall/gjson"

	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
)

// shapeKeys are the top-level keys recognized on a source-config file, in
// probe priority order. A file matching none of them is treated as a bare
// name->descriptor map.
var shapeKeys = []string{"mcpServers", "servers", "mcp"}

// knownDescriptorKeys mirrors rawDescriptor's json tags, used by
// warnUnknownKeys to implement spec.md §6's "unknown keys in a descriptor
// are dropped with a warning" directive — dropping them silently by simply
// never decoding them into the struct satisfies the "dropped" half but not
// the "with a warning" half.
var knownDescriptorKeys = map[string]struct{}{
	"command":              {},
	"args":                 {},
	"env":                  {},
	"url":                  {},
	"transport":            {},
	"type":                 {},
	"always_on":            {},
	"idle_timeout_seconds": {},
	"quarantine_threshold": {},
	"triggers":             {},
}

// rawDescriptor is the on-disk shape of a single backend entry. Command may
// be given as a string or a list; Env may be given as a list of "K=V"
// strings or as a map.
type rawDescriptor struct {
	Command             json.RawMessage   `json:"command,omitempty"`
	Args                []string          `json:"args,omitempty"`
	Env                 json.RawMessage   `json:"env,omitempty"`
	URL                 string            `json:"url,omitempty"`
	Transport           string            `json:"transport,omitempty"`
	Type                string            `json:"type,omitempty"`
	AlwaysOn            bool              `json:"always_on,omitempty"`
	IdleTimeoutSeconds  int               `json:"idle_timeout_seconds,omitempty"`
	QuarantineThreshold int               `json:"quarantine_threshold,omitempty"`
	Triggers            []string          `json:"triggers,omitempty"`
}

// ParseSourceConfig normalizes any of the four accepted source-config
// shapes into a name->rawDescriptor map: {mcpServers:{...}}, {servers:{...}},
// {mcp:{...}}, or a bare {name:descriptor,...} map.
func ParseSourceConfig(data []byte) (map[string]rawDescriptor, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("bootstrap: invalid JSON source config")
	}

	branch := data
	for _, key := range shapeKeys {
		res := gjson.GetBytes(data, key)
		if res.Exists() && res.IsObject() {
			branch = []byte(res.Raw)
			break
		}
	}

	var raw map[string]rawDescriptor
	if err := json.Unmarshal(branch, &raw); err != nil {
		return nil, fmt.Errorf("bootstrap: decode source config: %w", err)
	}
	warnUnknownKeys(branch)
	return raw, nil
}

// warnUnknownKeys logs the unrecognized keys on each descriptor object in
// branch, by name. It re-walks the raw JSON as generic maps rather than
// relying on json.Decoder's strict-mode (which would reject the whole
// object instead of just dropping the offending keys), since spec.md §6
// requires unknown keys to be dropped, not to fail the load.
func warnUnknownKeys(branch []byte) {
	var generic map[string]map[string]json.RawMessage
	if err := json.Unmarshal(branch, &generic); err != nil {
		return
	}
	for name, fields := range generic {
		var unknown []string
		for key := range fields {
			if _, ok := knownDescriptorKeys[key]; !ok {
				unknown = append(unknown, key)
			}
		}
		if len(unknown) > 0 {
			log.Printf("[bootstrap] %q: dropping unrecognized config key(s): %v", name, unknown)
		}
	}
}

// DescriptorsFromConfig normalizes a source-config payload into backend
// descriptors directly, skipping any entry with an empty command and no
// URL. It exists for callers outside this package — the admin `POST
// /mcp_servers` endpoint — that need the same shape-probing and
// command/env normalization Bootstrap applies at startup, without
// depending on the unexported rawDescriptor type.
func DescriptorsFromConfig(data []byte) (map[string]backend.Descriptor, error) {
	raw, err := ParseSourceConfig(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]backend.Descriptor, len(raw))
	for name, r := range raw {
		desc, ok := toDescriptor(name, r)
		if !ok {
			continue
		}
		out[name] = desc
	}
	return out, nil
}

// toDescriptor converts a parsed rawDescriptor into the backend package's
// Descriptor, splitting a string-form command into (command, args) and
// normalizing env into KEY=VALUE pairs. Entries with an empty command list
// and no URL are rejected, per spec.md §4.6's "drop entries with empty
// command lists".
func toDescriptor(name string, r rawDescriptor) (backend.Descriptor, bool) {
	cmd, args := splitCommand(r.Command)
	if len(r.Args) > 0 {
		args = append(append([]string(nil), args...), r.Args...)
	}
	if cmd == "" && r.URL == "" {
		return backend.Descriptor{}, false
	}

	d := backend.Descriptor{
		Name:                name,
		Command:             cmd,
		Args:                args,
		Env:                 parseEnv(r.Env),
		URL:                 r.URL,
		Transport:           resolveTransport(r),
		AlwaysOn:            r.AlwaysOn,
		QuarantineThreshold: r.QuarantineThreshold,
		Triggers:            append([]string(nil), r.Triggers...),
	}
	if r.IdleTimeoutSeconds > 0 {
		d.IdleTimeout = secondsToDuration(r.IdleTimeoutSeconds)
	}
	return d, true
}

func resolveTransport(r rawDescriptor) mcpclient.TransportKind {
	hint := r.Transport
	if hint == "" {
		hint = r.Type
	}
	switch hint {
	case string(mcpclient.TransportStdio):
		return mcpclient.TransportStdio
	case string(mcpclient.TransportSSE):
		return mcpclient.TransportSSE
	case string(mcpclient.TransportStreamableHTTP):
		return mcpclient.TransportStreamableHTTP
	case string(mcpclient.TransportHTTP):
		return mcpclient.TransportHTTP
	default:
		return mcpclient.TransportAuto
	}
}

// splitCommand accepts either a JSON string ("node server.js") or a JSON
// array (["node", "server.js"]) and returns the executable plus any leading
// arguments the array form carried.
func splitCommand(raw json.RawMessage) (command string, args []string) {
	if len(raw) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return splitWords(asString)
	}
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		return asList[0], asList[1:]
	}
	return "", nil
}

func splitWords(s string) (string, []string) {
	fields := fieldsOf(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func parseEnv(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := make([]string, 0, len(asMap))
		for k, v := range asMap {
			out = append(out, k+"="+v)
		}
		return out
	}
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList
	}
	return nil
}

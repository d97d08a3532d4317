// Package trigger implements keyword-driven lazy activation of backends
// that are registered but not yet connected. Every incoming tool-call's
// arguments are scanned, case-insensitively, for any pending backend's
// trigger keywords; a match activates that backend so its tools become
// reachable on the next catalog lookup.
//
// Grounded on the case-insensitive substring keyword matching and
// panic-safe, lock-guarded state update style of a budget-tier selector
// elsewhere in the pack: scanning is pure string work with no I/O, and
// the only thing that can legitimately fail is the activation itself
// (a connect attempt), which is isolated per backend so one bad backend
// never stops the scan.
package trigger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// BackendSource abstracts the parts of the Session Manager / Capability
// Registry pairing that the Trigger Manager needs. Activate is expected to
// perform whatever is necessary to bring a backend from "pending" to
// "live" — lazily connecting it and registering its capabilities — and is
// the only method here that can block or fail.
type BackendSource interface {
	// Names returns every registered backend name, connected or not.
	Names() []string
	// HasSession reports whether the named backend currently has a live
	// session. Already-live backends are never rescanned for triggers.
	HasSession(name string) bool
	// Triggers returns the configured trigger keywords for name, or nil
	// if it has none (and is therefore never activated by this scan).
	Triggers(name string) []string
	// Activate connects the named backend and publishes its capabilities.
	Activate(ctx context.Context, name string) error
}

// Manager scans tool-call arguments for trigger keywords and lazily
// activates matching pending backends. All methods are safe for
// concurrent use.
type Manager struct {
	source BackendSource

	mu        sync.Mutex
	attempted map[string]struct{} // backends whose activation already failed this run
}

// NewManager returns a Manager backed by source.
func NewManager(source BackendSource) *Manager {
	return &Manager{
		source:    source,
		attempted: make(map[string]struct{}),
	}
}

// Evaluate extracts all textual content from args, scans it against every
// pending backend's trigger keywords, and activates any backend whose
// keywords match. It returns the names of backends newly activated as a
// result of this call (already-live or previously-failed backends are
// skipped; a failed backend is retried only after ClearAttempt is called
// for it).
//
// Evaluate never panics and never returns an error: per the contract of
// the router that calls it, a failing trigger scan must never take down
// the caller. Any panic raised while extracting text or activating a
// backend is recovered and logged; the scan simply continues or skips
// that backend.
func (m *Manager) Evaluate(ctx context.Context, toolArgs any) (activated []string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[trigger] recovered panic during scan: %v", r)
			activated = nil
		}
	}()

	text := strings.ToLower(ExtractText(toolArgs))
	if text == "" {
		return nil
	}

	names := append([]string(nil), m.source.Names()...)
	sort.Strings(names) // deterministic scan order

	for _, name := range names {
		if m.source.HasSession(name) {
			continue
		}
		keywords := m.source.Triggers(name)
		if len(keywords) == 0 {
			continue
		}
		if !containsAny(text, keywords) {
			continue
		}
		if m.alreadyAttempted(name) {
			continue
		}
		if err := m.safeActivate(ctx, name); err != nil {
			log.Printf("[trigger] activation of %q failed: %v", name, err)
			m.markAttempted(name)
			continue
		}
		activated = append(activated, name)
	}
	return activated
}

// ClearAttempt forgets a prior failed-activation record for name, so the
// next matching call will retry it.
func (m *Manager) ClearAttempt(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempted, name)
}

func (m *Manager) alreadyAttempted(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attempted[name]
	return ok
}

func (m *Manager) markAttempted(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempted[name] = struct{}{}
}

// safeActivate isolates a single backend's activation so that a panic
// raised deep inside a connector or registry call (e.g. a misbehaving
// backend transport) is contained to that one backend.
func (m *Manager) safeActivate(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic activating %q: %v", name, r)
		}
	}()
	return m.source.Activate(ctx, name)
}

// containsAny reports whether text (already lowercased) contains any of
// keywords as a case-insensitive substring.
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ExtractText recursively walks an arbitrary tool-call arguments value —
// typically the decoded JSON arguments of an MCP tools/call request, so
// maps, slices, strings, and scalars — and concatenates every string it
// finds, space-separated. Map keys are included alongside their values so
// that a trigger keyword expressed as a field name (not just a value)
// still matches. Unrecognized scalar types are ignored.
//
// ExtractText never panics: it is run inside a context that is always
// wrapped with a recover by its caller, but it is also defensively
// written to simply skip any value shape it does not recognize rather
// than relying solely on that recover.
func ExtractText(v any) string {
	var sb strings.Builder
	extractInto(&sb, v, 0)
	return sb.String()
}

// maxExtractDepth bounds recursion into attacker-controlled argument
// structures; beyond this depth we stop descending rather than risk a
// stack overflow on a maliciously deep payload.
const maxExtractDepth = 32

func extractInto(sb *strings.Builder, v any, depth int) {
	if v == nil || depth > maxExtractDepth {
		return
	}
	switch val := v.(type) {
	case string:
		writeSpaced(sb, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeSpaced(sb, k)
			extractInto(sb, val[k], depth+1)
		}
	case []any:
		for _, item := range val {
			extractInto(sb, item, depth+1)
		}
	case fmt.Stringer:
		writeSpaced(sb, val.String())
	default:
		// Scalars (numbers, bools) carry no trigger-relevant text.
	}
}

func writeSpaced(sb *strings.Builder, s string) {
	if s == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteByte(' ')
	}
	sb.WriteString(s)
}

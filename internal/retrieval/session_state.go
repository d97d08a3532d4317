// Package retrieval implements the optional tool-list shrinking pipeline:
// a per-session monotonic tool set, TF-IDF candidate scoring, specificity
// tie-breaking, and two-tier description compression. None of this has a
// direct analog in the host this module's ambient style is drawn from; it
// is new domain logic written in that style — functional-options
// configuration and lock-guarded, panic-isolated state updates — rather
// than adapted from an existing file.
package retrieval

import "sync"

// SessionStateManager tracks, per upstream session, the set of tool keys
// that have ever been visible to that session. The set is monotonic: once
// a key is added it is never removed, so an LLM client never sees a tool
// disappear from one `tools/list` call to the next.
type SessionStateManager struct {
	mu      sync.Mutex
	anchors []string
	sets    map[string]map[string]struct{}
}

// NewSessionStateManager returns a manager that seeds every new session
// with anchors (deep-copied so later mutation of the caller's slice has no
// effect).
func NewSessionStateManager(anchors []string) *SessionStateManager {
	return &SessionStateManager{
		anchors: append([]string(nil), anchors...),
		sets:    make(map[string]map[string]struct{}),
	}
}

// Keys returns the current tool-key set for session, initializing it with
// the configured anchor tools on first access. The returned slice is a
// snapshot copy safe for the caller to retain.
func (m *SessionStateManager) Keys(session string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.getOrInit(session)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// AddTools grows session's tool-key set with keys. It is monotonic: keys
// already present are no-ops, and there is deliberately no corresponding
// RemoveTools. Returns true if the set actually grew.
func (m *SessionStateManager) AddTools(session string, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.getOrInit(session)
	grew := false
	for _, k := range keys {
		if _, ok := set[k]; !ok {
			set[k] = struct{}{}
			grew = true
		}
	}
	return grew
}

// getOrInit must be called with m.mu held.
func (m *SessionStateManager) getOrInit(session string) map[string]struct{} {
	set, ok := m.sets[session]
	if ok {
		return set
	}
	set = make(map[string]struct{}, len(m.anchors))
	for _, a := range m.anchors {
		set[a] = struct{}{}
	}
	m.sets[session] = set
	return set
}

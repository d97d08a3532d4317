package retrieval

import "testing"

func TestSessionStateManager_InitializesWithAnchors(t *testing.T) {
	m := NewSessionStateManager([]string{"calc__add", "calc__subtract"})
	keys := m.Keys("sess-1")
	if len(keys) != 2 {
		t.Fatalf("expected 2 anchor keys, got %v", keys)
	}
}

func TestSessionStateManager_AddToolsIsMonotonic(t *testing.T) {
	m := NewSessionStateManager([]string{"calc__add"})
	m.Keys("sess-1") // initialize

	grew := m.AddTools("sess-1", []string{"weather__forecast"})
	if !grew {
		t.Fatal("expected set to grow")
	}
	if len(m.Keys("sess-1")) != 2 {
		t.Fatalf("expected 2 keys after growth, got %v", m.Keys("sess-1"))
	}

	grew = m.AddTools("sess-1", []string{"weather__forecast"})
	if grew {
		t.Fatal("expected no growth on duplicate add")
	}
	if len(m.Keys("sess-1")) != 2 {
		t.Fatalf("expected set size unchanged, got %v", m.Keys("sess-1"))
	}
}

func TestSessionStateManager_IndependentPerSession(t *testing.T) {
	m := NewSessionStateManager([]string{"calc__add"})
	m.AddTools("sess-1", []string{"weather__forecast"})

	if len(m.Keys("sess-2")) != 1 {
		t.Fatalf("expected sess-2 to only have anchors, got %v", m.Keys("sess-2"))
	}
}

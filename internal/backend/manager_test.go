package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
)

func fakeConnector(calls *atomic.Int32) Connector {
	return func(ctx context.Context, desc Descriptor) (*mcpclient.Client, error) {
		calls.Add(1)
		return mcpclient.New(desc.clientConfig()), nil
	}
}

func TestRegisterPending_IdempotentPreservesFilter(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPending(Descriptor{Name: "calc", Command: "calc-server"})
	m.Deny("calc", "dangerous_op")

	// Re-register with different connection parameters; the deny entry must survive.
	m.RegisterPending(Descriptor{Name: "calc", Command: "calc-server-v2"})

	if m.Permits("calc", "dangerous_op") {
		t.Error("expected deny to survive re-registration")
	}
	d, ok := m.Descriptor("calc")
	if !ok || d.Command != "calc-server-v2" {
		t.Errorf("expected updated command, got %+v", d)
	}
}

func TestGetOrCreate_NotRegistered(t *testing.T) {
	m := NewManager(nil)
	_, err := m.GetOrCreate(context.Background(), "unknown")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestGetOrCreate_CoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	connector := func(ctx context.Context, desc Descriptor) (*mcpclient.Client, error) {
		calls.Add(1)
		<-release
		return mcpclient.New(desc.clientConfig()), nil
	}

	m := NewManager(nil)
	m.SetConnector(connector)
	m.RegisterPending(Descriptor{Name: "calc", Command: "calc-server"})

	const n = 10
	results := make([]*Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetOrCreate(context.Background(), "calc")
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let all goroutines pile up on singleflight
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 connect attempt, got %d", calls.Load())
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: unexpected error: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Error("expected all goroutines to observe the same session")
		}
	}
}

func TestGetOrCreate_FailureThenRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(nil)
	m.SetConnector(func(ctx context.Context, desc Descriptor) (*mcpclient.Client, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return mcpclient.New(desc.clientConfig()), nil
	})
	m.RegisterPending(Descriptor{Name: "calc", Command: "calc-server"})

	if _, err := m.GetOrCreate(context.Background(), "calc"); err == nil {
		t.Fatal("expected first connect to fail")
	}
	if _, ok := m.Session("calc"); ok {
		t.Fatal("expected no session to be registered after a failed connect")
	}

	sess, err := m.GetOrCreate(context.Background(), "calc")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session on successful retry")
	}
}

func TestQuarantineThreshold_DefaultAndOverride(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPending(Descriptor{Name: "calc"})
	if got := m.QuarantineThreshold("calc"); got != DefaultQuarantineLevel {
		t.Errorf("expected default %d, got %d", DefaultQuarantineLevel, got)
	}

	m.RegisterPending(Descriptor{Name: "flaky", QuarantineThreshold: 7})
	if got := m.QuarantineThreshold("flaky"); got != 7 {
		t.Errorf("expected override 7, got %d", got)
	}
}

func TestPermits_AllowListRestrictsToMembers(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPending(Descriptor{Name: "calc"})
	d := m.descriptors["calc"]
	d.allow = map[string]struct{}{"add": {}}

	if !m.Permits("calc", "add") {
		t.Error("expected add to be permitted")
	}
	if m.Permits("calc", "subtract") {
		t.Error("expected subtract to be rejected (not in allow-list)")
	}
}

func TestDisconnectIdle_ClosesExpiredSessionAndNotifies(t *testing.T) {
	var disconnected []string
	var mu sync.Mutex
	m := NewManager(func(name string) {
		mu.Lock()
		disconnected = append(disconnected, name)
		mu.Unlock()
	})
	m.RegisterPending(Descriptor{Name: "calc", IdleTimeout: 10 * time.Millisecond})

	sess := &Session{
		Client: mcpclient.New(mcpclient.Config{Name: "calc"}),
		cancel: func() {},
	}
	sess.lastUsed.Store(time.Now().Add(-time.Hour))
	group := &errgroup.Group{}
	sess.supervise = group

	m.mu.Lock()
	m.sessions["calc"] = sess
	m.mu.Unlock()

	m.DisconnectIdle()

	if _, ok := m.Session("calc"); ok {
		t.Error("expected expired session to be removed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(disconnected) != 1 || disconnected[0] != "calc" {
		t.Errorf("expected onDisconnected(calc), got %v", disconnected)
	}
}

func TestDisconnectIdle_SkipsAlwaysOnAndFreshSessions(t *testing.T) {
	m := NewManager(nil)
	m.RegisterPending(Descriptor{Name: "always", AlwaysOn: true, IdleTimeout: time.Millisecond})
	m.RegisterPending(Descriptor{Name: "fresh", IdleTimeout: 24 * time.Hour})

	for _, name := range []string{"always", "fresh"} {
		sess := &Session{Client: mcpclient.New(mcpclient.Config{Name: name}), cancel: func() {}, supervise: &errgroup.Group{}}
		sess.lastUsed.Store(time.Now().Add(-time.Hour))
		m.mu.Lock()
		m.sessions[name] = sess
		m.mu.Unlock()
	}

	m.DisconnectIdle()

	if _, ok := m.Session("always"); !ok {
		t.Error("expected always_on session to survive idle scan")
	}
	if _, ok := m.Session("fresh"); !ok {
		t.Error("expected fresh session (large idle timeout) to survive idle scan")
	}
}

func TestWatchdog_ReconnectsMissingAlwaysOn(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(nil)
	m.SetConnector(fakeConnector(&calls))
	m.RegisterPending(Descriptor{Name: "always", AlwaysOn: true})

	m.Watchdog(context.Background())

	if calls.Load() != 1 {
		t.Errorf("expected 1 reconnect attempt, got %d", calls.Load())
	}
	if _, ok := m.Session("always"); !ok {
		t.Error("expected always_on session to be connected after watchdog")
	}
}

func TestWatchdog_LeavesConnectedAlwaysOnAlone(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(nil)
	m.SetConnector(fakeConnector(&calls))
	m.RegisterPending(Descriptor{Name: "always", AlwaysOn: true})

	sess := &Session{Client: mcpclient.New(mcpclient.Config{Name: "always"}), cancel: func() {}, supervise: &errgroup.Group{}}
	m.mu.Lock()
	m.sessions["always"] = sess
	m.mu.Unlock()

	m.Watchdog(context.Background())

	if calls.Load() != 0 {
		t.Errorf("expected no reconnect attempts, got %d", calls.Load())
	}
}

// TestSupervisor_PingFailureTearsDownSession drives a real connect() through
// the live supervision path (unlike the other teardown tests in this file,
// which construct a *Session by hand with an empty errgroup.Group that
// nothing was ever added to). A Client with no live inner connection fails
// every Ping, so the supervisor goroutine should observe the failure and the
// session should be torn down without the test ever hanging — if teardown
// ever regresses to waiting on its own tracked goroutine from inside that
// goroutine, this test deadlocks instead of passing.
func TestSupervisor_PingFailureTearsDownSession(t *testing.T) {
	var disconnected []string
	var mu sync.Mutex
	m := NewManager(func(name string) {
		mu.Lock()
		disconnected = append(disconnected, name)
		mu.Unlock()
	})
	m.probeInterval = 5 * time.Millisecond
	m.RegisterPending(Descriptor{Name: "calc"})
	m.SetConnector(func(ctx context.Context, desc Descriptor) (*mcpclient.Client, error) {
		return mcpclient.New(desc.clientConfig()), nil // never connected: every Ping fails
	})

	if _, err := m.GetOrCreate(context.Background(), "calc"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Session("calc"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := m.Session("calc"); ok {
		t.Fatal("expected session to be torn down after repeated supervisor ping failures")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(disconnected) != 1 || disconnected[0] != "calc" {
		t.Errorf("expected onDisconnected(calc) exactly once, got %v", disconnected)
	}
}

func TestUnregister_TearsDownSessionAndFiresCallback(t *testing.T) {
	var disconnected []string
	m := NewManager(func(name string) { disconnected = append(disconnected, name) })
	m.RegisterPending(Descriptor{Name: "calc"})

	sess := &Session{Client: mcpclient.New(mcpclient.Config{Name: "calc"}), cancel: func() {}, supervise: &errgroup.Group{}}
	m.mu.Lock()
	m.sessions["calc"] = sess
	m.mu.Unlock()

	m.Unregister("calc")

	if _, ok := m.Descriptor("calc"); ok {
		t.Error("expected descriptor to be removed")
	}
	if len(disconnected) != 1 || disconnected[0] != "calc" {
		t.Errorf("expected onDisconnected(calc), got %v", disconnected)
	}
}

// Package backend owns the lifecycle of every live backend MCP connection:
// lazy connect with coalesced concurrent attempts, idle disconnection,
// always-on reconnection, and per-session liveness supervision.
//
// Concurrency model: state changes are guarded by mu. Network I/O (connect,
// ping, close) is always performed outside the lock, matching the teacher's
// internal/mcp/manager.go discipline, so a slow or hung backend cannot block
// other Manager operations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
)

// Default tunables. MaxConnections and ConnectTimeout are overridable
// per-Manager via NewManager's options; QuarantineLevel is overridable
// per-Descriptor via QuarantineThreshold. The others are fixed.
const (
	DefaultMaxConnections  = 10
	DefaultConnectTimeout  = 30 * time.Second
	DefaultIdleScanPeriod  = 60 * time.Second
	DefaultWatchdogPeriod  = 30 * time.Second
	DefaultProbeInterval   = 20 * time.Second
	DefaultQuarantineLevel = 3
)

// Sentinel errors returned by GetOrCreate.
var (
	ErrNotRegistered  = errors.New("backend: server not registered")
	ErrConnectTimeout = errors.New("backend: connect deadline exceeded")
)

// Descriptor is the full backend configuration recorded by RegisterPending.
type Descriptor struct {
	Name                string
	Command             string
	Args                []string
	Env                 []string
	URL                 string
	Transport           mcpclient.TransportKind
	AlwaysOn            bool
	IdleTimeout         time.Duration
	QuarantineThreshold int // 0 means "use the manager default"
	Triggers            []string

	allow map[string]struct{} // nil = allow all
	deny  map[string]struct{}
}

func (d Descriptor) clientConfig() mcpclient.Config {
	return mcpclient.Config{
		Name:      d.Name,
		Transport: d.Transport,
		Command:   d.Command,
		Args:      d.Args,
		Env:       d.Env,
		URL:       d.URL,
	}
}

// Session is a live handle to a connected backend, wrapping mcpclient.Client
// with the usage timestamp and supervision lifecycle the Session Manager
// needs. The embedded client's methods are promoted, so *Session satisfies
// catalog.BackendSession directly.
type Session struct {
	*mcpclient.Client

	lastUsed  atomicTime
	cancel    context.CancelFunc
	supervise *errgroup.Group
}

// Touch records that the session was just used.
func (s *Session) Touch() { s.lastUsed.Store(time.Now()) }

// LastUsed returns the last time the session was used.
func (s *Session) LastUsed() time.Time { return s.lastUsed.Load() }

// Manager is the Session Manager. It satisfies catalog.FilterStore, since
// the allow/deny tool filter is part of the backend descriptor this package
// owns.
type Manager struct {
	mu          sync.Mutex
	descriptors map[string]*Descriptor
	sessions    map[string]*Session

	creation singleflight.Group
	sem      chan struct{}

	connectTimeout time.Duration
	idleScanPeriod time.Duration
	watchdogPeriod time.Duration
	probeInterval  time.Duration

	onDisconnected func(name string)
	connector      Connector

	stopOnce sync.Once
	stopCh   chan struct{}
	loops    sync.WaitGroup
}

// Connector dials a backend and returns a ready (post-initialize) client.
// Tests inject a fake Connector to drive Manager without a real subprocess
// or socket, mirroring the teacher's SetTransportFactory.
type Connector func(ctx context.Context, desc Descriptor) (*mcpclient.Client, error)

func defaultConnector(ctx context.Context, desc Descriptor) (*mcpclient.Client, error) {
	cli := mcpclient.New(desc.clientConfig())
	if err := cli.Connect(ctx); err != nil {
		return nil, err
	}
	return cli, nil
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMaxConnections overrides the global connection semaphore size.
func WithMaxConnections(n int) Option {
	return func(m *Manager) { m.sem = make(chan struct{}, n) }
}

// WithConnectTimeout overrides the per-connect deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// NewManager constructs a Manager. onDisconnected is invoked (outside any
// lock) whenever a session is torn down for any reason — idle timeout,
// supervisor-detected death, or explicit Unregister — so the caller (the
// Capability Registry) can nil out its session references.
func NewManager(onDisconnected func(name string), opts ...Option) *Manager {
	m := &Manager{
		descriptors:    make(map[string]*Descriptor),
		sessions:       make(map[string]*Session),
		sem:            make(chan struct{}, DefaultMaxConnections),
		connectTimeout: DefaultConnectTimeout,
		idleScanPeriod: DefaultIdleScanPeriod,
		watchdogPeriod: DefaultWatchdogPeriod,
		probeInterval:  DefaultProbeInterval,
		onDisconnected: onDisconnected,
		connector:      defaultConnector,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetConnector overrides how backends are dialed. Intended for tests.
func (m *Manager) SetConnector(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connector = c
}

// RegisterPending records a descriptor without opening any connection. It is
// idempotent: a second call for the same name updates the connection
// parameters but never overwrites an already-established allow/deny filter.
func (m *Manager) RegisterPending(d Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.descriptors[d.Name]; ok {
		d.allow = existing.allow
		d.deny = existing.deny
	}
	m.descriptors[d.Name] = &d
}

// Descriptor returns a copy of the named server's registered descriptor.
func (m *Manager) Descriptor(name string) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Names returns every currently registered server name.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.descriptors))
	for name := range m.descriptors {
		out = append(out, name)
	}
	return out
}

// Session returns the live session for name, if any.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// GetOrCreate returns the existing session for name, or establishes one.
// Concurrent calls for the same name are coalesced onto a single connect
// attempt via singleflight — the per-server creation lock of spec.md §4.1
// *is* this singleflight group keyed by server name.
func (m *Manager) GetOrCreate(ctx context.Context, name string) (*Session, error) {
	if sess, ok := m.Session(name); ok {
		return sess, nil
	}

	m.mu.Lock()
	_, registered := m.descriptors[name]
	m.mu.Unlock()
	if !registered {
		return nil, fmt.Errorf("backend: %w: %q", ErrNotRegistered, name)
	}

	result, err, _ := m.creation.Do(name, func() (any, error) {
		return m.connect(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

// connect performs the actual dial. Called only from inside the singleflight
// closure, so at most one goroutine executes this per server at a time.
func (m *Manager) connect(ctx context.Context, name string) (*Session, error) {
	// Double-checked: another caller may have finished just before we got here.
	if sess, ok := m.Session(name); ok {
		return sess, nil
	}

	m.mu.Lock()
	desc, ok := m.descriptors[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend: %w: %q", ErrNotRegistered, name)
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("backend: acquire connection slot for %q: %w", name, ctx.Err())
	}
	defer func() { <-m.sem }()

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	m.mu.Lock()
	connector := m.connector
	m.mu.Unlock()

	cli, err := connector(connectCtx, *desc)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("backend: %w: %q", ErrConnectTimeout, name)
		}
		return nil, fmt.Errorf("backend: connect %q: %w", name, err)
	}

	superviseCtx, superviseCancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(superviseCtx)
	sess := &Session{Client: cli, cancel: superviseCancel, supervise: group}
	sess.Touch()

	group.Go(func() error {
		return m.runSupervisor(groupCtx, name, sess)
	})

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()

	// group.Wait must run on a goroutine outside the one it is waiting on:
	// runSupervisor itself is the only tracked goroutine, so teardown cannot
	// call sess.supervise.Wait() from inside runSupervisor without
	// deadlocking on its own completion. This watcher is the "caller outside
	// the tracked goroutine" that observes the group finishing and, only on
	// an actual failure (non-nil error), drives cleanup. A nil error means
	// the supervisor exited because its context was cancelled (Stop, idle
	// timeout, or explicit teardown already in progress elsewhere), which
	// is not a failure and must not re-trigger teardown.
	go func() {
		if err := group.Wait(); err != nil {
			m.teardown(name, sess)
		}
	}()

	log.Printf("[backend] connected %q", name)
	return sess, nil
}

// RecordUsage updates last_used for name. It is a pure write with no need
// for synchronization beyond the atomic timestamp itself.
func (m *Manager) RecordUsage(name string) {
	if sess, ok := m.Session(name); ok {
		sess.Touch()
	}
}

// runSupervisor is the per-session background liveness checker: it pings
// the backend periodically and returns an error on the first ping failure.
// It must not call teardown itself — it is the sole goroutine tracked by
// sess.supervise, and teardown waits on that same group; calling it from
// here would deadlock waiting for its own return. The caller (connect's
// group.Wait watcher) performs the actual teardown once this goroutine has
// actually returned.
func (m *Manager) runSupervisor(ctx context.Context, name string, sess *Session) error {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
			err := sess.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Printf("[backend] liveness probe failed for %q: %v", name, err)
				return err
			}
		}
	}
}

// teardown implements the shared cleanup path for idle timeout,
// supervisor-detected death, and explicit unregistration: remove from the
// session map, close the I/O stack, then notify the registry so tool
// entries are marked lazy rather than removed. Must never be called from
// the goroutine tracked by sess.supervise itself — sess.supervise.Wait()
// below blocks until that goroutine returns, which can't happen if it is
// the one calling teardown.
func (m *Manager) teardown(name string, expect *Session) {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	if !ok || (expect != nil && sess != expect) {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, name)
	m.mu.Unlock()

	sess.cancel()
	_ = sess.supervise.Wait()
	if err := sess.Close(); err != nil {
		log.Printf("[backend] close %q: %v", name, err)
	}

	if m.onDisconnected != nil {
		m.onDisconnected(name)
	}
}

// DisconnectIdle scans connected non-always_on sessions and closes any whose
// last_used exceeds its descriptor's idle timeout. The removal happens
// before the close so a concurrent GetOrCreate observes no session and
// reconnects rather than racing the teardown.
func (m *Manager) DisconnectIdle() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for name, sess := range m.sessions {
		desc, ok := m.descriptors[name]
		if !ok || desc.AlwaysOn || desc.IdleTimeout <= 0 {
			continue
		}
		if now.Sub(sess.LastUsed()) > desc.IdleTimeout {
			expired = append(expired, name)
		}
	}
	m.mu.Unlock()

	for _, name := range expired {
		log.Printf("[backend] idle timeout, disconnecting %q", name)
		m.teardown(name, nil)
	}
}

// Watchdog reconnects any always_on server that is currently missing a live
// session.
func (m *Manager) Watchdog(ctx context.Context) {
	m.mu.Lock()
	var missing []string
	for name, desc := range m.descriptors {
		if !desc.AlwaysOn {
			continue
		}
		if _, connected := m.sessions[name]; !connected {
			missing = append(missing, name)
		}
	}
	m.mu.Unlock()

	for _, name := range missing {
		if _, err := m.GetOrCreate(ctx, name); err != nil {
			log.Printf("[backend] watchdog reconnect failed for %q: %v", name, err)
		}
	}
}

// Run starts the idle-disconnect and watchdog loops and blocks until ctx is
// cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	m.loops.Add(2)
	go func() {
		defer m.loops.Done()
		m.loop(ctx, m.idleScanPeriod, m.DisconnectIdle)
	}()
	go func() {
		defer m.loops.Done()
		m.loop(ctx, m.watchdogPeriod, func() { m.Watchdog(ctx) })
	}()
	<-ctx.Done()
	m.loops.Wait()
}

func (m *Manager) loop(ctx context.Context, period time.Duration, fn func()) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop signals the background loops to exit and closes every live session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.teardown(name, nil)
	}
}

// Unregister removes a server's descriptor entirely and tears down any live
// session, firing onDisconnected exactly as any other teardown path does.
func (m *Manager) Unregister(name string) {
	if sess, ok := m.Session(name); ok {
		m.teardown(name, sess)
	}
	m.mu.Lock()
	delete(m.descriptors, name)
	m.mu.Unlock()
}

// QuarantineThreshold returns the effective consecutive-failure threshold
// for name: the descriptor's override if set, else DefaultQuarantineLevel.
func (m *Manager) QuarantineThreshold(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[name]
	if !ok || d.QuarantineThreshold <= 0 {
		return DefaultQuarantineLevel
	}
	return d.QuarantineThreshold
}

// Triggers returns the configured trigger keywords for name.
func (m *Manager) Triggers(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[name]
	if !ok {
		return nil
	}
	return append([]string(nil), d.Triggers...)
}

// Permits implements catalog.FilterStore.
func (m *Manager) Permits(server, item string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[server]
	if !ok {
		return true
	}
	if _, denied := d.deny[item]; denied {
		return false
	}
	if d.allow != nil {
		_, allowed := d.allow[item]
		return allowed
	}
	return true
}

// Deny implements catalog.FilterStore.
func (m *Manager) Deny(server, item string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[server]
	if !ok {
		return
	}
	if d.deny == nil {
		d.deny = make(map[string]struct{})
	}
	d.deny[item] = struct{}{}
}

// Undeny implements catalog.FilterStore.
func (m *Manager) Undeny(server, item string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descriptors[server]
	if !ok {
		return
	}
	delete(d.deny, item)
}

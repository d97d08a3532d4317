// Command multimcpd is the thin command-line front-end over the
// federation runtime: it wires together the State Cache, Capability
// Registry, Session Manager, Trigger Manager, Retrieval Pipeline, Request
// Router, and the two upstream transports, and exposes the `start`,
// `refresh`, `status`, and `list` subcommands of spec.md §6's CLI surface.
//
// The CLI itself is explicitly out of scope per spec.md §1 ("the
// command-line front-end"); this file is deliberately thin plumbing over
// the packages that carry the real behavior, in the teacher's plain
// `flag` + `os.Getenv` style (cmd/omega/main.go never reaches for a CLI
// framework, so neither does this one).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/itstanner5216/multi-mcp-sub000/internal/audit"
	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
	"github.com/itstanner5216/multi-mcp-sub000/internal/bootstrap"
	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
	"github.com/itstanner5216/multi-mcp-sub000/internal/retrieval"
	"github.com/itstanner5216/multi-mcp-sub000/internal/router"
	"github.com/itstanner5216/multi-mcp-sub000/internal/statecache"
	"github.com/itstanner5216/multi-mcp-sub000/internal/transport"
	"github.com/itstanner5216/multi-mcp-sub000/internal/trigger"
	"github.com/itstanner5216/multi-mcp-sub000/pkg/config"
)

func main() {
	config.LoadEnv()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "refresh":
		err = runRefresh(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "multimcpd: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Printf("[multimcpd] %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: multimcpd <subcommand> [flags]

subcommands:
  start    run the proxy (stdio or HTTP+SSE transport)
  refresh  re-run backend discovery, optionally for a single server
  status   print per-server settings and tool counts read from the state cache
  list     print per-server tool state read from the state cache`)
}

// defaultStatePath mirrors spec.md §6's well-known default,
// $HOME/.config/multi-mcp/servers.yaml.
func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "multi-mcp", "servers.yaml")
}

// ── start ───────────────────────────────────────────────────────────────

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	transportFlag := fs.String("transport", envOr("MULTIMCP_TRANSPORT", "stdio"), "stdio|sse")
	host := fs.String("host", envOr("MULTIMCP_HOST", "127.0.0.1"), "HTTP+SSE bind host")
	port := fs.Int("port", envIntOr("MULTIMCP_PORT", 8080), "HTTP+SSE bind port")
	configPath := fs.String("config", os.Getenv("MULTIMCP_CONFIG"), "explicit source-config file")
	apiKey := fs.String("api-key", os.Getenv("MULTIMCP_API_KEY"), "shared bearer token for the HTTP admin surface")
	logLevel := fs.String("log-level", envOr("MULTIMCP_LOG_LEVEL", "info"), "log verbosity (unused by the plain log package beyond a banner)")
	statePath := fs.String("state", envOr("MULTIMCP_STATE_PATH", defaultStatePath()), "state cache file path")
	searchPaths := fs.String("search-paths", ".", "comma-separated source-config search roots")
	debug := fs.Bool("debug", os.Getenv("MULTIMCP_DEBUG") == "true", "include error detail in 500 responses")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log.Printf("[multimcpd] starting (transport=%s log-level=%s state=%s)", *transportFlag, *logLevel, *statePath)

	cache := statecache.Load(*statePath)
	// Registered first, so the state-cache save is the last thing that runs
	// on shutdown, per spec.md §5's cancellation semantics, regardless of
	// which transport served the session.
	defer func() {
		if err := cache.Save(); err != nil {
			log.Printf("[multimcpd] save state cache: %v", err)
		}
	}()

	var auditSink *audit.Sink
	auditPath := os.Getenv("MULTIMCP_AUDIT_PATH")
	if auditPath == "" {
		auditPath = filepath.Join(filepath.Dir(*statePath), "audit.log")
	}
	auditSink = audit.NewSink(auditPath)
	defer auditSink.Close()

	// registry is assigned immediately below; mgr's onDisconnected closure
	// only ever fires after that assignment, once connections are live.
	var registry *catalog.Registry
	mgr := backend.NewManager(func(name string) { registry.OnServerDisconnected(name) })
	registry = catalog.NewRegistry(cache, mgr)

	triggerMgr := trigger.NewManager(trigger.NewBackendSource(mgr, registry, func(kind string) {}))

	bs := bootstrap.New(cache, mgr, registry)
	var sources bootstrap.Sources
	if *configPath != "" {
		sources.ExplicitFile = *configPath
	} else {
		sources.SearchPaths = splitCSV(*searchPaths)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs.Run(ctx, sources)

	var pipeline *retrieval.Pipeline
	if anchors := os.Getenv("MULTIMCP_RETRIEVAL_ANCHORS"); anchors != "" {
		pipeline = retrieval.NewPipeline(splitCSV(anchors))
	}

	var mcpServer *transport.Server
	routerOpts := []router.Option{
		router.WithAuditSink(auditSink),
		router.WithListChanged(func(kind string) {
			if mcpServer != nil {
				mcpServer.Sync(kind)
			}
		}),
	}
	if pipeline != nil {
		// *retrieval.Pipeline satisfies router.RetrievalNotifier directly;
		// wrapping is unnecessary as long as a nil pipeline is never passed,
		// since router.New stores whatever concrete type implements the
		// interface and checks it for nil itself.
		routerOpts = append(routerOpts, router.WithRetrieval(pipeline))
	}
	rt := router.New(registry, router.NewBackendSessionManager(mgr), triggerMgr, routerOpts...)

	mcpServer = transport.New(transport.Deps{
		Name:      "multi-mcp",
		Version:   "0.1.0",
		Router:    rt,
		Registry:  registry,
		Retrieval: pipeline,
	})
	mcpServer.Sync("tools")
	mcpServer.Sync("prompts")
	mcpServer.Sync("resources")

	bs.ConnectAlwaysOn(ctx, mgr.Names(), func(kind string) { mcpServer.Sync(kind) })

	// Run blocks on ctx.Done() itself (it owns the idle/watchdog loops), so
	// it must not run inline ahead of the transport serve loop below.
	go mgr.Run(ctx)
	defer mgr.Stop()

	switch *transportFlag {
	case "stdio":
		return transport.ServeStdio(mcpServer)
	case "sse", "http":
		httpSrv := transport.NewHTTPServer(transport.HTTPConfig{
			Host:  *host,
			Port:  *port,
			Token: *apiKey,
			Debug: *debug,
		}, mcpServer, mgr, registry)

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			log.Printf("[multimcpd] shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Stop(shutdownCtx); err != nil {
				log.Printf("[multimcpd] shutdown: %v", err)
			}
			return nil
		}
	default:
		return fmt.Errorf("multimcpd: unknown transport %q", *transportFlag)
	}
}

// ── refresh ─────────────────────────────────────────────────────────────

func runRefresh(args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	statePath := fs.String("state", envOr("MULTIMCP_STATE_PATH", defaultStatePath()), "state cache file path")
	configPath := fs.String("config", os.Getenv("MULTIMCP_CONFIG"), "explicit source-config file")
	searchPaths := fs.String("search-paths", ".", "comma-separated source-config search roots")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var target string
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	}

	cache := statecache.Load(*statePath)
	mgr := backend.NewManager(nil)
	registry := catalog.NewRegistry(cache, mgr)
	bs := bootstrap.New(cache, mgr, registry)

	var sources bootstrap.Sources
	if *configPath != "" {
		sources.ExplicitFile = *configPath
	} else {
		sources.SearchPaths = splitCSV(*searchPaths)
	}

	ctx := context.Background()
	if target == "" {
		discovered := bs.Run(ctx, sources)
		fmt.Printf("refreshed %d server(s): %v\n", len(discovered), discovered)
		return nil
	}

	desc, ok := mgr.Descriptor(target)
	if !ok {
		// Not yet registered this run; gather descriptors and look it up there.
		bs.Run(ctx, sources)
		desc, ok = mgr.Descriptor(target)
		if !ok {
			return fmt.Errorf("multimcpd: unknown server %q", target)
		}
	}
	disc := bootstrap.ClientDiscoverer{}
	tools, err := disc.Discover(ctx, desc.Name, mcpclient.Config{
		Name:      desc.Name,
		Transport: desc.Transport,
		Command:   desc.Command,
		Args:      desc.Args,
		Env:       desc.Env,
		URL:       desc.URL,
	})
	if err != nil {
		return fmt.Errorf("multimcpd: refresh %q: %w", target, err)
	}
	cache.MergeDiscovery(target, tools)
	cache.CleanupStale(target)
	if err := cache.Save(); err != nil {
		return err
	}
	fmt.Printf("refreshed %q: %d tool(s)\n", target, len(tools))
	return nil
}

// ── status ──────────────────────────────────────────────────────────────

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	statePath := fs.String("state", envOr("MULTIMCP_STATE_PATH", defaultStatePath()), "state cache file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cache := statecache.Load(*statePath)
	names := cache.Servers()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("no servers in state cache")
		return nil
	}
	for _, name := range names {
		state, ok := cache.Server(name)
		if !ok {
			continue
		}
		enabled := cache.EnabledTools(name)
		fmt.Printf("%-24s always_on=%-5t idle_timeout=%dm tools=%d enabled=%d\n",
			name, state.AlwaysOn, state.IdleTimeoutMinutes, len(state.Tools), len(enabled))
	}
	return nil
}

// ── list ────────────────────────────────────────────────────────────────

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	statePath := fs.String("state", envOr("MULTIMCP_STATE_PATH", defaultStatePath()), "state cache file path")
	serverFilter := fs.String("server", "", "restrict listing to one server")
	disabledOnly := fs.Bool("disabled", false, "show only disabled tools")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cache := statecache.Load(*statePath)
	names := cache.Servers()
	sort.Strings(names)
	for _, name := range names {
		if *serverFilter != "" && name != *serverFilter {
			continue
		}
		state, ok := cache.Server(name)
		if !ok {
			continue
		}
		toolNames := make([]string, 0, len(state.Tools))
		for tn := range state.Tools {
			toolNames = append(toolNames, tn)
		}
		sort.Strings(toolNames)
		for _, tn := range toolNames {
			t := state.Tools[tn]
			if *disabledOnly && t.Enabled {
				continue
			}
			staleMark := ""
			if t.Stale {
				staleMark = " stale"
			}
			lastSeen := ""
			if !t.LastSeen.IsZero() {
				lastSeen = " last_seen=" + t.LastSeen.Format(time.RFC3339)
			}
			fmt.Printf("%s__%s enabled=%t%s%s\n", name, tn, t.Enabled, staleMark, lastSeen)
		}
	}
	return nil
}

// ── shared flag helpers ──────────────────────────────────────────────────

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}


package bootstrap

import (
	"context"
	"log"

	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
	"github.com/itstanner5216/multi-mcp-sub000/internal/statecache"
)

// Sources configures where Bootstrap looks for backend descriptors when the
// State Cache is empty or missing entries.
type Sources struct {
	// ExplicitFile, if set, is read instead of walking SearchPaths.
	ExplicitFile string
	// SearchPaths are recursively walked for conventionally-named config
	// files when ExplicitFile is empty.
	SearchPaths []string
}

// Bootstrap resolves the initial set of backend descriptors and registers
// them with the Session Manager and Capability Registry, per spec.md
// §4.6's five-step procedure.
type Bootstrap struct {
	Cache      *statecache.Cache
	Manager    *backend.Manager
	Registry   *catalog.Registry
	Discoverer Discoverer
}

// New constructs a Bootstrap with the default Discoverer.
func New(cache *statecache.Cache, manager *backend.Manager, registry *catalog.Registry) *Bootstrap {
	return &Bootstrap{Cache: cache, Manager: manager, Registry: registry, Discoverer: ClientDiscoverer{}}
}

// Run executes the full bootstrap procedure: load-or-discover descriptors,
// merge discovery results into the State Cache, persist it, register every
// server as pending with its tool filter applied, and pre-populate the
// Capability Registry from the now-current cache. It returns the names of
// the uncached servers whose discovery was attempted this run, whether or
// not that discovery succeeded (a subset useful for logging
// and for the always-on reconnect pass the caller performs afterward).
func (b *Bootstrap) Run(ctx context.Context, sources Sources) []string {
	cached := b.Cache.Servers()
	descriptors := b.gatherDescriptors(sources)

	var toDiscover map[string]rawDescriptor
	if len(cached) == 0 {
		toDiscover = descriptors
	} else {
		toDiscover = deltaOnly(descriptors, cached)
	}

	discovered := make([]string, 0, len(toDiscover))
	for name, raw := range toDiscover {
		desc, ok := toDescriptor(name, raw)
		if !ok {
			log.Printf("[bootstrap] skipping %q: empty command and no URL", name)
			continue
		}
		b.discoverOne(ctx, desc)
		discovered = append(discovered, name)
	}

	if err := b.Cache.Save(); err != nil {
		log.Printf("[bootstrap] save state cache: %v", err)
	}

	b.registerAll(descriptors)
	b.Registry.LoadFromCache()

	return discovered
}

// gatherDescriptors loads raw descriptors from the explicit file if
// configured, else walks SearchPaths for conventionally-named files.
func (b *Bootstrap) gatherDescriptors(sources Sources) map[string]rawDescriptor {
	var files []string
	if sources.ExplicitFile != "" {
		files = []string{sources.ExplicitFile}
	} else {
		files = FindSourceFiles(sources.SearchPaths)
	}

	merged, errs := ReadSourceFiles(files)
	for _, err := range errs {
		log.Printf("[bootstrap] source file error: %v", err)
	}
	return merged
}

// deltaOnly returns the subset of descriptors whose name is not already
// present in cachedServers, implementing spec.md §4.6's idempotency
// contract: discover only what the cache doesn't already know about.
func deltaOnly(descriptors map[string]rawDescriptor, cachedServers []string) map[string]rawDescriptor {
	known := make(map[string]struct{}, len(cachedServers))
	for _, name := range cachedServers {
		known[name] = struct{}{}
	}
	out := make(map[string]rawDescriptor)
	for name, d := range descriptors {
		if _, seen := known[name]; !seen {
			out[name] = d
		}
	}
	return out
}

// discoverOne runs the connect/list/disconnect probe for a single
// descriptor and merges the result into the State Cache. A discovery
// failure is logged and otherwise ignored — spec.md's "one bad backend must
// not stop the process" tolerance, grounded on ConnectAll's per-server
// error collection without aborting the whole pass.
func (b *Bootstrap) discoverOne(ctx context.Context, desc backend.Descriptor) {
	cfg := mcpclient.Config{
		Name:      desc.Name,
		Transport: desc.Transport,
		Command:   desc.Command,
		Args:      desc.Args,
		Env:       desc.Env,
		URL:       desc.URL,
	}
	tools, err := b.Discoverer.Discover(ctx, desc.Name, cfg)
	if err != nil {
		log.Printf("[bootstrap] discovery failed for %q: %v", desc.Name, err)
		return
	}
	b.Cache.MergeDiscovery(desc.Name, tools)
	b.Cache.CleanupStale(desc.Name)
}

// registerAll registers every descriptor as pending with the Session
// Manager and applies its tool filter: each cached tool that is disabled is
// explicitly denied, and when none of a server's cached tools is enabled,
// every cached tool of that server is denied. Tools absent from the cache
// are not covered by the filter, so a server whose cache entry lists no
// tools has nothing denied.
func (b *Bootstrap) registerAll(descriptors map[string]rawDescriptor) {
	for name, raw := range descriptors {
		desc, ok := toDescriptor(name, raw)
		if !ok {
			continue
		}
		b.Manager.RegisterPending(desc)
		b.applyToolFilter(name)
	}
}

func (b *Bootstrap) applyToolFilter(server string) {
	state, ok := b.Cache.Server(server)
	if !ok {
		return
	}
	enabledCount := 0
	for _, t := range state.Tools {
		if t.Enabled {
			enabledCount++
		}
	}
	for tool, t := range state.Tools {
		if !t.Enabled || enabledCount == 0 {
			b.Manager.Deny(server, tool)
		}
	}
}

// ConnectAlwaysOn eagerly connects every always_on server and initializes
// its registry entries, invoking onChanged("tools") after each successful
// connect. Call this once after Run.
func (b *Bootstrap) ConnectAlwaysOn(ctx context.Context, names []string, onChanged func(kind string)) {
	for _, name := range names {
		desc, ok := b.Manager.Descriptor(name)
		if !ok || !desc.AlwaysOn {
			continue
		}
		go func(name string) {
			sess, err := b.Manager.GetOrCreate(ctx, name)
			if err != nil {
				log.Printf("[bootstrap] always_on connect failed for %q: %v", name, err)
				return
			}
			if err := b.Registry.InitializeFor(ctx, name, sess); err != nil {
				log.Printf("[bootstrap] always_on initialize failed for %q: %v", name, err)
				return
			}
			if onChanged != nil {
				onChanged("tools")
			}
		}(name)
	}
}

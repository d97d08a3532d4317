package bootstrap

import (
	"context"
	"fmt"

	"github.com/itstanner5216/multi-mcp-sub000/internal/mcpclient"
	"github.com/itstanner5216/multi-mcp-sub000/internal/statecache"
)

// Discoverer performs the one-shot "connect, list tools, disconnect" probe
// spec.md §4.6 step 2 describes. The default implementation dials a
// throwaway mcpclient.Client rather than going through the Session Manager,
// since discovery must not leave a server connected (always_on servers are
// reconnected afterward, deliberately, by Bootstrap's caller — see
// Bootstrap.ConnectAlwaysOn).
type Discoverer interface {
	Discover(ctx context.Context, name string, cfg mcpclient.Config) (map[string]statecache.ToolState, error)
}

// ClientDiscoverer is the default Discoverer.
type ClientDiscoverer struct{}

// Discover connects, lists tools, and always closes the connection before
// returning — the caller decides separately whether to reconnect for
// always_on servers.
func (ClientDiscoverer) Discover(ctx context.Context, name string, cfg mcpclient.Config) (map[string]statecache.ToolState, error) {
	cli := mcpclient.New(cfg)
	if err := cli.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: discover %q: connect: %w", name, err)
	}
	defer cli.Close()

	tools, err := cli.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: discover %q: list tools: %w", name, err)
	}

	out := make(map[string]statecache.ToolState, len(tools))
	for _, t := range tools {
		out[t.Name] = statecache.ToolState{
			Enabled:     true,
			Stale:       false,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return out, nil
}

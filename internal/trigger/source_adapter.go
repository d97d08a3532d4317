package trigger

import (
	"context"

	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
)

// NewBackendSource adapts a Session Manager and Capability Registry pair
// into the Trigger Manager's BackendSource. Activate performs the same
// lazy-connect-then-initialize sequence the Request Router uses when a
// tools/call resolves to a server with no live session.
func NewBackendSource(sessions *backend.Manager, registry *catalog.Registry, onChanged func(kind string)) BackendSource {
	return backendSourceAdapter{sessions: sessions, registry: registry, onChanged: onChanged}
}

type backendSourceAdapter struct {
	sessions  *backend.Manager
	registry  *catalog.Registry
	onChanged func(kind string)
}

func (a backendSourceAdapter) Names() []string { return a.sessions.Names() }

func (a backendSourceAdapter) HasSession(name string) bool {
	_, ok := a.sessions.Session(name)
	return ok
}

func (a backendSourceAdapter) Triggers(name string) []string {
	return a.sessions.Triggers(name)
}

func (a backendSourceAdapter) Activate(ctx context.Context, name string) error {
	sess, err := a.sessions.GetOrCreate(ctx, name)
	if err != nil {
		return err
	}
	if err := a.registry.InitializeFor(ctx, name, sess); err != nil {
		return err
	}
	if a.onChanged != nil {
		a.onChanged("tools")
	}
	return nil
}

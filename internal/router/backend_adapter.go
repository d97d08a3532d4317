package router

import (
	"context"

	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
)

// NewBackendSessionManager adapts a Session Manager into the router's
// SessionManager interface. A thin adapter is necessary (rather than
// backend.Manager satisfying the interface directly) because
// backend.Manager.GetOrCreate returns the concrete *backend.Session, and
// Go's interface satisfaction requires an exact return-type match — the
// adapter performs that one conversion to the BackendCaller interface.
func NewBackendSessionManager(m *backend.Manager) SessionManager {
	return backendManagerAdapter{m: m}
}

type backendManagerAdapter struct {
	m *backend.Manager
}

func (a backendManagerAdapter) GetOrCreate(ctx context.Context, name string) (BackendCaller, error) {
	sess, err := a.m.GetOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (a backendManagerAdapter) RecordUsage(name string) { a.m.RecordUsage(name) }

func (a backendManagerAdapter) QuarantineThreshold(name string) int {
	return a.m.QuarantineThreshold(name)
}

package transport

import (
	"github.com/mark3labs/mcp-go/server"
)

// ServeStdio binds a Server's MCP session to the process's standard
// input/output streams, per spec.md §4.7's stdio transport. It blocks
// until the stdio stream closes or the process is signaled to stop.
func ServeStdio(s *Server) error {
	return server.ServeStdio(s.mcp)
}

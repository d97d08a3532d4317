package transport

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/itstanner5216/multi-mcp-sub000/internal/backend"
	"github.com/itstanner5216/multi-mcp-sub000/internal/bootstrap"
	"github.com/itstanner5216/multi-mcp-sub000/internal/catalog"
)

// HTTP server timeouts, mirrored from the teacher's own web server.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// HTTPConfig configures the HTTP+SSE transport.
type HTTPConfig struct {
	Host string
	Port int
	// Token, if non-empty, is the shared bearer token every HTTP path must
	// authenticate against, per spec.md §4.7.
	Token string
	// Debug controls whether 500 responses include an error detail or nil.
	Debug bool
}

// HTTPServer is the HTTP+SSE upstream transport plus its admin surface.
type HTTPServer struct {
	cfg      HTTPConfig
	mcp      *Server
	sse      *server.SSEServer
	sessions *backend.Manager
	registry *catalog.Registry

	httpSrv *http.Server
}

// NewHTTPServer builds the SSE server and admin mux. sessions and registry
// back the admin endpoints (§4.7's auxiliary JSON routes). Capability-set
// resynchronization after an admin mutation rides on the Registry's own
// list_changed notifications, which mcp.New already subscribed to Sync.
func NewHTTPServer(cfg HTTPConfig, mcp *Server, sessions *backend.Manager, registry *catalog.Registry) *HTTPServer {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	sse := server.NewSSEServer(
		mcp.MCPServer(),
		server.WithBaseURL(baseURL),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/messages"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(30*time.Second),
	)

	return &HTTPServer{
		cfg:      cfg,
		mcp:      mcp,
		sse:      sse,
		sessions: sessions,
		registry: registry,
	}
}

// Start builds the route mux, wraps every path in bearer-token auth, and
// begins listening. It blocks until Stop is called or the listener fails.
func (h *HTTPServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/mcp_servers", h.handleServers)
	mux.HandleFunc("/mcp_servers/", h.handleServers)
	mux.HandleFunc("/mcp_tools", h.handleTools)
	mux.HandleFunc("/mcp_control", h.handleControl)
	mux.Handle("/", h.sse)

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	h.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           h.recoverMiddleware(h.authMiddleware(mux)),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}

	log.Printf("[transport] HTTP+SSE listening on %s", addr)
	err := h.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server and the SSE session set.
func (h *HTTPServer) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if h.sse != nil {
		if err := h.sse.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.httpSrv != nil {
		if err := h.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("transport: shutdown errors: %v", errs)
	}
	return nil
}

// authMiddleware enforces spec.md §4.7's bearer-token contract: every path
// requires `Authorization: Bearer <token>` except /sse, which additionally
// accepts `?token=<token>` for EventSource clients that cannot set headers.
// Comparison uses hmac.Equal rather than string equality to defeat timing
// attacks on the token.
func (h *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/sse") {
			if q := r.URL.Query().Get("token"); q != "" && constantTimeEqual(q, h.cfg.Token) {
				next.ServeHTTP(w, r)
				return
			}
		}

		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !constantTimeEqual(strings.TrimPrefix(authz, prefix), h.cfg.Token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// recoverMiddleware implements spec.md §4.7/§7's "any handler exception ->
// 500 with detail set to the exception message iff debug mode is on,
// otherwise detail=null" contract. It wraps every admin route and the SSE
// handler so a panicking handler never crashes the listener goroutine or
// leaks a stack trace to the caller outside debug mode.
func (h *HTTPServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[transport] panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				var detail any
				if h.cfg.Debug {
					detail = fmt.Sprint(rec)
				}
				writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": detail})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleServers implements `GET /mcp_servers`, `POST /mcp_servers`, and
// `DELETE /mcp_servers/{name}` — all sharing one route since net/http's
// ServeMux dispatches on path, not method, below Go 1.22's pattern syntax,
// and this proxy targets a plain "/mcp_servers" route to stay compatible
// with any net/http version the teacher's go.mod pins.
func (h *HTTPServer) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listServers(w, r)
	case http.MethodPost:
		h.registerServers(w, r)
	case http.MethodDelete:
		h.removeServer(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// listServers returns both the active (live-session) and pending
// (registered, not yet connected) server lists — startup state has an
// empty active list, so omitting pending would hide the fleet.
func (h *HTTPServer) listServers(w http.ResponseWriter, _ *http.Request) {
	var active, pending []string
	for _, name := range h.sessions.Names() {
		if _, ok := h.sessions.Session(name); ok {
			active = append(active, name)
		} else {
			pending = append(pending, name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_servers":  nonNil(active),
		"pending_servers": nonNil(pending),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// registerServers implements `POST /mcp_servers`: the body is the same
// `{"mcpServers": {...}}` shape Bootstrap accepts from source files.
func (h *HTTPServer) registerServers(w http.ResponseWriter, r *http.Request) {
	body, err := readJSONBody(w, r)
	if err != nil {
		return
	}
	descriptors, err := bootstrap.DescriptorsFromConfig(body)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	if len(descriptors) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "no valid server entries"})
		return
	}
	registered := make([]string, 0, len(descriptors))
	for name, desc := range descriptors {
		h.sessions.RegisterPending(desc)
		registered = append(registered, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": registered})
}

// removeServer implements `DELETE /mcp_servers/{name}`: the name is the
// last path segment after "/mcp_servers/".
func (h *HTTPServer) removeServer(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/mcp_servers/")
	if name == "" || name == r.URL.Path {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "missing server name"})
		return
	}
	h.sessions.Unregister(name)
	h.registry.Unregister(name)
	writeJSON(w, http.StatusOK, map[string]any{"removed": name})
}

func (h *HTTPServer) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tools := h.registry.ListTools()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// controlRequest is the body for `POST /mcp_control`: toggle_tool's wire
// shape, since that is the only enable/disable primitive spec.md defines.
type controlRequest struct {
	Server  string `json:"server"`
	Tool    string `json:"tool"`
	Enabled bool   `json:"enabled"`
}

func (h *HTTPServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readJSONBody(w, r)
	if err != nil {
		return
	}
	var req controlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON"})
		return
	}
	if req.Server == "" || req.Tool == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "server and tool are required"})
		return
	}
	status, visible := h.registry.ToggleTool(req.Server, req.Tool, req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "visible_count": visible})
}

func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON"})
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[transport] failed to encode response: %v", err)
	}
}

// Package transport implements C8: the HTTP/JSON-RPC bridge surface —
// /health, and /mcp's POST (requests), GET (SSE push channel), and DELETE
// (teardown) — plus the MCP Streamable-HTTP session framing spec §4.6 and
// §6 describe. Grounded on thrum's internal/daemon/server.go JSON-RPC
// envelope and handler-map pattern, adapted from thrum's Unix-socket
// bufio framing to HTTP request/response and SSE framing, and on
// klauspost/compress's gzhttp wrapper (sourced from the rest of the
// example pack) for response compression. The go-sdk-based Streamable
// HTTP handler thrum itself uses for its stdio proxy is not reused here —
// spec §1 places that proxy out of scope, so this package implements the
// handshake directly against spec §4.6/§6 rather than against an
// unverified third-party handler's exact option surface.
package transport

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/agorai/bridge/internal/auth"
	"github.com/agorai/bridge/internal/metrics"
	"github.com/agorai/bridge/internal/ratelimit"
	"github.com/agorai/bridge/internal/session"
	"github.com/agorai/bridge/internal/tools"
)

const protocolVersion = "2025-03-26"

// Version is the bridge's own reported server version, set by main at
// build time.
var Version = "dev"

// jsonRPCRequest is one JSON-RPC 2.0 request object.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

func errorResponse(id json.RawMessage, code int, msg string) jsonRPCResponse {
	return jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &jsonRPCError{Code: code, Message: msg}}
}

// toolFactory builds the tool set bound to one authenticated agent id
// (Config.NewToolSet).
type toolFactory func(agentID string) *tools.Set

// sseTransport is the session.Transport implementation backing the GET
// /mcp streaming channel: a flushed http.ResponseWriter. Push writes and
// flushes each frame synchronously under a mutex, so a slow reader holds
// up the caller until the write completes; there is no send queue and no
// frame is dropped.
type sseTransport struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  http.Flusher
	closed chan struct{}
	once   sync.Once
}

func newSSETransport(w http.ResponseWriter, flush http.Flusher) *sseTransport {
	return &sseTransport{w: w, flush: flush, closed: make(chan struct{})}
}

func (t *sseTransport) Push(ctx context.Context, notification any) error {
	select {
	case <-t.closed:
		return fmt.Errorf("transport closed")
	default:
	}
	b, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.w, "event: message\ndata: %s\n\n", b); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	t.flush.Flush()
	return nil
}

func (t *sseTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *sseTransport) Wait() <-chan struct{} { return t.closed }

// Server is the bridge's HTTP surface.
type Server struct {
	auth      *auth.Authenticator
	limiter   *ratelimit.Limiter
	sessions  *session.Manager
	newTools  toolFactory
	maxBody   int64
	log       *slog.Logger
	startedAt time.Time
	mux       *http.ServeMux
}

// Config bundles the constructor's knobs.
type Config struct {
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Sessions      *session.Manager
	NewToolSet    func(agentID string) *tools.Set
	MaxBodySize   int64
	Log           *slog.Logger
}

// NewServer builds the bridge's http.Handler (wrapped in gzhttp for
// response compression, matching the DOMAIN STACK's transport entry).
func NewServer(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		auth: cfg.Authenticator, limiter: cfg.Limiter, sessions: cfg.Sessions,
		newTools: cfg.NewToolSet, maxBody: cfg.MaxBodySize, log: log, startedAt: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/", s.handleNotFound)
	s.mux = mux

	wrap, err := gzhttp.NewWrapper(gzhttp.CompressionLevel(gzip.DefaultCompression))
	if err != nil {
		log.Warn("transport: gzhttp wrapper unavailable, serving uncompressed", "error", err)
		return mux
	}
	return wrap(mux)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" || r.URL.Path == "/mcp" {
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"version":       Version,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	result := s.auth.Authenticate(r.Context(), token)
	if !result.Authenticated {
		http.Error(w, result.Error, http.StatusForbidden)
		return
	}
	if !s.limiter.Allow(result.AgentID) {
		metrics.RateLimitRejections.WithLabelValues(result.AgentID).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.WindowSeconds()))
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		s.handlePost(w, r, result)
	case http.MethodGet:
		s.handleGet(w, r, result)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, result auth.Result) {
	if r.ContentLength > s.maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON-RPC request", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get("mcp-session-id")
	var sid string
	var isNew bool

	if sessionID == "" {
		transport := noopTransport{}
		sid = s.sessions.Begin(result, transport)
		isNew = true
	} else {
		if _, _, ok := s.sessions.Get(sessionID); !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		sid = sessionID
	}

	resp := s.dispatch(r.Context(), sid, result, req)

	if isNew {
		s.sessions.Activate(sid)
		w.Header().Set("mcp-session-id", sid)
	}

	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// noopTransport backs a freshly-begun session until its first GET attach;
// pushes to it are simply dropped, matching the fire-and-forget push
// discipline spec §4.9/§9 describes for any destination that cannot
// accept a frame right now.
type noopTransport struct{}

func (noopTransport) Push(context.Context, any) error { return nil }
func (noopTransport) Close() error                     { return nil }

func (s *Server) dispatch(ctx context.Context, sessionID string, result auth.Result, req jsonRPCRequest) jsonRPCResponse {
	resp := s.dispatchMethod(ctx, sessionID, result, req)
	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	metrics.RPCRequests.WithLabelValues(req.Method, outcome).Inc()
	return resp
}

func (s *Server) dispatchMethod(ctx context.Context, sessionID string, result auth.Result, req jsonRPCRequest) jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "agorai-bridge", "version": Version},
		}}
	case "notifications/initialized":
		return jsonRPCResponse{JSONRPC: "2.0"}
	case "tools/list":
		set := s.newTools(result.AgentID)
		return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": toolSchemas(set)}}
	case "tools/call":
		return s.callTool(ctx, result.AgentID, req)
	default:
		return errorResponse(req.ID, -32601, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func toolSchemas(set *tools.Set) []map[string]any {
	list := set.List()
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, map[string]any{"name": t.Name, "description": t.Description, "inputSchema": t.InputSchema})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, agentID string, req jsonRPCRequest) jsonRPCResponse {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return errorResponse(req.ID, -32602, "invalid params")
	}
	set := s.newTools(agentID)
	result, err := set.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		return errorResponse(req.ID, -32000, err.Error())
	}
	return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"content": result}}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, result auth.Result) {
	sessionID := r.Header.Get("mcp-session-id")
	if sessionID == "" {
		http.Error(w, "GET requires an existing mcp-session-id", http.StatusBadRequest)
		return
	}
	if _, _, ok := s.sessions.Get(sessionID); !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := newSSETransport(w, flusher)
	s.sessions.Rebind(sessionID, sse)

	select {
	case <-r.Context().Done():
	case <-sse.Wait():
	}
	s.sessions.Close(sessionID)
	_ = sse.Close()
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("mcp-session-id")
	if sessionID == "" {
		http.Error(w, "missing mcp-session-id", http.StatusBadRequest)
		return
	}
	transport, _, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.sessions.Close(sessionID)
	_ = transport.Close()
	w.WriteHeader(http.StatusOK)
}

// ReadSSE reads lines from buf up to the next "data: " line and returns
// that line's payload. Blank lines, comment lines (starting with ':') and
// other fields such as "event:" are skipped; input not yet consumed stays
// buffered in buf for the next call. It serves client-side code such as
// the tests, not the server itself.
func ReadSSE(buf *bufio.Reader) (string, error) {
	for {
		line, err := buf.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: "), nil
		}
	}
}

// Package session implements C6: the bridge's in-memory session registry.
// Grounded on thrum's daemon/rpc/session.go map-of-handles pattern, but
// reworked around the MCP Streamable-HTTP lifecycle spec §4.6 describes
// instead of thrum's Unix-socket connection table, and around option (b)
// of spec §9's session-registration race note: a "registered" flag that
// makes an early transport close a safe no-op instead of requiring the
// handler to win a race against onclose.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agorai/bridge/internal/auth"
	"github.com/agorai/bridge/internal/identity"
	"github.com/agorai/bridge/internal/metrics"
)

// Transport is the push-capable side of one session's streaming channel.
// The HTTP transport layer (C8) supplies the concrete implementation (an
// SSE writer); the session manager only needs to push and close it.
type Transport interface {
	// Push writes one JSON-RPC notification frame. Implementations must
	// not block indefinitely — the dispatcher treats a push as
	// fire-and-forget and swallows any error.
	Push(ctx context.Context, notification any) error
	// Close tears down the underlying connection.
	Close() error
}

// entry is one session's bookkeeping record.
type entry struct {
	id         string
	agentID    string
	authResult auth.Result
	transport  Transport
	registered bool // option (b): true once Activate has run
	closed     bool // true once Close has run, even pre-registration
}

// Manager holds every live session, indexed by session id, plus a reverse
// index from agent id to the set of its active sessions (an agent may
// hold more than one session at once — RPC and SSE are separate
// sessions).
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*entry
	agentSessions map[string]map[string]struct{}
	log           *slog.Logger
}

// New builds an empty Manager.
func New(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:      make(map[string]*entry),
		agentSessions: make(map[string]map[string]struct{}),
		log:           log,
	}
}

// Begin transitions absent → initializing: it allocates a fresh session id
// and binds the given auth result and transport to it. Get already finds
// the initializing session; SessionsForAgent lists it only after Activate.
// Returns the new session id.
func (m *Manager) Begin(result auth.Result, transport Transport) string {
	id := identity.NewSessionID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &entry{id: id, agentID: result.AgentID, authResult: result, transport: transport}
	return id
}

// Activate transitions initializing → active for sessionID, the instant
// the first POST has been fully handled. If Close already ran for this
// session (the race spec §9 calls out — onclose firing before
// registration), Activate is a no-op and returns false: the session is
// never added to the active reverse index.
func (m *Manager) Activate(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok || e.closed {
		return false
	}
	e.registered = true
	if m.agentSessions[e.agentID] == nil {
		m.agentSessions[e.agentID] = make(map[string]struct{})
	}
	m.agentSessions[e.agentID][sessionID] = struct{}{}
	metrics.ActiveSessions.Inc()
	return true
}

// Get returns the transport and auth result for an active or
// still-initializing session.
func (m *Manager) Get(sessionID string) (Transport, auth.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.closed {
		return nil, auth.Result{}, false
	}
	return e.transport, e.authResult, true
}

// Close transitions active → closed (or initializing → closed, per option
// (b)): it marks the entry closed, removes it from the primary map and,
// if it had been registered, from the agent reverse index too — atomic
// under the same lock so no other goroutine observes a half-removed
// session. Calling Close on an unknown or already-closed session id is a
// no-op. It does not call transport.Close() itself; callers that own the
// transport do that before or after, depending on who initiated teardown.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.closed {
		return false
	}
	e.closed = true
	delete(m.sessions, sessionID)
	if e.registered {
		if set, ok := m.agentSessions[e.agentID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.agentSessions, e.agentID)
			}
		}
		metrics.ActiveSessions.Dec()
	}
	return true
}

// Rebind replaces the transport bound to an existing session — used when
// a GET /mcp attaches the long-lived SSE channel to a session that was
// created (and briefly held a no-op transport) by an earlier POST.
func (m *Manager) Rebind(sessionID string, transport Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.closed {
		return false
	}
	e.transport = transport
	return true
}

// SessionsForAgent returns the transports of every active session bound
// to agentID — used by the SSE dispatcher's push fan-out.
func (m *Manager) SessionsForAgent(agentID string) []Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.agentSessions[agentID]
	if !ok {
		return nil
	}
	out := make([]Transport, 0, len(set))
	for sid := range set {
		if e, ok := m.sessions[sid]; ok {
			out = append(out, e.transport)
		}
	}
	return out
}

// CloseAll tears down every live session — used on graceful shutdown. It
// closes each transport and drains both maps.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.sessions = make(map[string]*entry)
	m.agentSessions = make(map[string]map[string]struct{})
	m.mu.Unlock()

	metrics.ActiveSessions.Set(0)

	for _, e := range entries {
		if err := e.transport.Close(); err != nil {
			m.log.Warn("session: error closing transport during shutdown", "session_id", e.id, "error", err)
		}
	}
}

// Count reports the number of live sessions, for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorai/bridge/internal/auth"
	"github.com/agorai/bridge/internal/session"
)

type fakeTransport struct {
	pushed []any
	closed bool
}

func (f *fakeTransport) Push(_ context.Context, n any) error {
	f.pushed = append(f.pushed, n)
	return nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }

func TestBeginThenActivateMakesSessionVisibleToAgent(t *testing.T) {
	m := session.New(nil)
	result := auth.Result{AgentID: "agt_1", AgentName: "alice"}
	tr := &fakeTransport{}

	id := m.Begin(result, tr)
	assert.Empty(t, m.SessionsForAgent("agt_1"), "not visible until Activate")

	ok := m.Activate(id)
	require.True(t, ok)
	assert.Len(t, m.SessionsForAgent("agt_1"), 1)
}

func TestGetWorksBeforeActivation(t *testing.T) {
	m := session.New(nil)
	id := m.Begin(auth.Result{AgentID: "agt_1"}, &fakeTransport{})
	_, res, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "agt_1", res.AgentID)
}

func TestCloseBeforeActivateIsSafeRace(t *testing.T) {
	// spec §9 option (b): a transport close racing ahead of the first
	// POST's Activate call must not panic or corrupt state — Activate
	// simply becomes a no-op.
	m := session.New(nil)
	id := m.Begin(auth.Result{AgentID: "agt_1"}, &fakeTransport{})

	assert.True(t, m.Close(id))
	assert.False(t, m.Activate(id), "activating an already-closed session is a no-op")

	_, _, ok := m.Get(id)
	assert.False(t, ok)
	assert.Empty(t, m.SessionsForAgent("agt_1"))
}

func TestCloseIsIdempotent(t *testing.T) {
	m := session.New(nil)
	id := m.Begin(auth.Result{AgentID: "agt_1"}, &fakeTransport{})
	m.Activate(id)
	assert.True(t, m.Close(id))
	assert.False(t, m.Close(id), "closing twice reports false the second time")
}

func TestRebindReplacesTransport(t *testing.T) {
	m := session.New(nil)
	first := &fakeTransport{}
	id := m.Begin(auth.Result{AgentID: "agt_1"}, first)
	m.Activate(id)

	second := &fakeTransport{}
	require.True(t, m.Rebind(id, second))

	transports := m.SessionsForAgent("agt_1")
	require.Len(t, transports, 1)
	assert.Same(t, second, transports[0])
}

func TestCloseAllClosesEveryTransport(t *testing.T) {
	m := session.New(nil)
	t1, t2 := &fakeTransport{}, &fakeTransport{}
	id1 := m.Begin(auth.Result{AgentID: "agt_1"}, t1)
	id2 := m.Begin(auth.Result{AgentID: "agt_2"}, t2)
	m.Activate(id1)
	m.Activate(id2)

	m.CloseAll()

	assert.True(t, t1.closed)
	assert.True(t, t2.closed)
	assert.Equal(t, 0, m.Count())
}

func TestSessionsForAgentSupportsMultipleSessions(t *testing.T) {
	m := session.New(nil)
	result := auth.Result{AgentID: "agt_1"}
	id1 := m.Begin(result, &fakeTransport{})
	id2 := m.Begin(result, &fakeTransport{})
	m.Activate(id1)
	m.Activate(id2)

	assert.Len(t, m.SessionsForAgent("agt_1"), 2)
}

package transport_test

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorai/bridge/internal/auth"
	"github.com/agorai/bridge/internal/ratelimit"
	"github.com/agorai/bridge/internal/session"
	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/storetest"
	"github.com/agorai/bridge/internal/tools"
	"github.com/agorai/bridge/internal/transport"
	"github.com/agorai/bridge/internal/visibility"
)

const testKey = "test-key"

func newServerWithLimits(t *testing.T, capacity int, maxBody int64) (http.Handler, *store.Store) {
	t.Helper()
	st, _ := storetest.New(t)
	a := auth.New(st, []auth.AgentRecord{
		{Key: testKey, Agent: "scout", Type: "assistant", ClearanceLevel: visibility.Team},
	}, "", nil)
	limiter := ratelimit.New(capacity, time.Minute)
	sessions := session.New(nil)

	h := transport.NewServer(transport.Config{
		Authenticator: a,
		Limiter:       limiter,
		Sessions:      sessions,
		NewToolSet:    func(agentID string) *tools.Set { return tools.NewSet(st, agentID) },
		MaxBodySize:   maxBody,
	})
	return h, st
}

func newServer(t *testing.T, capacity int) (http.Handler, *store.Store) {
	t.Helper()
	return newServerWithLimits(t, capacity, 1<<20)
}

func doMCP(h http.Handler, method, token, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/mcp", strings.NewReader(body))
	req.ContentLength = int64(len(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleMCPRejectsMissingBearerToken(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, "", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMCPRejectsInvalidToken(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, "not-the-key", "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleMCPRateLimitsAfterCapacityExhausted(t *testing.T) {
	h, _ := newServer(t, 1)
	first := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := doMCP(h, http.MethodPost, testKey, first.Header().Get("mcp-session-id"), `{"jsonrpc":"2.0","id":2,"method":"initialize"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestHandlePostInitializeAssignsSessionID(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("mcp-session-id"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	result := resp["result"].(map[string]any)
	assert.Equal(t, "agorai-bridge", result["serverInfo"].(map[string]any)["name"])
}

func TestHandlePostNotificationReturns202WithoutBody(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestHandlePostUnknownSessionIDReturns404(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, testKey, "ses_does_not_exist", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePostRejectsOversizedBody(t *testing.T) {
	h, _ := newServerWithLimits(t, 10, 16)
	big := strings.Repeat("x", 100)
	rec := doMCP(h, http.MethodPost, testKey, "", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandlePostInvalidJSONIsBadRequest(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, testKey, "", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetRequiresExistingSession(t *testing.T) {
	h, _ := newServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req2.Header.Set("Authorization", "Bearer "+testKey)
	req2.Header.Set("mcp-session-id", "ses_does_not_exist")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestHandleDeleteClosesSession(t *testing.T) {
	h, _ := newServer(t, 10)
	init := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sid := init.Header().Get("mcp-session-id")
	require.NotEmpty(t, sid)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("mcp-session-id", sid)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req2.Header.Set("Authorization", "Bearer "+testKey)
	req2.Header.Set("mcp-session-id", sid)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotFound, rec2.Code, "a second delete finds no session left to close")
}

func TestHandleDeleteMissingSessionIDIsBadRequest(t *testing.T) {
	h, _ := newServer(t, 10)
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolsListAndToolsCallRoundTrip(t *testing.T) {
	h, _ := newServer(t, 10)
	init := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sid := init.Header().Get("mcp-session-id")

	list := doMCP(h, http.MethodPost, testKey, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, list.Code)
	var listResp map[string]any
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listResp))
	toolList := listResp["result"].(map[string]any)["tools"].([]any)
	assert.NotEmpty(t, toolList, "the registered tool set must be non-empty")

	call := doMCP(h, http.MethodPost, testKey, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_projects","arguments":{}}}`)
	require.Equal(t, http.StatusOK, call.Code)
	var callResp map[string]any
	require.NoError(t, json.Unmarshal(call.Body.Bytes(), &callResp))
	assert.Nil(t, callResp["error"])
}

func TestToolsCallWithInvalidParamsReturnsJSONRPCError(t *testing.T) {
	h, _ := newServer(t, 10)
	init := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sid := init.Header().Get("mcp-session-id")

	call := doMCP(h, http.MethodPost, testKey, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":"not-an-object"}`)
	require.Equal(t, http.StatusOK, call.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(call.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32602), errObj["code"])
}

func TestToolsCallWithUnknownToolNameReturnsJSONRPCError(t *testing.T) {
	h, _ := newServer(t, 10)
	init := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sid := init.Header().Get("mcp-session-id")

	call := doMCP(h, http.MethodPost, testKey, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"not_a_real_tool","arguments":{}}}`)
	require.Equal(t, http.StatusOK, call.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(call.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	h, _ := newServer(t, 10)
	rec := doMCP(h, http.MethodPost, testKey, "", `{"jsonrpc":"2.0","id":1,"method":"not/a/method"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestHealthEndpointReportsOK(t *testing.T) {
	h, _ := newServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestReadSSESkipsCommentsAndBlankLines(t *testing.T) {
	buf := bufio.NewReader(strings.NewReader(": keep-alive\n\ndata: {\"a\":1}\n\n"))
	payload, err := transport.ReadSSE(buf)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, payload)
}

func TestReadSSEReadsSuccessiveFrames(t *testing.T) {
	buf := bufio.NewReader(strings.NewReader("data: first\n\ndata: second\n\n"))
	first, err := transport.ReadSSE(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", first)

	second, err := transport.ReadSSE(buf)
	require.NoError(t, err)
	assert.Equal(t, "second", second)
}

func TestReadSSEReturnsErrorOnEOFWithoutFrame(t *testing.T) {
	buf := bufio.NewReader(strings.NewReader(""))
	_, err := transport.ReadSSE(buf)
	assert.ErrorIs(t, err, io.EOF)
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/completion"
	"github.com/harun/sandesh/pkg/fallback"
	"github.com/harun/sandesh/pkg/prompt"
	"github.com/harun/sandesh/pkg/transport/loopback"
	"github.com/harun/sandesh/pkg/typing"
)

const testSecret = "s3cret-token"

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Complete(_ context.Context, payload prompt.Payload) (string, error) {
	return "echo: " + payload.LastUserText(), nil
}

// brokenTransport authenticates at once and fails every send.
type brokenTransport struct{}

func (brokenTransport) Name() string { return "broken" }

func (brokenTransport) Connect(ctx context.Context, sessionID string, sink bridge.EventSink) error {
	go func() {
		_ = sink(ctx, bridge.Event{Kind: bridge.EventAuthenticated})
		_ = sink(ctx, bridge.Event{Kind: bridge.EventReady})
	}()
	return nil
}

func (brokenTransport) Disconnect(context.Context, string) error { return nil }

func (brokenTransport) SendText(context.Context, string, string, string) error {
	return errors.New("network unreachable")
}

func (brokenTransport) SetPresence(context.Context, string, string, typing.Presence) error {
	return nil
}

type gatewayHarness struct {
	server   *Server
	http     *httptest.Server
	registry *bridge.Registry
	loopback *loopback.Transport
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	logger := zerolog.Nop()

	lb := loopback.New(loopback.Config{Logger: &logger})

	cfg := bridge.DefaultConfig()
	cfg.Logger = &logger
	cfg.Typing = typing.New(typing.Config{}, rand.NewSource(1))
	cfg.Fallback = fallback.New(rand.NewSource(1))
	cfg.Transports = map[string]bridge.Transport{
		loopback.Name: lb,
		"broken":      brokenTransport{},
	}
	cfg.NewCompleter = func() (completion.Provider, error) { return echoProvider{}, nil }
	registry := bridge.New(cfg)

	server, err := NewServer(Config{
		SharedSecret: testSecret,
		Registry:     registry,
		Loopback:     lb,
		Logger:       logger,
	})
	require.NoError(t, err)

	h := &gatewayHarness{
		server:   server,
		http:     httptest.NewServer(server.Handler()),
		registry: registry,
		loopback: lb,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
		h.http.Close()
		_ = registry.Close(ctx)
	})
	return h
}

func (h *gatewayHarness) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *gatewayHarness) waitState(t *testing.T, id string, want bridge.State) bridge.Snapshot {
	t.Helper()
	var snap bridge.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = h.registry.Get(id)
		return err == nil && snap.State == want
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", want)
	return snap
}

// pairedSession creates a loopback session and completes pairing through the API.
func (h *gatewayHarness) pairedSession(t *testing.T) string {
	t.Helper()

	resp := h.do(t, http.MethodPost, "/sessions", map[string]string{"transport": loopback.Name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[bridge.Snapshot](t, resp)

	snap := h.waitState(t, created.ID, bridge.StateQRPending)
	require.NotEmpty(t, snap.Challenge)

	resp = h.do(t, http.MethodPost, "/sessions/"+created.ID+"/pair", map[string]string{"code": snap.Challenge})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	h.waitState(t, created.ID, bridge.StateReady)
	return created.ID
}

func TestServer_Auth(t *testing.T) {
	h := newGatewayHarness(t)

	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(h.http.URL + "/sessions")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp3.StatusCode)

	resp4 := h.do(t, http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusOK, resp4.StatusCode)
	assert.NotEmpty(t, resp4.Header.Get("X-Trace-Id"))
	assert.NotEmpty(t, resp4.Header.Get("X-Request-Id"))
}

func TestAuthHandler_VerifyToken(t *testing.T) {
	auth := NewAuthHandler("abc")
	assert.True(t, auth.VerifyToken("abc"))
	assert.False(t, auth.VerifyToken("abcd"))
	assert.False(t, auth.VerifyToken(""))

	assert.True(t, NewAuthHandler("").VerifyToken("anything"), "empty secret disables auth")
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", tokenFromRequest(req))

	req.Header.Set("Authorization", "bearer h")
	assert.Equal(t, "h", tokenFromRequest(req))

	req.Header.Set("Authorization", "Basic h")
	assert.Empty(t, tokenFromRequest(req))
}

func TestServer_SessionLifecycle(t *testing.T) {
	h := newGatewayHarness(t)
	id := h.pairedSession(t)

	resp := h.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Sessions []bridge.Snapshot `json:"sessions"`
	}](t, resp)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].ID)

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/inbound", map[string]interface{}{
		"contactId": "c1",
		"text":      "how are you?",
		"wait":      true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := decode[bridge.Outcome](t, resp)
	assert.True(t, outcome.Admitted)
	assert.Equal(t, "echo: how are you?", outcome.Reply)
	assert.Equal(t, bridge.SourceCompletion, outcome.Source)

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]string{
		"contactId": "c1",
		"text":      "a note from the operator",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	sent := h.loopback.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "a note from the operator", sent[1].Text)

	resp = h.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[bridge.Snapshot](t, resp)
	assert.Equal(t, uint64(1), snap.MessageStats.Received)
	assert.Equal(t, uint64(2), snap.MessageStats.Sent)

	resp = h.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = h.do(t, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "destroy is idempotent")

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]string{
		"contactId": "c1",
		"text":      "too late",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_QueuedInbound(t *testing.T) {
	h := newGatewayHarness(t)
	id := h.pairedSession(t)

	resp := h.do(t, http.MethodPost, "/sessions/"+id+"/inbound", map[string]string{
		"contactId": "c1",
		"text":      "hello",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["messageId"])

	require.Eventually(t, func() bool {
		return len(h.loopback.Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_Errors(t *testing.T) {
	h := newGatewayHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown session", http.MethodGet, "/sessions/1772355600000_abcdefghijkl", nil, http.StatusNotFound, "session_not_found"},
		{"unknown transport", http.MethodPost, "/sessions", map[string]string{"transport": "carrier-pigeon"}, http.StatusBadRequest, "unknown_transport"},
		{"missing transport", http.MethodPost, "/sessions", map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/sessions", map[string]string{"transport": "loopback", "extra": "x"}, http.StatusBadRequest, "invalid_json"},
		{"empty text", http.MethodPost, "/sessions/1772355600000_abcdefghijkl/messages", map[string]string{"contactId": "c1", "text": " "}, http.StatusBadRequest, "invalid_request"},
		{"malformed id", http.MethodGet, "/sessions/not-an-id", nil, http.StatusBadRequest, "invalid_session_id"},
		{"malformed id on destroy", http.MethodDelete, "/sessions/123_short", nil, http.StatusBadRequest, "invalid_session_id"},
		{"malformed id on send", http.MethodPost, "/sessions/x/messages", map[string]string{"contactId": "c1", "text": "hi"}, http.StatusBadRequest, "invalid_session_id"},
		{"malformed id on inbound", http.MethodPost, "/sessions/x/inbound", map[string]string{"contactId": "c1", "text": "hi"}, http.StatusBadRequest, "invalid_session_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Code)
		})
	}
}

func TestServer_NotReadyAndWrongCode(t *testing.T) {
	h := newGatewayHarness(t)

	resp := h.do(t, http.MethodPost, "/sessions", map[string]string{"transport": loopback.Name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[bridge.Snapshot](t, resp).ID
	h.waitState(t, id, bridge.StateQRPending)

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"contactId": "c1", "text": "hi"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "not_ready", decode[ErrorResponse](t, resp).Code)

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/pair", map[string]string{"code": "NOPE"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	h.waitState(t, id, bridge.StateError)
}

func TestServer_DeliveryFailure(t *testing.T) {
	h := newGatewayHarness(t)

	resp := h.do(t, http.MethodPost, "/sessions", map[string]string{"transport": "broken"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[bridge.Snapshot](t, resp).ID
	h.waitState(t, id, bridge.StateReady)

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]string{"contactId": "c1", "text": "hi"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "delivery_failed", decode[ErrorResponse](t, resp).Code)

	resp = h.do(t, http.MethodPost, "/sessions/"+id+"/inbound", map[string]string{"contactId": "c1", "text": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "wrong_transport", decode[ErrorResponse](t, resp).Code)
}

func TestServer_DeferredInitialize(t *testing.T) {
	h := newGatewayHarness(t)

	resp := h.do(t, http.MethodPost, "/sessions", map[string]interface{}{"transport": loopback.Name, "initialize": false})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decode[bridge.Snapshot](t, resp)
	assert.Equal(t, bridge.StateCreated, snap.State)

	resp = h.do(t, http.MethodPost, "/sessions/"+snap.ID+"/initialize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h.waitState(t, snap.ID, bridge.StateQRPending)

	resp = h.do(t, http.MethodPost, "/sessions/"+snap.ID+"/initialize", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_EventStream(t *testing.T) {
	h := newGatewayHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + testSecret
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return len(h.server.GetConnectedClients()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := h.do(t, http.MethodPost, "/sessions", map[string]string{"transport": loopback.Name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[bridge.Snapshot](t, resp).ID

	seen := map[string]bool{}
	var lastSeq int64
	for !seen[EventSessionQR] {
		var msg EventMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "event", msg.Type)
		assert.Equal(t, id, msg.SessionID)
		assert.Greater(t, msg.Seq, lastSeq)
		lastSeq = msg.Seq
		seen[msg.Event] = true
	}
	assert.True(t, seen[EventSessionCreated])
	assert.True(t, seen[EventSessionState])

	resp = h.do(t, http.MethodGet, "/clients", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_EventStreamRejectsUnknownSession(t *testing.T) {
	h := newGatewayHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + testSecret + "&session=missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	logger := zerolog.Nop()
	registry := bridge.New(bridge.Config{Logger: &logger})
	t.Cleanup(func() { _ = registry.Close(context.Background()) })

	server, err := NewServer(Config{Addr: "127.0.0.1:0", Registry: registry, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, server.Start())

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	require.NoError(t, server.Stop(ctx))

	_, err = NewServer(Config{})
	assert.Error(t, err)
}

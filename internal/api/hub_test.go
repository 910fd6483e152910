package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWebSocket(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/ws"
	auth := base64.StdEncoding.EncodeToString([]byte(env.cfg.AdminUser + ":" + env.cfg.AdminPassword))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Authorization": []string{"Basic " + auth},
	})
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastReachesConnectedClient(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWebSocket(t, env)

	// Give the hub a moment to register the connection.
	time.Sleep(50 * time.Millisecond)

	env.hub.BroadcastEvent(SecurityEvent{
		Type:     EventAttackDetected,
		ClientID: "203.0.113.50",
		Score:    90,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event SecurityEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, EventAttackDetected, event.Type)
	assert.Equal(t, "203.0.113.50", event.ClientID)
	assert.Equal(t, 90, event.Score)
	assert.False(t, event.Timestamp.IsZero())
}

func TestHubWebSocketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthBroadcastsLedgerDegradation(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.On("HealthCheck", anyArg).Return("degraded")
	env.store.On("Ping").Return(nil)

	conn := dialWebSocket(t, env)
	time.Sleep(50 * time.Millisecond)

	w := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event SecurityEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, EventLedgerDegraded, event.Type)
	assert.Equal(t, "degraded", event.Detail)
}

func TestHubBroadcastDoesNotBlockWithoutClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	for i := 0; i < 100; i++ {
		hub.BroadcastEvent(SecurityEvent{Type: EventBlocked, ClientID: "203.0.113.60"})
	}
}

package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictive-maintenance-core/shared/authx"
	"predictive-maintenance-core/shared/logx"
)

type stubVerifier struct{ tenants []string }

func (v stubVerifier) Verify(_ context.Context, raw string) (authx.AuthContext, error) {
	if raw != "good" {
		return authx.AuthContext{}, authx.ErrInvalidToken
	}
	return authx.AuthContext{Subject: "u1", Tenants: v.tenants}, nil
}

func newServer(t *testing.T, verifier authx.Verifier) (*Hub, string) {
	t.Helper()
	hub := New(logx.Nop())
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{tenant_id}/{user_id}", &Handler{Hub: hub, Verifier: verifier, Log: logx.Nop()})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestBroadcastReachesEveryUserOfTenantOnly(t *testing.T) {
	hub, base := newServer(t, nil)
	tenantA, tenantB := uuid.New(), uuid.New()

	a1 := dial(t, base+"/ws/"+tenantA.String()+"/alice")
	a2 := dial(t, base+"/ws/"+tenantA.String()+"/bob")
	b1 := dial(t, base+"/ws/"+tenantB.String()+"/carol")
	require.Eventually(t, func() bool { return hub.Connections(tenantA) == 2 && hub.Connections(tenantB) == 1 }, 2*time.Second, 5*time.Millisecond)

	n, err := hub.Broadcast(context.Background(), tenantA, "alert.triggered", json.RawMessage(`{"asset_id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, conn := range []*websocket.Conn{a1, a2} {
		msg := readMessage(t, conn)
		assert.Equal(t, "alert.triggered", msg.Topic)
		assert.JSONEq(t, `{"asset_id":"x"}`, string(msg.Payload))
		assert.False(t, msg.ServerTime.IsZero())
	}

	require.NoError(t, b1.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = b1.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "other tenant must not receive: %v", err)
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	hub, base := newServer(t, nil)
	tenantID := uuid.New()
	url := base + "/ws/" + tenantID.String() + "/alice"

	first := dial(t, url)
	require.Eventually(t, func() bool { return hub.Connections(tenantID) == 1 }, 2*time.Second, 5*time.Millisecond)
	second := dial(t, url)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "replaced connection is closed")

	require.Eventually(t, func() bool {
		n, _ := hub.Broadcast(context.Background(), tenantID, "rul.updated", json.RawMessage(`{}`))
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "rul.updated", readMessage(t, second).Topic)
	assert.Equal(t, 1, hub.Connections(tenantID))
}

func TestBroadcastRequiresTenant(t *testing.T) {
	hub := New(logx.Nop())
	_, err := hub.Broadcast(context.Background(), uuid.Nil, "alert.triggered", nil)
	assert.Error(t, err)
}

func TestTokenMustGrantPathTenant(t *testing.T) {
	allowed := uuid.New()
	_, base := newServer(t, stubVerifier{tenants: []string{allowed.String()}})

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/"+allowed.String()+"/alice?token=bad", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/"+uuid.NewString()+"/alice?token=good", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, base+"/ws/"+allowed.String()+"/alice?token=good")
	assert.NotNil(t, conn)
}

func TestInvalidTenantPathRejected(t *testing.T) {
	_, base := newServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/not-a-uuid/alice", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

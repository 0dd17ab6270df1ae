package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/config"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/metrics"
)

const testSecret = "router-test-secret"

type testGateway struct {
	router *Router
	store  *catalog.MemoryStore
	broker *broker.Client
	queue  *cmdqueue.Queue

	deviceURL   string
	customerURL string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bc := broker.NewFromClient(rdb, 5*time.Second)
	t.Cleanup(func() { bc.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret

	store := catalog.NewMemory()
	conns := connmgr.New(metrics.New())
	queue := cmdqueue.New(bc, bus, metrics.New(), 100)
	rt := New(cfg, conns, bc, queue, store, bus)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/device", rt.HandleDeviceWS)
	mux.HandleFunc("/ws/customer", rt.HandleCustomerWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	return &testGateway{
		router:      rt,
		store:       store,
		broker:      bc,
		queue:       queue,
		deviceURL:   wsBase + "/ws/device",
		customerURL: wsBase + "/ws/customer",
	}
}

func signToken(t *testing.T, userID, tenantID, kind string) string {
	t.Helper()
	claims := portalClaims{
		TenantID: tenantID,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

// readUntil skips unrelated frames (for example broker-forwarded
// notifications) until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, ws)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame before deadline", frameType)
	return nil
}

func dialDevice(t *testing.T, gw *testGateway, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set(DeviceSessionHeader, token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(gw.deviceURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestDeviceRejectedWithoutValidToken(t *testing.T) {
	gw := newTestGateway(t)
	ws := dialDevice(t, gw, "no-such-token")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected 1008 close, got %v", err)
}

func TestDeviceClaimAndResultFlow(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	gw.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	require.NoError(t, RegisterDeviceSession(ctx, gw.broker, "tok-1", "dev-1", "t1", time.Hour))

	ws := dialDevice(t, gw, "tok-1")

	// The device shows as online once registered.
	require.Eventually(t, func() bool {
		d, err := gw.store.GetDevice(ctx, "dev-1")
		return err == nil && d.Online
	}, 2*time.Second, 10*time.Millisecond)

	cmd, err := gw.queue.Enqueue(ctx, "dev-1", "t1", "collect_logs", map[string]any{"since": "1h"}, 1)
	require.NoError(t, err)

	// The enqueue notification arrives over the control channel.
	note := readUntil(t, ws, "new_command")
	assert.Equal(t, cmd.ID, note["commandId"])

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "claim_command", "limit": 1, "requestId": "req-1",
	}))
	claimedFrame := readUntil(t, ws, "claimed_commands")
	assert.Equal(t, "req-1", claimedFrame["requestId"])

	commands := claimedFrame["commands"].([]any)
	require.Len(t, commands, 1)
	first := commands[0].(map[string]any)
	assert.Equal(t, cmd.ID, first["id"])
	token := first["claimToken"].(string)
	require.NotEmpty(t, token)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":       "command_result",
		"commandId":  cmd.ID,
		"claimToken": token,
		"result":     map[string]any{"status": "completed", "output": "done"},
		"requestId":  "req-2",
	}))
	ack := readUntil(t, ws, "result_ack")
	assert.Equal(t, cmd.ID, ack["commandId"])
	assert.Equal(t, "completed", ack["status"])

	// A second submission with the same token is rejected.
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":       "command_result",
		"commandId":  cmd.ID,
		"claimToken": token,
		"result":     map[string]any{"status": "completed"},
	}))
	errFrame := readUntil(t, ws, "error")
	assert.Equal(t, "already_completed", errFrame["error"])
}

func TestDeviceHeartbeatAndUnknown(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, RegisterDeviceSession(context.Background(), gw.broker, "tok-2", "dev-2", "t1", time.Hour))
	ws := dialDevice(t, gw, "tok-2")

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "heartbeat", "requestId": "hb-1"}))
	hb := readUntil(t, ws, "heartbeat_ack")
	assert.Equal(t, "hb-1", hb["requestId"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "frobnicate"}))
	errFrame := readUntil(t, ws, "error")
	assert.Equal(t, "unknown", errFrame["error"])
}

func dialCustomer(t *testing.T, gw *testGateway, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(gw.customerURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestCustomerBearerAuthAndPing(t *testing.T) {
	gw := newTestGateway(t)
	ws := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping", "requestId": "p1"}))
	pong := readUntil(t, ws, "pong")
	assert.Equal(t, "p1", pong["requestId"])
}

func TestCustomerLateAuthFrame(t *testing.T) {
	gw := newTestGateway(t)
	ws := dialCustomer(t, gw, "")

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "auth", "token": signToken(t, "user-2", "t1", ""), "requestId": "a1",
	}))
	ack := readUntil(t, ws, "auth_ack")
	assert.Equal(t, "user-2", ack["userId"])
	assert.Equal(t, "t1", ack["tenantId"])
}

func TestCustomerBadTokenClosed(t *testing.T) {
	gw := newTestGateway(t)
	ws := dialCustomer(t, gw, "not-a-jwt")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected 1008 close, got %v", err)
}

func TestCustomerSendCommandTenantScoped(t *testing.T) {
	gw := newTestGateway(t)
	gw.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	gw.store.AddDevice(catalog.Device{ID: "dev-other", TenantID: "t2"})

	ws := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "send_command", "deviceId": "dev-1", "commandType": "reboot", "priority": 1, "requestId": "c1",
	}))
	ok := readUntil(t, ws, "command_enqueued")
	assert.Equal(t, "dev-1", ok["deviceId"])
	assert.NotEmpty(t, ok["commandId"])

	// Another tenant's device reads as not found.
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "send_command", "deviceId": "dev-other", "commandType": "reboot", "requestId": "c2",
	}))
	errFrame := readUntil(t, ws, "error")
	assert.Equal(t, "not_found", errFrame["error"])
}

func TestCustomerApproveSession(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.store.CreateSession(ctx, &catalog.Session{ID: "sess-1", TenantID: "t1", Status: "pending"}))
	require.NoError(t, gw.store.CreateSession(ctx, &catalog.Session{ID: "sess-other", TenantID: "t2", Status: "pending"}))

	ws := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "approve_session", "sessionId": "sess-1", "commandId": "cmd-1", "approved": true, "requestId": "ap1",
	}))
	ok := readUntil(t, ws, "session_approved")
	assert.Equal(t, "sess-1", ok["sessionId"])
	assert.Equal(t, true, ok["approved"])

	sess, err := gw.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "approved", sess.Status)

	// Cross-tenant sessions are invisible.
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "approve_session", "sessionId": "sess-other", "commandId": "cmd-1", "approved": false, "requestId": "ap2",
	}))
	errFrame := readUntil(t, ws, "error")
	assert.Equal(t, "not_found", errFrame["error"])
}

func TestCustomerChatSubscriptionOwnership(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, gw.store.CreateSession(ctx, &catalog.Session{ID: "sess-1", TenantID: "t1"}))
	require.NoError(t, gw.store.CreateSession(ctx, &catalog.Session{ID: "sess-2", TenantID: "t2"}))

	ws := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channel": "chat:sess-1", "requestId": "s1"}))
	sub := readUntil(t, ws, "subscribed")
	assert.Equal(t, "chat:sess-1", sub["channel"])

	// Chat messages published to the channel are relayed.
	require.NoError(t, gw.broker.Publish(ctx, broker.ChatChannel("sess-1"), map[string]any{
		"type": "chat_message", "text": "hello",
	}))
	msg := readUntil(t, ws, "chat_message")
	assert.Equal(t, "hello", msg["text"])

	// Another tenant's chat is off limits, as is any non-chat channel.
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channel": "chat:sess-2", "requestId": "s2"}))
	assert.Equal(t, "forbidden", readUntil(t, ws, "error")["error"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channel": "cmd:devices", "requestId": "s3"}))
	assert.Equal(t, "forbidden", readUntil(t, ws, "error")["error"])
}

func TestCustomerJoinRoomsForwardsUpdates(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gw.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	gw.store.AddDevice(catalog.Device{ID: "dev-foreign", TenantID: "t2"})

	ws := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "join_rooms", "deviceIds": []string{"dev-1", "dev-foreign"}, "requestId": "j1",
	}))
	joined := readUntil(t, ws, "rooms_joined")
	ids := joined["deviceIds"].([]any)
	require.Len(t, ids, 1)
	assert.Equal(t, "dev-1", ids[0])

	require.NoError(t, gw.broker.Publish(ctx, broker.DeviceUpdatesChannel("dev-1"), map[string]any{
		"type": "status_update", "deviceId": "dev-1",
	}))
	update := readUntil(t, ws, "status_update")
	assert.Equal(t, "dev-1", update["deviceId"])
}

func TestBearerFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/customer", nil)
	assert.Empty(t, bearerFromRequest(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerFromRequest(req))

	req.Header.Del("Authorization")
	req.Header.Set("Sec-WebSocket-Protocol", "chat, auth-xyz")
	assert.Equal(t, "xyz", bearerFromRequest(req))
}

func TestCorrelationIDCarriedToBrokerPublishes(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gw.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	require.NoError(t, RegisterDeviceSession(ctx, gw.broker, "tok-1", "dev-1", "t1", time.Hour))

	dev := dialDevice(t, gw, "tok-1")
	cust := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))

	// The control-channel notification carries the send_command frame's id.
	require.NoError(t, cust.WriteJSON(map[string]any{
		"type": "send_command", "deviceId": "dev-1", "commandType": "reboot", "requestId": "corr-1",
	}))
	note := readUntil(t, dev, "new_command")
	assert.Equal(t, "corr-1", note["requestId"])

	require.NoError(t, dev.WriteJSON(map[string]any{"type": "claim_command", "limit": 1, "requestId": "corr-2"}))
	claimed := readUntil(t, dev, "claimed_commands")
	first := claimed["commands"].([]any)[0].(map[string]any)

	// The updates-channel completion publish carries the command_result
	// frame's id; the customer follows dev-1 updates from connect.
	require.NoError(t, dev.WriteJSON(map[string]any{
		"type":       "command_result",
		"commandId":  first["id"],
		"claimToken": first["claimToken"],
		"result":     map[string]any{"status": "completed"},
		"requestId":  "corr-3",
	}))
	done := readUntil(t, cust, "command_completed")
	assert.Equal(t, "corr-3", done["requestId"])
}

func TestCustomerFollowsOwnedDeviceUpdatesAtConnect(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gw.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	gw.store.AddDevice(catalog.Device{ID: "dev-foreign", TenantID: "t2"})

	ws := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))
	// Once a reply arrives the connect-time subscriptions are in place.
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping", "requestId": "p1"}))
	readUntil(t, ws, "pong")

	// No join_rooms: updates for owned devices still arrive, and the
	// foreign tenant's never do.
	require.NoError(t, gw.broker.Publish(ctx, broker.DeviceUpdatesChannel("dev-foreign"), map[string]any{
		"type": "status_update", "deviceId": "dev-foreign",
	}))
	require.NoError(t, gw.broker.Publish(ctx, broker.DeviceUpdatesChannel("dev-1"), map[string]any{
		"type": "status_update", "deviceId": "dev-1",
	}))

	update := readUntil(t, ws, "status_update")
	assert.Equal(t, "dev-1", update["deviceId"])
}

func TestDeviceStatusUpdateSanitizedBeforeBroadcast(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gw.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	require.NoError(t, RegisterDeviceSession(ctx, gw.broker, "tok-1", "dev-1", "t1", time.Hour))

	cust := dialCustomer(t, gw, signToken(t, "user-1", "t1", ""))
	require.NoError(t, cust.WriteJSON(map[string]any{"type": "ping", "requestId": "p1"}))
	readUntil(t, cust, "pong")

	dev := dialDevice(t, gw, "tok-1")
	require.NoError(t, dev.WriteJSON(map[string]any{
		"type":      "status_update",
		"requestId": "su-1",
		"status": map[string]any{
			"note":     "reach me at admin@corp.com",
			"password": "hunter2",
		},
	}))

	update := readUntil(t, cust, "status_update")
	assert.Equal(t, "su-1", update["requestId"])
	status := update["status"].(map[string]any)
	assert.Equal(t, "reach me at <EMAIL_REDACTED>", status["note"])
	assert.Equal(t, "<REDACTED>", status["password"])
}

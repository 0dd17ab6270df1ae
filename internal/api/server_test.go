package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/config"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/hitl"
	"github.com/fleetgate/backend/internal/integrity"
	"github.com/fleetgate/backend/internal/metrics"
	"github.com/fleetgate/backend/internal/router"
)

const (
	testSecret   = "api-test-secret"
	testInternal = "internal-test-token"
)

type testAPI struct {
	srv   *httptest.Server
	store *catalog.MemoryStore
	bc    *broker.Client
	queue *cmdqueue.Queue
	coord *hitl.Coordinator
	mr    *miniredis.Miniredis
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bc := broker.NewFromClient(rdb, 5*time.Second)
	t.Cleanup(func() { bc.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.InternalAuthToken = testInternal

	store := catalog.NewMemory()
	m := metrics.New()
	conns := connmgr.New(m)
	queue := cmdqueue.New(bc, bus, m, 100)
	coord := hitl.New(store, conns, bus, m, cfg.Approval)
	t.Cleanup(func() { coord.Shutdown(context.Background()) })
	ws := router.New(cfg, conns, bc, queue, store, bus)

	signer, err := integrity.NewSigner(t.TempDir() + "/signing.key")
	require.NoError(t, err)

	server := New(cfg, conns, bc, queue, store, coord, m, ws, signer)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: store, bc: bc, queue: queue, coord: coord, mr: mr}
}

func signToken(t *testing.T, userID, tenantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":       userID,
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (a *testAPI) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func deviceHeaders(token string) map[string]string {
	return map[string]string{router.DeviceSessionHeader: token}
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadyzReflectsBrokerHealth(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	a.mr.Close()
	resp, _ = a.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestInternalAuthGate(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodGet, "/internal/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/internal/stats", map[string]string{"X-Internal-Auth": "wrong"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := a.do(t, http.MethodGet, "/internal/stats", map[string]string{"X-Internal-Auth": testInternal}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "connections")

	resp, _ = a.do(t, http.MethodGet, "/internal/metrics", map[string]string{"X-Internal-Auth": testInternal}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/internal/signing-key", map[string]string{"X-Internal-Auth": testInternal}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["publicKey"])
}

func TestDeviceEndpointsRequireSession(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodPost, "/api/v1/device/commands/claim", nil, map[string]any{"limit": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/device/commands/claim", deviceHeaders("bogus"), map[string]any{"limit": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceClaimResultExtendFlow(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, router.RegisterDeviceSession(ctx, a.bc, "tok-1", "dev-1", "t1", time.Hour))

	// Limit 0 is a no-op, 11 is rejected before the queue sees it.
	resp, body := a.do(t, http.MethodPost, "/api/v1/device/commands/claim", deviceHeaders("tok-1"), map[string]any{"limit": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["commands"])

	resp, _ = a.do(t, http.MethodPost, "/api/v1/device/commands/claim", deviceHeaders("tok-1"), map[string]any{"limit": 11})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	cmd, err := a.queue.Enqueue(ctx, "dev-1", "t1", "collect_logs", nil, 1)
	require.NoError(t, err)

	resp, body = a.do(t, http.MethodPost, "/api/v1/device/commands/claim", deviceHeaders("tok-1"), map[string]any{"limit": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	commands := body["commands"].([]any)
	require.Len(t, commands, 1)
	claimed := commands[0].(map[string]any)
	token := claimed["claimToken"].(string)

	resp, body = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/device/commands/%s/extend", cmd.ID), deviceHeaders("tok-1"),
		map[string]any{"claimToken": token, "extensionMs": 120_000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["visibleUntil"])

	// A wrong claim token is a 403.
	resp, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/device/commands/%s/result", cmd.ID), deviceHeaders("tok-1"),
		map[string]any{"claimToken": "wrong", "result": map[string]any{"status": "completed"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/device/commands/%s/result", cmd.ID), deviceHeaders("tok-1"),
		map[string]any{"claimToken": token, "result": map[string]any{"status": "completed", "output": "ok"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Double submission conflicts; a stranger's id is not found.
	resp, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/device/commands/%s/result", cmd.ID), deviceHeaders("tok-1"),
		map[string]any{"claimToken": token, "result": map[string]any{"status": "completed"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = a.do(t, http.MethodGet, "/api/v1/device/commands/nope", deviceHeaders("tok-1"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/api/v1/device/commands/"+cmd.ID, deviceHeaders("tok-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := body["command"].(map[string]any)
	assert.Equal(t, "completed", got["status"])
}

func TestDeviceCommandHiddenFromOtherDevice(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, router.RegisterDeviceSession(ctx, a.bc, "tok-1", "dev-1", "t1", time.Hour))
	require.NoError(t, router.RegisterDeviceSession(ctx, a.bc, "tok-2", "dev-2", "t2", time.Hour))

	cmd, err := a.queue.Enqueue(ctx, "dev-1", "t1", "reboot", nil, 1)
	require.NoError(t, err)

	resp, _ := a.do(t, http.MethodGet, "/api/v1/device/commands/"+cmd.ID, deviceHeaders("tok-2"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCustomerSessionLifecycle(t *testing.T) {
	a := newTestAPI(t)
	a.store.AddDevice(catalog.Device{ID: "dev-1", TenantID: "t1"})
	auth := bearerHeaders(signToken(t, "user-1", "t1"))

	resp, body := a.do(t, http.MethodPost, "/api/v1/customer/sessions", auth, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := body["session"].(map[string]any)
	sessionID := sess["ID"].(string)
	require.NotEmpty(t, sessionID)

	resp, _ = a.do(t, http.MethodGet, "/api/v1/customer/sessions/"+sessionID, auth, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Another tenant cannot see it.
	other := bearerHeaders(signToken(t, "user-2", "t2"))
	resp, _ = a.do(t, http.MethodGet, "/api/v1/customer/sessions/"+sessionID, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = a.do(t, http.MethodPost, "/api/v1/customer/sessions/"+sessionID+"/approve", auth,
		map[string]any{"commandId": "cmd-1", "approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["approved"])

	got, err := a.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)
}

func TestCustomerSessionRejectsForeignDevice(t *testing.T) {
	a := newTestAPI(t)
	a.store.AddDevice(catalog.Device{ID: "dev-x", TenantID: "t2"})

	resp, _ := a.do(t, http.MethodPost, "/api/v1/customer/sessions",
		bearerHeaders(signToken(t, "user-1", "t1")), map[string]any{"deviceId": "dev-x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeviceActionApproveFlow(t *testing.T) {
	a := newTestAPI(t)
	auth := bearerHeaders(signToken(t, "operator", "t1"))

	results := make(chan hitl.PermissionResult, 1)
	go func() {
		results <- a.coord.Decide(context.Background(), "sess-1", "t1", "delete_file",
			map[string]any{"path": "/etc/x"}, hitl.DecideOptions{})
	}()
	require.Eventually(t, func() bool { return a.coord.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	resp, body := a.do(t, http.MethodGet, "/api/v1/customer/approvals/pending", auth, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approvals := body["approvals"].([]any)
	require.Len(t, approvals, 1)
	approvalID := approvals[0].(map[string]any)["id"].(string)

	// Another tenant cannot resolve it.
	resp, _ = a.do(t, http.MethodPost, "/api/v1/device-actions/"+approvalID+"/reject",
		bearerHeaders(signToken(t, "intruder", "t2")), map[string]any{"reason": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/v1/device-actions/"+approvalID+"/approve", auth,
		map[string]any{"reason": "fine"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case res := <-results:
		assert.True(t, res.Allow)
	case <-time.After(time.Second):
		t.Fatal("requester never resolved")
	}
}

func TestDeviceActionReject(t *testing.T) {
	a := newTestAPI(t)
	auth := bearerHeaders(signToken(t, "operator", "t1"))

	results := make(chan hitl.PermissionResult, 1)
	go func() {
		results <- a.coord.Decide(context.Background(), "sess-2", "t1", "reboot", nil, hitl.DecideOptions{})
	}()
	require.Eventually(t, func() bool { return a.coord.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	approvalID := a.coord.PendingForTenant("t1")[0].ID

	resp, _ := a.do(t, http.MethodPost, "/api/v1/device-actions/"+approvalID+"/reject", auth,
		map[string]any{"reason": "not now"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res := <-results
	assert.False(t, res.Allow)
	assert.Equal(t, "not now", res.Message)
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/trace"
)

// lateAuthWait bounds how long an unauthenticated customer connection may
// hold a socket before its auth frame arrives.
const lateAuthWait = 10 * time.Second

type customerFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	Token string `json:"token"` // late auth

	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
	Approved  *bool  `json:"approved"`
	Reason    string `json:"reason"`

	DeviceID    string         `json:"deviceId"`
	DeviceIDs   []string       `json:"deviceIds"`
	CommandType string         `json:"commandType"`
	Params      map[string]any `json:"params"`
	Priority    int            `json:"priority"`

	Channel string `json:"channel"`
}

// HandleCustomerWS is the customer and web-portal websocket endpoint. The
// JWT may arrive as a bearer header, as the "auth-<jwt>" subprotocol, or as
// the first frame.
func (r *Router) HandleCustomerWS(w http.ResponseWriter, req *http.Request) {
	var respHeader http.Header
	token := bearerFromRequest(req)
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); strings.Contains(proto, "auth-") {
		// Browsers require the server to echo the selected subprotocol.
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "auth-") {
				respHeader = http.Header{"Sec-WebSocket-Protocol": {p}}
				break
			}
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		slog.Warn("Customer upgrade failed", "error", err)
		return
	}
	t := newWSTransport(conn)

	p, pendingFrame, err := r.authenticateCustomer(conn, token)
	if err != nil {
		slog.Warn("Customer authentication failed", "remote", req.RemoteAddr)
		t.Close(ClosePolicyViolation, "authentication failed")
		return
	}

	kind := connmgr.KindCustomer
	if p.Portal {
		kind = connmgr.KindWebPortal
	}
	sessionID := uuid.NewString()
	r.conns.Add(sessionID, t, kind, connmgr.Metadata{
		TenantID:    p.TenantID,
		PrincipalID: p.UserID,
	})
	r.configureConn(conn, sessionID)

	ctx := context.Background()
	subs, err := r.broker.SubscribeMany(ctx, nil)
	if err != nil {
		slog.Error("Customer subscription setup failed", "error", err)
		r.conns.Remove(sessionID)
		return
	}
	// Every owned device's updates channel is followed from the start;
	// join_rooms only adds devices registered after connect.
	r.followTenantDevices(ctx, sessionID, p.TenantID, subs)

	slog.Info("Customer connected", "userId", p.UserID, "tenantId", p.TenantID, "kind", kind, "sessionId", sessionID)

	cs := &customerSession{router: r, id: sessionID, principal: p, subs: subs}
	if pendingFrame != nil {
		cs.dispatch(*pendingFrame)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.markClosed()
			break
		}
		r.conns.MarkAlive(sessionID)

		var frame customerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.replyError(sessionID, "", "invalid_json", "frame is not valid JSON")
			continue
		}
		cs.dispatch(frame)
	}

	subs.Disconnect()
	r.conns.Remove(sessionID)
	slog.Info("Customer disconnected", "userId", p.UserID, "sessionId", sessionID)
}

func (r *Router) followTenantDevices(ctx context.Context, sessionID, tenantID string, subs *broker.MultiSubscription) {
	devices, err := r.store.DevicesForTenant(ctx, tenantID)
	if err != nil {
		slog.Warn("Tenant device enumeration failed", "tenantId", tenantID, "error", err)
		return
	}
	for _, device := range devices {
		if err := subs.Add(ctx, broker.DeviceUpdatesChannel(device.ID), r.forwardTo(sessionID)); err != nil {
			slog.Warn("Device updates subscription failed", "deviceId", device.ID, "error", err)
		}
	}
}

// authenticateCustomer verifies the upgrade-time token or waits for a late
// auth frame. A non-auth first frame from an unauthenticated client is
// rejected; an auth frame from an authenticated one is answered after
// registration.
func (r *Router) authenticateCustomer(conn *websocket.Conn, token string) (*Principal, *customerFrame, error) {
	if token != "" {
		p, err := VerifyJWT(r.cfg.Auth.JWTSecret, token)
		return p, nil, err
	}

	conn.SetReadDeadline(time.Now().Add(lateAuthWait))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, errUnauthenticated
	}
	var frame customerFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		return nil, nil, errUnauthenticated
	}

	p, err := VerifyJWT(r.cfg.Auth.JWTSecret, frame.Token)
	if err != nil {
		return nil, nil, err
	}
	return p, &frame, nil
}

// customerSession holds the per-connection dispatch state.
type customerSession struct {
	router    *Router
	id        string
	principal *Principal
	subs      *broker.MultiSubscription
}

func (cs *customerSession) dispatch(frame customerFrame) {
	r := cs.router
	// Side effects published from this frame must carry its correlation id.
	ctx := trace.WithID(context.Background(), frame.RequestID)

	switch frame.Type {
	case "auth":
		r.reply(cs.id, frame.RequestID, map[string]any{
			"type":     "auth_ack",
			"userId":   cs.principal.UserID,
			"tenantId": cs.principal.TenantID,
		})

	case "approve_session":
		cs.approveSession(ctx, frame)

	case "get_system_info":
		stats := r.conns.Stats()
		r.reply(cs.id, frame.RequestID, map[string]any{
			"type": "system_info",
			"data": map[string]any{
				"connections": stats.Total,
				"byKind":      stats.ByKind,
				"serverTime":  time.Now().UTC().Format(time.RFC3339),
			},
		})

	case "send_command":
		cs.sendCommand(ctx, frame)

	case "join_rooms":
		cs.joinRooms(ctx, frame)

	case "ping":
		r.reply(cs.id, frame.RequestID, map[string]any{"type": "pong"})

	case "subscribe":
		cs.subscribeChat(ctx, frame)

	case "unsubscribe":
		if !strings.HasPrefix(frame.Channel, "chat:") {
			r.replyError(cs.id, frame.RequestID, "forbidden", "only chat channels may be unsubscribed")
			return
		}
		cs.subs.Remove(ctx, frame.Channel)
		r.reply(cs.id, frame.RequestID, map[string]any{"type": "unsubscribed", "channel": frame.Channel})

	default:
		r.replyError(cs.id, frame.RequestID, "unknown", "unknown")
	}
}

func (cs *customerSession) approveSession(ctx context.Context, frame customerFrame) {
	r := cs.router
	if frame.SessionID == "" || frame.CommandID == "" || frame.Approved == nil {
		r.replyError(cs.id, frame.RequestID, "invalid_request", "sessionId, commandId, and approved are required")
		return
	}

	sess, err := r.store.GetSession(ctx, frame.SessionID)
	if err != nil || sess.TenantID != cs.principal.TenantID {
		r.replyError(cs.id, frame.RequestID, "not_found", "session not found")
		return
	}

	err = r.store.ApproveSessionCommand(ctx, frame.SessionID, frame.CommandID, *frame.Approved, frame.Reason, sess.UpdatedAt)
	switch {
	case errors.Is(err, catalog.ErrConflict):
		r.replyError(cs.id, frame.RequestID, "CONCURRENT_UPDATE_CONFLICT", "session changed since read")
	case err != nil:
		r.replyError(cs.id, frame.RequestID, "internal", "approve failed")
	default:
		r.reply(cs.id, frame.RequestID, map[string]any{
			"type":      "session_approved",
			"sessionId": frame.SessionID,
			"commandId": frame.CommandID,
			"approved":  *frame.Approved,
		})
	}
}

func (cs *customerSession) sendCommand(ctx context.Context, frame customerFrame) {
	r := cs.router
	device, err := r.store.GetDevice(ctx, frame.DeviceID)
	if err != nil || device.TenantID != cs.principal.TenantID {
		r.replyError(cs.id, frame.RequestID, "not_found", "device not found")
		return
	}

	cmd, err := r.queue.Enqueue(ctx, frame.DeviceID, cs.principal.TenantID, frame.CommandType, frame.Params, frame.Priority)
	if err != nil {
		r.replyError(cs.id, frame.RequestID, errorCode(err), err.Error())
		return
	}
	r.reply(cs.id, frame.RequestID, map[string]any{
		"type":      "command_enqueued",
		"commandId": cmd.ID,
		"deviceId":  frame.DeviceID,
	})
}

func (cs *customerSession) joinRooms(ctx context.Context, frame customerFrame) {
	r := cs.router
	joined := make([]string, 0, len(frame.DeviceIDs))
	for _, deviceID := range frame.DeviceIDs {
		device, err := r.store.GetDevice(ctx, deviceID)
		if err != nil || device.TenantID != cs.principal.TenantID {
			continue
		}
		if err := cs.subs.Add(ctx, broker.DeviceUpdatesChannel(deviceID), r.forwardTo(cs.id)); err != nil {
			slog.Warn("Join room failed", "deviceId", deviceID, "error", err)
			continue
		}
		joined = append(joined, deviceID)
	}
	r.reply(cs.id, frame.RequestID, map[string]any{"type": "rooms_joined", "deviceIds": joined})
}

// subscribeChat admits the session to a chat channel only when the
// authenticated tenant owns the chat's work session.
func (cs *customerSession) subscribeChat(ctx context.Context, frame customerFrame) {
	r := cs.router
	const prefix = "chat:"
	if !strings.HasPrefix(frame.Channel, prefix) {
		r.replyError(cs.id, frame.RequestID, "forbidden", "only chat channels may be subscribed")
		return
	}

	workSession := strings.TrimPrefix(frame.Channel, prefix)
	tenant, err := r.store.SessionTenant(ctx, workSession)
	if err != nil || tenant != cs.principal.TenantID {
		r.replyError(cs.id, frame.RequestID, "forbidden", "chat session not owned by tenant")
		return
	}

	if err := cs.subs.Add(ctx, frame.Channel, r.forwardTo(cs.id)); err != nil {
		r.replyError(cs.id, frame.RequestID, "internal", "subscribe failed")
		return
	}
	r.reply(cs.id, frame.RequestID, map[string]any{"type": "subscribed", "channel": frame.Channel})
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/integrity"
	"github.com/fleetgate/backend/internal/trace"
)

// DeviceSessionHeader carries the device-session token on upgrade.
const DeviceSessionHeader = "X-Device-Session"

type deviceFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	Limit             int   `json:"limit"`
	VisibilityTimeout int64 `json:"visibilityTimeout"` // ms

	CommandID  string           `json:"commandId"`
	ClaimToken string           `json:"claimToken"`
	Result     *cmdqueue.Result `json:"result"`

	Status map[string]any `json:"status"`
}

// HandleDeviceWS is the device websocket endpoint. The token is resolved
// against the broker after the upgrade so failures can close with 1008.
func (r *Router) HandleDeviceWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("Device upgrade failed", "error", err)
		return
	}
	t := newWSTransport(conn)

	sess, err := ResolveDeviceSession(req.Context(), r.broker, req.Header.Get(DeviceSessionHeader))
	if err != nil {
		slog.Warn("Device authentication failed", "remote", req.RemoteAddr)
		t.Close(ClosePolicyViolation, "authentication failed")
		return
	}

	sessionID := uuid.NewString()
	r.conns.Add(sessionID, t, connmgr.KindDevice, connmgr.Metadata{
		TenantID:    sess.TenantID,
		PrincipalID: sess.DeviceID,
	})
	r.configureConn(conn, sessionID)

	// Subscribe before the device is visible as online so no control
	// message slips between the two.
	ctx := context.Background()
	sub, err := r.broker.Subscribe(ctx, broker.DeviceControlChannel(sess.DeviceID), r.forwardTo(sessionID))
	if err != nil {
		slog.Error("Device control subscription failed", "deviceId", sess.DeviceID, "error", err)
		r.conns.Remove(sessionID)
		return
	}

	if err := r.store.SetDeviceOnline(ctx, sess.DeviceID, true); err != nil {
		slog.Warn("Device online mark failed", "deviceId", sess.DeviceID, "error", err)
	}
	r.bus.Publish(events.Event{
		Type:     events.TypeDeviceOnline,
		TenantID: sess.TenantID,
		Data:     map[string]any{"deviceId": sess.DeviceID},
	})

	slog.Info("Device connected", "deviceId", sess.DeviceID, "tenantId", sess.TenantID, "sessionId", sessionID)
	r.deviceReadLoop(conn, t, sessionID, sess)

	sub.Unsubscribe()
	r.conns.Remove(sessionID)
	if err := r.store.SetDeviceOnline(ctx, sess.DeviceID, false); err != nil {
		slog.Warn("Device offline mark failed", "deviceId", sess.DeviceID, "error", err)
	}
	r.bus.Publish(events.Event{
		Type:     events.TypeDeviceOffline,
		TenantID: sess.TenantID,
		Data:     map[string]any{"deviceId": sess.DeviceID},
	})
	slog.Info("Device disconnected", "deviceId", sess.DeviceID, "sessionId", sessionID)
}

func (r *Router) deviceReadLoop(conn *websocket.Conn, t *wsTransport, sessionID string, sess *DeviceSession) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.markClosed()
			return
		}
		r.conns.MarkAlive(sessionID)

		var frame deviceFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.replyError(sessionID, "", "invalid_json", "frame is not valid JSON")
			continue
		}
		r.dispatchDevice(sessionID, sess, frame)
	}
}

func (r *Router) dispatchDevice(sessionID string, sess *DeviceSession, frame deviceFrame) {
	// Side effects published from this frame must carry its correlation id.
	ctx := trace.WithID(context.Background(), frame.RequestID)

	switch frame.Type {
	case "claim_command":
		limit := frame.Limit
		if limit == 0 {
			limit = 1
		}
		visibility := time.Duration(frame.VisibilityTimeout) * time.Millisecond
		if visibility == 0 {
			visibility = r.cfg.Queue.DefaultVisibility
		}

		claimed, err := r.queue.Claim(ctx, sess.DeviceID, limit, visibility)
		if err != nil {
			r.replyError(sessionID, frame.RequestID, errorCode(err), err.Error())
			return
		}
		r.reply(sessionID, frame.RequestID, map[string]any{
			"type":     "claimed_commands",
			"commands": claimed,
		})

	case "command_result":
		if frame.Result == nil {
			r.replyError(sessionID, frame.RequestID, "invalid_request", "result is required")
			return
		}
		cmd, err := r.queue.SubmitResult(ctx, sess.DeviceID, frame.CommandID, frame.ClaimToken, *frame.Result)
		if err != nil {
			r.replyError(sessionID, frame.RequestID, errorCode(err), err.Error())
			return
		}
		r.reply(sessionID, frame.RequestID, map[string]any{
			"type":      "result_ack",
			"commandId": cmd.ID,
			"status":    cmd.Status,
		})

	case "heartbeat":
		r.reply(sessionID, frame.RequestID, map[string]any{"type": "heartbeat_ack"})

	case "status_update":
		// Device-supplied payload is scrubbed before it fans out to
		// customer sessions.
		err := r.broker.Publish(ctx, broker.DeviceUpdatesChannel(sess.DeviceID), map[string]any{
			"type":      "status_update",
			"deviceId":  sess.DeviceID,
			"status":    integrity.SanitizeOutput(frame.Status),
			"requestId": trace.FromContext(ctx),
		})
		if err != nil {
			slog.Warn("Status update publish failed", "deviceId", sess.DeviceID, "error", err)
		}

	default:
		r.replyError(sessionID, frame.RequestID, "unknown", "unknown")
	}
}

// errorCode maps queue errors onto wire codes shared with the HTTP surface.
func errorCode(err error) string {
	switch {
	case errors.Is(err, cmdqueue.ErrInvalidArgument):
		return "invalid_request"
	case errors.Is(err, cmdqueue.ErrNotFound):
		return "not_found"
	case errors.Is(err, cmdqueue.ErrInvalidClaim):
		return "invalid_claim"
	case errors.Is(err, cmdqueue.ErrAlreadyCompleted):
		return "already_completed"
	default:
		return "internal"
	}
}

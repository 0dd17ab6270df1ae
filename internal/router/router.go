// Package router owns the websocket surface: per-connection
// authentication, registration with the connection manager, broker
// subscriptions, and frame dispatch for the device and customer endpoints.
package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/config"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/trace"
)

// ClosePolicyViolation is sent when authentication or authorization fails
// on an established websocket.
const ClosePolicyViolation = websocket.ClosePolicyViolation

// Router dispatches websocket traffic between devices, customers, and the
// gateway core.
type Router struct {
	cfg      *config.Config
	conns    *connmgr.Manager
	broker   *broker.Client
	queue    *cmdqueue.Queue
	store    catalog.Store
	bus      *events.Bus
	upgrader websocket.Upgrader
}

func New(cfg *config.Config, conns *connmgr.Manager, b *broker.Client, q *cmdqueue.Queue, store catalog.Store, bus *events.Bus) *Router {
	return &Router{
		cfg:    cfg,
		conns:  conns,
		broker: b,
		queue:  q,
		store:  store,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(cfg.Server),
		},
	}
}

// buildCheckOrigin enforces the origin allowlist in production and allows
// everything elsewhere. Devices send no Origin header and always pass.
func buildCheckOrigin(cfg config.ServerConfig) func(r *http.Request) bool {
	if cfg.Env == "production" && cfg.AllowedOrigins != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(cfg.AllowedOrigins, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("Websocket origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}

	slog.Warn("Websocket origin check disabled outside production")
	return func(r *http.Request) bool { return true }
}

// reply sends a frame to one session, echoing the correlation id.
func (r *Router) reply(sessionID, requestID string, payload map[string]any) {
	if requestID == "" {
		requestID = trace.New()
	}
	payload["requestId"] = requestID
	r.conns.Send(sessionID, payload)
}

func (r *Router) replyError(sessionID, requestID, code, message string) {
	r.reply(sessionID, requestID, map[string]any{
		"type":    "error",
		"error":   code,
		"message": message,
	})
}

// forwardTo returns a broker handler that relays published payloads to one
// session verbatim.
func (r *Router) forwardTo(sessionID string) broker.Handler {
	return func(payload json.RawMessage) {
		r.conns.Send(sessionID, payload)
	}
}

// configureConn applies the shared read-side settings. The pong handler
// feeds the application heartbeat so library-level pings also count as
// liveness.
func (r *Router) configureConn(conn *websocket.Conn, sessionID string) {
	timeout := r.cfg.Heartbeat.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(timeout))
		r.conns.MarkAlive(sessionID)
		return nil
	})
}

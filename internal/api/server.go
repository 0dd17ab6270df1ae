// Package api is the HTTP surface of the gateway: device command REST
// endpoints, customer session endpoints, approval actions, health probes,
// and the token-guarded internal surface. The websocket endpoints are
// mounted here but handled by the router package.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/config"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/hitl"
	"github.com/fleetgate/backend/internal/integrity"
	"github.com/fleetgate/backend/internal/metrics"
	"github.com/fleetgate/backend/internal/router"
	"github.com/fleetgate/backend/internal/trace"
)

// Server wires the HTTP routes to the gateway core.
type Server struct {
	cfg       *config.Config
	conns     *connmgr.Manager
	broker    *broker.Client
	queue     *cmdqueue.Queue
	store     catalog.Store
	approvals *hitl.Coordinator
	metrics   *metrics.Metrics
	ws        *router.Router
	signer    *integrity.Signer

	started time.Time
}

func New(cfg *config.Config, conns *connmgr.Manager, b *broker.Client, q *cmdqueue.Queue, store catalog.Store, approvals *hitl.Coordinator, m *metrics.Metrics, ws *router.Router, signer *integrity.Signer) *Server {
	return &Server{
		cfg:       cfg,
		conns:     conns,
		broker:    b,
		queue:     q,
		store:     store,
		approvals: approvals,
		metrics:   m,
		ws:        ws,
		signer:    signer,
		started:   time.Now(),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(trace.Middleware)

	r.HandleFunc("/ws/device", s.ws.HandleDeviceWS)
	r.HandleFunc("/ws/customer", s.ws.HandleCustomerWS)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/device/commands/claim", s.handleClaim).Methods(http.MethodPost)
	v1.HandleFunc("/device/commands/{id}/extend", s.handleExtend).Methods(http.MethodPost)
	v1.HandleFunc("/device/commands/{id}/result", s.handleResult).Methods(http.MethodPost)
	v1.HandleFunc("/device/commands/{id}", s.handleGetCommand).Methods(http.MethodGet)

	v1.HandleFunc("/customer/sessions", s.handleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/customer/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/customer/sessions/{id}/approve", s.handleApproveSession).Methods(http.MethodPost)
	v1.HandleFunc("/customer/approvals/pending", s.handlePendingApprovals).Methods(http.MethodGet)

	v1.HandleFunc("/device-actions/{id}/approve", s.handleActionApprove).Methods(http.MethodPost)
	v1.HandleFunc("/device-actions/{id}/reject", s.handleActionReject).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(s.internalAuth)
	internal.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	internal.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	internal.HandleFunc("/signing-key", s.handleSigningKey).Methods(http.MethodGet)

	return r
}

// writeJSON emits a response carrying the request's correlation id.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	body["requestId"] = trace.FromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, map[string]any{"error": code, "message": message})
}

// queueError maps queue sentinel errors onto the HTTP taxonomy.
func queueError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cmdqueue.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, cmdqueue.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "command not found")
	case errors.Is(err, cmdqueue.ErrInvalidClaim):
		writeError(w, r, http.StatusForbidden, "invalid_claim", "claim token rejected")
	case errors.Is(err, cmdqueue.ErrAlreadyCompleted):
		writeError(w, r, http.StatusConflict, "already_completed", "command already completed")
	default:
		slog.Error("Queue operation failed", "error", err, "requestId", trace.FromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

// internalAuth guards the internal surface with a constant-time token
// comparison. 401 without a token, 403 with a wrong one.
func (s *Server) internalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.cfg.Server.InternalAuthToken
		if expected == "" {
			writeError(w, r, http.StatusServiceUnavailable, "unavailable", "internal surface not configured")
			return
		}

		got := r.Header.Get("X-Internal-Auth")
		if got == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing internal auth token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			writeError(w, r, http.StatusForbidden, "forbidden", "invalid internal auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz reports 503 until both the broker and the catalog answer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{"broker": "ok", "catalog": "ok"}
	healthy := true

	if err := s.broker.Ping(ctx); err != nil {
		checks["broker"] = err.Error()
		healthy = false
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["catalog"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, map[string]any{"status": checks})
}

// handleSigningKey exposes the script-package verification key to sibling
// instances and tooling.
func (s *Server) handleSigningKey(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "signing key not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"publicKey": s.signer.PublicKey(),
		"algorithm": "ed25519",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.conns.Stats()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"connections":      stats.Total,
		"byKind":           stats.ByKind,
		"pendingApprovals": s.approvals.PendingCount(),
		"uptimeSeconds":    int(time.Since(s.started).Seconds()),
	})
}

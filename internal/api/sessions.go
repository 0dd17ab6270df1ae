package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/hitl"
	"github.com/fleetgate/backend/internal/router"
)

// customerIdentity verifies the bearer JWT on customer endpoints. Responds
// 401 itself on failure.
func (s *Server) customerIdentity(w http.ResponseWriter, r *http.Request) (*router.Principal, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return nil, false
	}

	p, err := router.VerifyJWT(s.cfg.Auth.JWTSecret, strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
		return nil, false
	}
	return p, true
}

type createSessionRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.customerIdentity(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.DeviceID != "" {
		device, err := s.store.GetDevice(r.Context(), req.DeviceID)
		if err != nil || device.TenantID != p.TenantID {
			writeError(w, r, http.StatusNotFound, "not_found", "device not found")
			return
		}
	}

	sess := &catalog.Session{
		ID:       uuid.NewString(),
		TenantID: p.TenantID,
		DeviceID: req.DeviceID,
		Status:   "active",
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "session create failed")
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.customerIdentity(w, r)
	if !ok {
		return
	}

	sess, err := s.store.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil || sess.TenantID != p.TenantID {
		writeError(w, r, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"session": sess})
}

type approveSessionRequest struct {
	CommandID string `json:"commandId"`
	Approved  *bool  `json:"approved"`
	Reason    string `json:"reason"`
}

// handleApproveSession applies a human verdict to a session command under
// optimistic concurrency. A lost race returns 409.
func (s *Server) handleApproveSession(w http.ResponseWriter, r *http.Request) {
	p, ok := s.customerIdentity(w, r)
	if !ok {
		return
	}

	var req approveSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CommandID == "" || req.Approved == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "commandId and approved are required")
		return
	}

	sessionID := mux.Vars(r)["id"]
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || sess.TenantID != p.TenantID {
		writeError(w, r, http.StatusNotFound, "not_found", "session not found")
		return
	}

	err = s.store.ApproveSessionCommand(r.Context(), sessionID, req.CommandID, *req.Approved, req.Reason, sess.UpdatedAt)
	switch {
	case errors.Is(err, catalog.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONCURRENT_UPDATE_CONFLICT", "session changed since read")
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "session not found")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "approve failed")
	default:
		writeJSON(w, r, http.StatusOK, map[string]any{
			"sessionId": sessionID,
			"commandId": req.CommandID,
			"approved":  *req.Approved,
		})
	}
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	p, ok := s.customerIdentity(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"approvals": s.approvals.PendingForTenant(p.TenantID),
	})
}

type actionRequest struct {
	Reason        string         `json:"reason"`
	ModifiedInput map[string]any `json:"modifiedInput"`
}

// ownsApproval confirms the approval is pending and belongs to the
// caller's tenant. Cross-tenant ids read as not found.
func (s *Server) ownsApproval(p *router.Principal, approvalID string) bool {
	for _, pa := range s.approvals.PendingForTenant(p.TenantID) {
		if pa.ID == approvalID {
			return true
		}
	}
	return false
}

// handleActionApprove resolves a pending tool approval as allowed.
func (s *Server) handleActionApprove(w http.ResponseWriter, r *http.Request) {
	p, ok := s.customerIdentity(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.ownsApproval(p, mux.Vars(r)["id"]) {
		writeError(w, r, http.StatusNotFound, "not_found", "approval not pending")
		return
	}

	decision := hitl.DecisionApproved
	if req.ModifiedInput != nil {
		decision = hitl.DecisionModify
	}
	err := s.approvals.Resolve(r.Context(), mux.Vars(r)["id"], decision, hitl.ResolveOptions{
		Reason:        req.Reason,
		ModifiedInput: req.ModifiedInput,
	})
	if errors.Is(err, hitl.ErrNotPending) {
		writeError(w, r, http.StatusNotFound, "not_found", "approval not pending")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"approved": true})
}

// handleActionReject resolves a pending tool approval as denied.
func (s *Server) handleActionReject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.customerIdentity(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.ownsApproval(p, mux.Vars(r)["id"]) {
		writeError(w, r, http.StatusNotFound, "not_found", "approval not pending")
		return
	}

	err := s.approvals.Resolve(r.Context(), mux.Vars(r)["id"], hitl.DecisionDenied, hitl.ResolveOptions{
		Reason: req.Reason,
	})
	if errors.Is(err, hitl.ErrNotPending) {
		writeError(w, r, http.StatusNotFound, "not_found", "approval not pending")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"approved": false})
}

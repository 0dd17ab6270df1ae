package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fleetgate/backend/internal/cmdqueue"
	"github.com/fleetgate/backend/internal/router"
)

// deviceIdentity resolves the device-session header. Responds 401 itself
// when the token is absent or unknown.
func (s *Server) deviceIdentity(w http.ResponseWriter, r *http.Request) (*router.DeviceSession, bool) {
	token := r.Header.Get(router.DeviceSessionHeader)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing device session token")
		return nil, false
	}

	sess, err := router.ResolveDeviceSession(r.Context(), s.broker, token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "invalid device session token")
		return nil, false
	}
	return sess, true
}

type claimRequest struct {
	Limit             int   `json:"limit"`
	VisibilityTimeout int64 `json:"visibilityTimeout"` // ms
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deviceIdentity(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit < 0 || req.Limit > cmdqueue.MaxClaimLimit {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "limit outside [0, 10]")
		return
	}

	visibility := time.Duration(req.VisibilityTimeout) * time.Millisecond
	if visibility == 0 {
		visibility = s.cfg.Queue.DefaultVisibility
	}

	claimed, err := s.queue.Claim(r.Context(), sess.DeviceID, req.Limit, visibility)
	if err != nil {
		queueError(w, r, err)
		return
	}
	if claimed == nil {
		claimed = []cmdqueue.ClaimedCommand{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"commands": claimed})
}

type resultRequest struct {
	ClaimToken string          `json:"claimToken"`
	Result     cmdqueue.Result `json:"result"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deviceIdentity(w, r)
	if !ok {
		return
	}

	var req resultRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd, err := s.queue.SubmitResult(r.Context(), sess.DeviceID, mux.Vars(r)["id"], req.ClaimToken, req.Result)
	if err != nil {
		queueError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"command": cmd})
}

type extendRequest struct {
	ClaimToken string `json:"claimToken"`
	Extension  int64  `json:"extensionMs"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deviceIdentity(w, r)
	if !ok {
		return
	}

	var req extendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd, err := s.queue.Extend(r.Context(), sess.DeviceID, mux.Vars(r)["id"], req.ClaimToken, time.Duration(req.Extension)*time.Millisecond)
	if err != nil {
		queueError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"command":      cmd,
		"visibleUntil": cmd.VisibleUntil,
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deviceIdentity(w, r)
	if !ok {
		return
	}

	cmd, err := s.queue.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		queueError(w, r, err)
		return
	}
	// A device only sees its own commands.
	if cmd.DeviceID != sess.DeviceID {
		queueError(w, r, cmdqueue.ErrNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"command": cmd})
}

// Package hitl mediates privileged tool invocations. A decision either
// falls out of per-tenant policy immediately or escalates to a human
// operator; every escalation is resolved exactly once, by a human, a
// timeout, a cancelled requester, or shutdown, whichever reaches the
// pending entry first.
package hitl

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetgate/backend/internal/catalog"
	"github.com/fleetgate/backend/internal/config"
	"github.com/fleetgate/backend/internal/connmgr"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/metrics"
	"github.com/fleetgate/backend/internal/trace"
)

// ErrNotPending is returned when a resolution targets an approval that was
// already resolved or never existed.
var ErrNotPending = errors.New("hitl: approval not pending")

// Decision is a human operator's verdict. "modify" approves with a
// replacement input and is audited as approved.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionModify   Decision = "modify"
	DecisionDenied   Decision = "denied"
	DecisionDeny     Decision = "deny"
)

// PermissionResult is the outcome handed back to the tool-invocation engine.
type PermissionResult struct {
	Allow        bool           `json:"allow"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
	Interrupt    bool           `json:"interrupt,omitempty"`
}

func allow(input map[string]any) PermissionResult {
	return PermissionResult{Allow: true, UpdatedInput: input}
}

func deny(message string) PermissionResult {
	return PermissionResult{Allow: false, Message: message}
}

// DecideOptions carries the per-call extras of one tool decision.
// Cancellation rides on the context, not on a separate signal.
type DecideOptions struct {
	Suggestions []map[string]any
	Reasoning   string
	RiskLevel   string
	Timeout     time.Duration // zero means the configured default
}

// ResolveOptions carries the operator's reason and optional input rewrite.
type ResolveOptions struct {
	Reason        string
	ModifiedInput map[string]any
	Interrupt     bool
}

// PermissionDecider is the closure handed to the tool-invocation engine for
// one session.
type PermissionDecider func(ctx context.Context, tool string, input map[string]any, opts DecideOptions) PermissionResult

// PendingApproval is the UI-facing snapshot of an unresolved escalation.
type PendingApproval struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	TenantID  string         `json:"tenantId"`
	ToolName  string         `json:"toolName"`
	ToolInput map[string]any `json:"toolInput"`
	RiskLevel string         `json:"riskLevel,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// pending is one in-flight escalation. Ownership of the map entry is the
// resolution arbiter: whichever path removes the entry from the registry
// delivers the result; every other path becomes a no-op.
type pending struct {
	PendingApproval

	timeout time.Duration
	timer   *time.Timer
	stop    chan struct{} // closed on resolution, ends the abort watcher
	result  chan PermissionResult
}

// SuggestionHook lets a deployment override the default handling of
// suggestion-bearing calls. Returning ok=false forces escalation.
type SuggestionHook func(tool string, input map[string]any, suggestions []map[string]any) (map[string]any, bool)

// Coordinator owns the pending-approval registry, the per-tenant policy
// cache, and the session activity tracker.
type Coordinator struct {
	store   catalog.Store
	conns   *connmgr.Manager
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     config.ApprovalConfig

	// Suggestions is consulted for calls carrying suggestions. Nil means
	// allow with the original input.
	Suggestions SuggestionHook

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	policies policyCache
	tracker  sessionTracker
}

func New(store catalog.Store, conns *connmgr.Manager, bus *events.Bus, m *metrics.Metrics, cfg config.ApprovalConfig) *Coordinator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	c := &Coordinator{
		store:   store,
		conns:   conns,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		pending: make(map[string]*pending),
	}
	c.policies.init(store)
	c.tracker.init(cfg.TrackerTTL, cfg.SweepInterval)
	return c
}

// BindSession returns the decider closure for one session. The closure also
// feeds the session activity tracker.
func (c *Coordinator) BindSession(sessionID, tenantID string) PermissionDecider {
	return func(ctx context.Context, tool string, input map[string]any, opts DecideOptions) PermissionResult {
		c.tracker.touch(sessionID)
		return c.Decide(ctx, sessionID, tenantID, tool, input, opts)
	}
}

// Decide runs the policy ladder and escalates when nothing allows the call
// outright.
func (c *Coordinator) Decide(ctx context.Context, sessionID, tenantID, tool string, input map[string]any, opts DecideOptions) PermissionResult {
	if err := ctx.Err(); err != nil {
		c.auditImmediate(sessionID, tenantID, tool, input, catalog.ApprovalDenied, "aborted before approval")
		return deny("aborted before approval")
	}

	policy, found, err := c.policies.lookup(ctx, tenantID, tool)
	if err != nil {
		slog.Error("Policy load failed, escalating", "tenantId", tenantID, "tool", tool, "error", err)
	}
	switch {
	case found && policy.AutoApprove:
		c.metrics.Approvals.WithLabelValues("auto").Inc()
		return allow(input)
	case found && !policy.RequiresApproval:
		c.metrics.Approvals.WithLabelValues("auto").Inc()
		return allow(input)
	case !found:
		slog.Warn("No approval policy for tool, requiring approval", "tenantId", tenantID, "tool", tool)
	}

	if IsReadOnlyTool(tool) {
		c.metrics.Approvals.WithLabelValues("auto").Inc()
		return allow(input)
	}

	if len(opts.Suggestions) > 0 {
		if c.Suggestions == nil {
			c.metrics.Approvals.WithLabelValues("auto").Inc()
			return allow(input)
		}
		if updated, ok := c.Suggestions(tool, input, opts.Suggestions); ok {
			c.metrics.Approvals.WithLabelValues("auto").Inc()
			return allow(updated)
		}
	}

	return c.escalate(ctx, sessionID, tenantID, tool, input, opts)
}

// escalate parks the requester on a fresh pending entry and waits for
// exactly one resolution.
func (c *Coordinator) escalate(ctx context.Context, sessionID, tenantID, tool string, input map[string]any, opts DecideOptions) PermissionResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	now := time.Now()
	p := &pending{
		PendingApproval: PendingApproval{
			ID:        newApprovalID(now),
			SessionID: sessionID,
			TenantID:  tenantID,
			ToolName:  tool,
			ToolInput: input,
			RiskLevel: opts.RiskLevel,
			Reasoning: opts.Reasoning,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		timeout: timeout,
		stop:    make(chan struct{}),
		result:  make(chan PermissionResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return deny("service shutting down")
	}
	c.pending[p.ID] = p
	c.mu.Unlock()

	// The audit row must exist before any human can see the request. An
	// unauditable approval is worse than a failed one.
	rec := &catalog.ApprovalRecord{
		ID:        p.ID,
		SessionID: sessionID,
		TenantID:  tenantID,
		ToolName:  tool,
		ToolInput: input,
		Status:    catalog.ApprovalPending,
		CreatedAt: now,
	}
	if err := c.store.InsertApproval(ctx, rec); err != nil {
		c.take(p.ID)
		slog.Error("Approval audit insert failed", "approvalId", p.ID, "error", err)
		return deny("approval request could not be recorded")
	}

	p.timer = time.AfterFunc(timeout, func() { c.fireTimeout(p.ID) })
	go c.watchAbort(ctx, p)

	requestID := trace.FromContext(ctx)
	go c.conns.BroadcastApprovers(tenantID, map[string]any{
		"type":      "approval_request",
		"approval":  p.PendingApproval,
		"requestId": requestID,
	})
	c.bus.Publish(events.Event{
		Type:      events.TypeApprovalRequest,
		TenantID:  tenantID,
		RequestID: requestID,
		Data: map[string]any{
			"approvalId": p.ID,
			"sessionId":  sessionID,
			"toolName":   tool,
			"riskLevel":  opts.RiskLevel,
		},
	})
	slog.Info("Approval escalated",
		"approvalId", p.ID, "sessionId", sessionID, "tenantId", tenantID,
		"tool", tool, "timeout", timeout, "requestId", requestID)

	return <-p.result
}

// Resolve applies a human decision to a pending approval.
func (c *Coordinator) Resolve(ctx context.Context, approvalID string, decision Decision, opts ResolveOptions) error {
	p, ok := c.take(approvalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, approvalID)
	}

	var (
		res     PermissionResult
		status  catalog.ApprovalStatus
		outcome string
	)
	switch decision {
	case DecisionApproved, DecisionModify:
		input := p.ToolInput
		if opts.ModifiedInput != nil {
			input = opts.ModifiedInput
		}
		res = allow(input)
		status = catalog.ApprovalApproved
		outcome = "approved"
	case DecisionDenied, DecisionDeny:
		res = deny(opts.Reason)
		res.Interrupt = opts.Interrupt
		status = catalog.ApprovalDenied
		outcome = "denied"
	default:
		// Put nothing back; an unknown verb denies rather than leaking the
		// entry forever.
		res = deny(fmt.Sprintf("unknown decision %q", decision))
		status = catalog.ApprovalDenied
		outcome = "denied"
	}

	if err := c.store.ResolveApproval(ctx, approvalID, status, opts.Reason, time.Now()); err != nil {
		slog.Error("Approval audit update failed", "approvalId", approvalID, "error", err)
	}
	c.metrics.Approvals.WithLabelValues(outcome).Inc()
	c.bus.Publish(events.Event{
		Type:      events.TypeApprovalResponse,
		TenantID:  p.TenantID,
		RequestID: trace.FromContext(ctx),
		Data: map[string]any{
			"approvalId": approvalID,
			"sessionId":  p.SessionID,
			"toolName":   p.ToolName,
			"decision":   string(decision),
			"allowed":    res.Allow,
		},
	})
	slog.Info("Approval resolved",
		"approvalId", approvalID, "decision", decision, "allowed", res.Allow)

	p.result <- res
	return nil
}

// Cancel resolves an outstanding request as denied.
func (c *Coordinator) Cancel(ctx context.Context, approvalID, reason string) error {
	return c.Resolve(ctx, approvalID, DecisionDenied, ResolveOptions{Reason: reason})
}

// PendingForTenant lists unresolved escalations for a tenant's UI.
func (c *Coordinator) PendingForTenant(tenantID string) []PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingApproval, 0)
	for _, p := range c.pending {
		if p.TenantID == tenantID {
			out = append(out, p.PendingApproval)
		}
	}
	return out
}

// PendingCount reports registry size. Exposed on the internal stats surface.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start launches the stale-session sweep.
func (c *Coordinator) Start() { c.tracker.start() }

// Shutdown denies every pending approval, stops the sweep, and drops the
// policy cache. Safe to call once; escalations after Shutdown are denied
// immediately.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	drained := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		drained = append(drained, p)
	}
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.stop)
		if err := c.store.ResolveApproval(ctx, p.ID, catalog.ApprovalDenied, "service shutting down", time.Now()); err != nil {
			slog.Error("Approval audit update failed during shutdown", "approvalId", p.ID, "error", err)
		}
		c.metrics.Approvals.WithLabelValues("denied").Inc()
		p.result <- deny("service shutting down")
	}

	c.tracker.stop()
	c.policies.clear()
	slog.Info("Approval coordinator shut down", "denied", len(drained))
}

// take removes and returns the pending entry, claiming resolution
// ownership. The timer is stopped and the abort watcher released.
func (c *Coordinator) take(approvalID string) (*pending, bool) {
	c.mu.Lock()
	p, ok := c.pending[approvalID]
	if ok {
		delete(c.pending, approvalID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.stop)
	return p, true
}

func (c *Coordinator) fireTimeout(approvalID string) {
	p, ok := c.take(approvalID)
	if !ok {
		return
	}

	ctx := context.Background()
	if err := c.store.ResolveApproval(ctx, approvalID, catalog.ApprovalTimeout, "approval request timed out", time.Now()); err != nil {
		slog.Error("Approval audit update failed on timeout", "approvalId", approvalID, "error", err)
	}
	c.metrics.Approvals.WithLabelValues("timeout").Inc()
	c.bus.Publish(events.Event{
		Type:     events.TypeApprovalTimeout,
		TenantID: p.TenantID,
		Data: map[string]any{
			"approvalId": approvalID,
			"sessionId":  p.SessionID,
			"tenantId":   p.TenantID,
			"toolName":   p.ToolName,
			"timeout":    p.timeout.Milliseconds(),
		},
	})
	slog.Warn("Approval timed out",
		"approvalId", approvalID, "sessionId", p.SessionID, "tool", p.ToolName,
		"timeout", p.timeout)

	p.result <- deny(fmt.Sprintf("approval request timed out after %s", p.timeout))
}

// watchAbort resolves the entry when the requester's context is cancelled.
// Exits silently once any other path claims the entry.
func (c *Coordinator) watchAbort(ctx context.Context, p *pending) {
	select {
	case <-p.stop:
		return
	case <-ctx.Done():
	}

	got, ok := c.take(p.ID)
	if !ok {
		return
	}
	if err := c.store.ResolveApproval(context.Background(), p.ID, catalog.ApprovalDenied, "aborted by client", time.Now()); err != nil {
		slog.Error("Approval audit update failed on abort", "approvalId", p.ID, "error", err)
	}
	c.metrics.Approvals.WithLabelValues("aborted").Inc()
	slog.Info("Approval aborted by requester", "approvalId", p.ID)
	got.result <- deny("aborted by client")
}

// auditImmediate writes a terminal audit row for a decision that never
// became visible to operators.
func (c *Coordinator) auditImmediate(sessionID, tenantID, tool string, input map[string]any, status catalog.ApprovalStatus, reason string) {
	now := time.Now()
	rec := &catalog.ApprovalRecord{
		ID:        newApprovalID(now),
		SessionID: sessionID,
		TenantID:  tenantID,
		ToolName:  tool,
		ToolInput: input,
		Status:    status,
		Reason:    reason,
		CreatedAt: now,
		DecidedAt: &now,
	}
	if err := c.store.InsertApproval(context.Background(), rec); err != nil {
		slog.Error("Immediate audit insert failed", "sessionId", sessionID, "tool", tool, "error", err)
	}
}

// newApprovalID combines a millisecond timestamp with randomness so ids
// sort roughly by creation and never collide across instances.
func newApprovalID(now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("approval_%d_%s", now.UnixMilli(), hex.EncodeToString(buf))
}

// Package catalog is the persistent relational store behind the gateway:
// devices, customer sessions, approval policies, and the approval audit log.
// The core consumes the Store interface; Postgres backs it in production and
// the in-memory implementation backs tests.
package catalog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the row does not exist or the caller does not own it.
	ErrNotFound = errors.New("catalog: not found")

	// ErrConflict means an optimistic-concurrency update matched zero rows.
	ErrConflict = errors.New("catalog: concurrent update conflict")
)

// Device is a managed fleet device.
type Device struct {
	ID       string
	TenantID string
	Name     string
	Online   bool
	LastSeen time.Time
}

// Session is a customer-visible work session. ApproveCommand uses UpdatedAt
// as a CAS token.
type Session struct {
	ID        string
	TenantID  string
	DeviceID  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApprovalStatus enumerates terminal and non-terminal approval states.
// "modify" decisions are written as approved.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// ApprovalRecord is the persisted audit row for one approval request.
// Transitions from pending to a terminal status exactly once.
type ApprovalRecord struct {
	ID        string
	SessionID string
	TenantID  string
	ToolName  string
	ToolInput map[string]any
	Status    ApprovalStatus
	Reason    string
	CreatedAt time.Time
	DecidedAt *time.Time
}

// Policy is a per-tenant, per-tool approval rule.
type Policy struct {
	TenantID         string
	ToolName         string
	AutoApprove      bool
	RequiresApproval bool
	RiskThreshold    string
	Conditions       map[string]any
}

// Store is everything the gateway core needs from the relational catalog.
type Store interface {
	// Ping verifies reachability for the readiness probe.
	Ping(ctx context.Context) error

	// Devices.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	// DevicesForTenant enumerates a tenant's fleet, used to subscribe a
	// customer session to its device-update channels at connect.
	DevicesForTenant(ctx context.Context, tenantID string) ([]Device, error)
	SetDeviceOnline(ctx context.Context, deviceID string, online bool) error

	// Customer sessions.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// SessionTenant resolves ownership for chat-channel authorization.
	SessionTenant(ctx context.Context, sessionID string) (string, error)
	// ApproveSessionCommand applies a human decision to a session's command
	// guarded by updated_at equality. Zero rows updated means ErrConflict.
	ApproveSessionCommand(ctx context.Context, sessionID, commandID string, approved bool, reason string, updatedAt time.Time) error

	// Approval audit.
	InsertApproval(ctx context.Context, rec *ApprovalRecord) error
	// ResolveApproval moves a pending row to a terminal status. Rows already
	// terminal are left untouched and reported as ErrConflict.
	ResolveApproval(ctx context.Context, approvalID string, status ApprovalStatus, reason string, decidedAt time.Time) error

	// Policies returns every approval policy for a tenant.
	Policies(ctx context.Context, tenantID string) ([]Policy, error)
}

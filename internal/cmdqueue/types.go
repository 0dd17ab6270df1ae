// Package cmdqueue is the per-device command work queue: priority ordering,
// visibility-timeout leases with claim tokens, idempotent result submission,
// and expired-lease recovery. All inter-caller serialization is delegated to
// the broker's atomic primitives; this package holds no cross-request locks.
package cmdqueue

import (
	"errors"
	"time"
)

// Status is the command lifecycle state. Transitions are monotonic:
// pending -> claimed -> completed|failed, with claimed -> pending only via
// lease expiry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound covers both a missing command and a device mismatch, so a
	// claim token leaked across tenants never confirms existence.
	ErrNotFound = errors.New("cmdqueue: command not found")

	// ErrInvalidClaim means the presented claim token does not match the
	// current lease.
	ErrInvalidClaim = errors.New("cmdqueue: invalid claim token")

	// ErrAlreadyCompleted means the command left the claimed state before
	// this submission.
	ErrAlreadyCompleted = errors.New("cmdqueue: command already completed")

	// ErrInvalidArgument is returned for out-of-range limit or visibility
	// values. Callers should reject these before reaching the broker.
	ErrInvalidArgument = errors.New("cmdqueue: invalid argument")
)

// Claim and lease bounds.
const (
	MaxClaimLimit = 10

	MinVisibility = time.Minute
	MaxVisibility = time.Hour

	MinExtension = time.Minute
	MaxExtension = 5 * time.Minute

	maxOutputBytes = 10 * 1024
	maxErrorBytes  = 5 * 1024
)

// Result is a device's execution outcome. Output and Error are bounded and
// sanitized before persistence.
type Result struct {
	Status     string `json:"status"` // "completed" or "failed"
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExecutedAt string `json:"executedAt,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Command is the stored work record. Timestamps are unix milliseconds to
// match the broker's score arithmetic.
type Command struct {
	ID             string         `json:"id"`
	DeviceID       string         `json:"deviceId"`
	TenantID       string         `json:"tenantId"`
	Type           string         `json:"type"`
	Params         map[string]any `json:"params,omitempty"`
	Priority       int            `json:"priority"`
	Status         Status         `json:"status"`
	Seq            int64          `json:"seq,omitempty"`
	ClaimTokenHash string         `json:"claimTokenHash,omitempty"`
	VisibleUntil   int64          `json:"visibleUntil,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	ClaimedAt      int64          `json:"claimedAt,omitempty"`
	CompletedAt    int64          `json:"completedAt,omitempty"`
}

// ClaimedCommand pairs a leased command with the raw claim token. The token
// exists only here and on the device; the store keeps its hash.
type ClaimedCommand struct {
	Command
	ClaimToken string `json:"claimToken"`
}

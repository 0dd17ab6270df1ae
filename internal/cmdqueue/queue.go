package cmdqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/backend/internal/broker"
	"github.com/fleetgate/backend/internal/events"
	"github.com/fleetgate/backend/internal/integrity"
	"github.com/fleetgate/backend/internal/metrics"
	"github.com/fleetgate/backend/internal/trace"
)

// Queue is the command queue service. Every state transition runs through
// one of the broker's atomic primitives; notifications and metrics are
// best-effort side effects layered on top.
type Queue struct {
	broker  *broker.Client
	bus     *events.Bus
	metrics *metrics.Metrics

	historyLimit int
	now          func() time.Time
}

func New(b *broker.Client, bus *events.Bus, m *metrics.Metrics, historyLimit int) *Queue {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Queue{
		broker:       b,
		bus:          bus,
		metrics:      m,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Enqueue admits a command to the device's queue and nudges the device over
// its control channel. Lower priority runs first; equal priority is FIFO.
func (q *Queue) Enqueue(ctx context.Context, deviceID, tenantID, cmdType string, params map[string]any, priority int) (*Command, error) {
	if deviceID == "" || cmdType == "" {
		return nil, fmt.Errorf("%w: device id and type are required", ErrInvalidArgument)
	}
	if priority < 0 {
		return nil, fmt.Errorf("%w: priority must be non-negative", ErrInvalidArgument)
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		TenantID:  tenantID,
		Type:      cmdType,
		Params:    params,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: q.now().UnixMilli(),
	}

	if err := q.broker.QueueEnqueue(ctx, deviceID, cmd.ID, priority, cmd); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", cmd.ID, err)
	}
	q.metrics.CommandsEnqueued.Inc()

	requestID := trace.FromContext(ctx)
	q.notify(ctx, broker.DeviceControlChannel(deviceID), map[string]any{
		"type":      "new_command",
		"commandId": cmd.ID,
		"requestId": requestID,
	})
	q.bus.Publish(events.Event{
		Type:      events.TypeCommandEnqueued,
		TenantID:  tenantID,
		RequestID: requestID,
		Data:      map[string]any{"commandId": cmd.ID, "deviceId": deviceID, "commandType": cmdType},
	})

	slog.Info("Command enqueued",
		"commandId", cmd.ID, "deviceId", deviceID, "type", cmdType,
		"priority", priority, "requestId", requestID)
	return cmd, nil
}

// Claim leases up to limit commands to the device. Each lease carries a
// fresh claim token; the store only ever sees the token's hash, so claims
// cannot be replayed from persisted state.
func (q *Queue) Claim(ctx context.Context, deviceID string, limit int, visibility time.Duration) ([]ClaimedCommand, error) {
	if limit == 0 {
		return nil, nil
	}
	if limit < 0 || limit > MaxClaimLimit {
		return nil, fmt.Errorf("%w: limit %d outside [0, %d]", ErrInvalidArgument, limit, MaxClaimLimit)
	}
	if visibility < MinVisibility || visibility > MaxVisibility {
		return nil, fmt.Errorf("%w: visibility %s outside [%s, %s]", ErrInvalidArgument, visibility, MinVisibility, MaxVisibility)
	}

	tokens := make([]string, limit)
	for i := range tokens {
		tokens[i] = newClaimToken()
	}

	now := q.now()
	raws, err := q.broker.QueueClaim(ctx, deviceID, now.Add(visibility), now, tokens)
	if err != nil {
		return nil, fmt.Errorf("claim for %s: %w", deviceID, err)
	}

	out := make([]ClaimedCommand, 0, len(raws))
	for i, raw := range raws {
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			slog.Error("Dropping unparseable claimed record", "deviceId", deviceID, "error", err)
			continue
		}
		out = append(out, ClaimedCommand{Command: cmd, ClaimToken: tokens[i]})
	}

	if len(out) > 0 {
		q.metrics.CommandsClaimed.Add(float64(len(out)))
		slog.Debug("Commands claimed", "deviceId", deviceID, "count", len(out))
	}
	return out, nil
}

// SubmitResult applies a device's execution outcome. Output and error text
// are truncated and scrubbed before they touch the store. Exactly one
// submission per command can succeed.
func (q *Queue) SubmitResult(ctx context.Context, deviceID, commandID, claimToken string, result Result) (*Command, error) {
	finalStatus := StatusCompleted
	if result.Status == "failed" {
		finalStatus = StatusFailed
	}
	result.Status = string(finalStatus)
	result.Output = integrity.SanitizeString(truncate(result.Output, maxOutputBytes))
	result.Error = integrity.SanitizeString(truncate(result.Error, maxErrorBytes))

	verdict, raw, err := q.broker.QueueComplete(ctx, deviceID, commandID, claimToken, string(finalStatus), result, q.now(), q.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", commandID, err)
	}
	if err := verdictError(verdict); err != nil {
		return nil, err
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode completed record %s: %w", commandID, err)
	}

	q.metrics.CommandsCompleted.WithLabelValues(string(finalStatus)).Inc()

	requestID := trace.FromContext(ctx)
	q.notify(ctx, broker.DeviceUpdatesChannel(deviceID), map[string]any{
		"type":      "command_completed",
		"commandId": commandID,
		"status":    finalStatus,
		"result":    cmd.Result,
		"requestId": requestID,
	})
	q.bus.Publish(events.Event{
		Type:      events.TypeCommandCompleted,
		TenantID:  cmd.TenantID,
		RequestID: requestID,
		Data:      map[string]any{"commandId": commandID, "deviceId": deviceID, "status": string(finalStatus)},
	})

	slog.Info("Command completed",
		"commandId", commandID, "deviceId", deviceID, "status", finalStatus,
		"requestId", requestID)
	return &cmd, nil
}

// Extend pushes a claimed command's lease further out. The extension is
// measured from now, not from the previous deadline.
func (q *Queue) Extend(ctx context.Context, deviceID, commandID, claimToken string, extension time.Duration) (*Command, error) {
	if extension < MinExtension || extension > MaxExtension {
		return nil, fmt.Errorf("%w: extension %s outside [%s, %s]", ErrInvalidArgument, extension, MinExtension, MaxExtension)
	}

	verdict, raw, err := q.broker.QueueExtend(ctx, deviceID, commandID, claimToken, q.now().Add(extension))
	if err != nil {
		return nil, fmt.Errorf("extend %s: %w", commandID, err)
	}
	if err := verdictError(verdict); err != nil {
		return nil, err
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode extended record %s: %w", commandID, err)
	}
	slog.Debug("Lease extended", "commandId", commandID, "deviceId", deviceID, "visibleUntil", cmd.VisibleUntil)
	return &cmd, nil
}

// Get loads a command by id.
func (q *Queue) Get(ctx context.Context, commandID string) (*Command, error) {
	var cmd Command
	if err := q.broker.QueueGet(ctx, commandID, &cmd); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

// notify publishes a broker message and logs on failure. A dropped
// notification only delays the device until its next poll.
func (q *Queue) notify(ctx context.Context, channel string, payload map[string]any) {
	if err := q.broker.Publish(ctx, channel, payload); err != nil {
		slog.Warn("Notification publish failed", "channel", channel, "error", err)
	}
}

func verdictError(verdict string) error {
	switch verdict {
	case broker.VerdictOK:
		return nil
	case broker.VerdictNotFound:
		return ErrNotFound
	case broker.VerdictAlreadyCompleted:
		return ErrAlreadyCompleted
	case broker.VerdictInvalidClaim:
		return ErrInvalidClaim
	default:
		return fmt.Errorf("cmdqueue: unexpected verdict %q", verdict)
	}
}

func newClaimToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

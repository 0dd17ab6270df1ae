package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements Store on database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens the pool and verifies connectivity.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog store ping: %w", err)
	}

	slog.Info("Catalog store connected")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, online, last_seen FROM devices WHERE id = $1`,
		deviceID,
	).Scan(&d.ID, &d.TenantID, &d.Name, &d.Online, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) DevicesForTenant(ctx context.Context, tenantID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, online, last_seen FROM devices WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Online, &d.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET online = $2, last_seen = now() WHERE id = $1`,
		deviceID, online,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customer_sessions (id, tenant_id, device_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.TenantID, sess.DeviceID, sess.Status, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, device_id, status, created_at, updated_at
		 FROM customer_sessions WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &sess.TenantID, &sess.DeviceID, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) SessionTenant(ctx context.Context, sessionID string) (string, error) {
	var tenant string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM customer_sessions WHERE id = $1`, sessionID,
	).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return tenant, err
}

// ApproveSessionCommand is guarded by updated_at equality so two operators
// racing on the same command surface a 409 instead of silently overwriting
// each other.
func (s *PostgresStore) ApproveSessionCommand(ctx context.Context, sessionID, commandID string, approved bool, reason string, updatedAt time.Time) error {
	status := "rejected"
	if approved {
		status = "approved"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE customer_sessions
		 SET status = $3, approval_reason = $4, approved_command_id = $5, updated_at = now()
		 WHERE id = $1 AND updated_at = $2`,
		sessionID, updatedAt, status, reason, commandID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing session from a CAS miss.
		if _, gerr := s.GetSession(ctx, sessionID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) InsertApproval(ctx context.Context, rec *ApprovalRecord) error {
	input, err := json.Marshal(rec.ToolInput)
	if err != nil {
		return fmt.Errorf("marshal tool input: %w", err)
	}
	// Pre-decided rows (immediate audit of auto or aborted decisions) carry
	// their terminal reason and decided_at at insert time.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (id, session_id, tenant_id, tool_name, tool_input, status, decision_reason, created_at, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.SessionID, rec.TenantID, rec.ToolName, input, rec.Status, rec.Reason, rec.CreatedAt, rec.DecidedAt,
	)
	return err
}

// ResolveApproval only moves rows out of pending, keeping the status
// transition monotonic even if two resolution paths race.
func (s *PostgresStore) ResolveApproval(ctx context.Context, approvalID string, status ApprovalStatus, reason string, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = $2, decision_reason = $3, decided_at = $4
		 WHERE id = $1 AND status = 'pending'`,
		approvalID, status, reason, decidedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Policies(ctx context.Context, tenantID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, tool_name, auto_approve, requires_approval, risk_threshold, conditions
		 FROM approval_policies WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		var conditions []byte
		if err := rows.Scan(&p.TenantID, &p.ToolName, &p.AutoApprove, &p.RequiresApproval, &p.RiskThreshold, &conditions); err != nil {
			return nil, err
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
				slog.Warn("Skipping malformed policy conditions", "tenant", tenantID, "tool", p.ToolName, "error", err)
			}
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

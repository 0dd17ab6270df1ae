package catalog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and local development
// without Postgres. Behavior mirrors PostgresStore, including the
// updated_at CAS on ApproveSessionCommand and monotonic approval statuses.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	sessions  map[string]*Session
	approvals map[string]*ApprovalRecord
	policies  map[string][]Policy // tenant -> policies
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]*Device),
		sessions:  make(map[string]*Session),
		approvals: make(map[string]*ApprovalRecord),
		policies:  make(map[string][]Policy),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// AddDevice seeds a device row.
func (s *MemoryStore) AddDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = &d
}

// AddPolicy seeds a policy row.
func (s *MemoryStore) AddPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.TenantID] = append(s.policies[p.TenantID], p)
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) DevicesForTenant(ctx context.Context, tenantID string) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Device
	for _, d := range s.devices {
		if d.TenantID == tenantID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetDeviceOnline(ctx context.Context, deviceID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.Online = online
	d.LastSeen = time.Now()
	return nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) SessionTenant(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	return sess.TenantID, nil
}

func (s *MemoryStore) ApproveSessionCommand(ctx context.Context, sessionID, commandID string, approved bool, reason string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !sess.UpdatedAt.Equal(updatedAt) {
		return ErrConflict
	}
	if approved {
		sess.Status = "approved"
	} else {
		sess.Status = "rejected"
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertApproval(ctx context.Context, rec *ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.approvals[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) ResolveApproval(ctx context.Context, approvalID string, status ApprovalStatus, reason string, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.approvals[approvalID]
	if !ok || rec.Status != ApprovalPending {
		return ErrConflict
	}
	rec.Status = status
	rec.Reason = reason
	rec.DecidedAt = &decidedAt
	return nil
}

func (s *MemoryStore) Policies(ctx context.Context, tenantID string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Policy, len(s.policies[tenantID]))
	copy(out, s.policies[tenantID])
	return out, nil
}

// Approval returns the stored audit row. Test helper.
func (s *MemoryStore) Approval(approvalID string) (*ApprovalRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.approvals[approvalID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

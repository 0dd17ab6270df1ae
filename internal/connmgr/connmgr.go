// Package connmgr tracks every open client session, delivers outbound
// messages with per-connection backpressure, detects dead peers via
// ping/pong heartbeat, and closes everything on shutdown.
package connmgr

import (
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/fleetgate/backend/internal/metrics"
)

// Kind classifies a session by the population it belongs to.
type Kind string

const (
	KindDevice    Kind = "device"
	KindCustomer  Kind = "customer"
	KindApproval  Kind = "approval"
	KindWebPortal Kind = "web-portal"
)

// Close codes passed to Transport.Close.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Transport is the write side of one client connection. Implementations
// must tolerate Close being called more than once.
type Transport interface {
	// Write delivers one text frame. Blocks until handed to the socket.
	Write(data []byte) error
	// BufferedAmount reports bytes accepted by Write but not yet flushed
	// to the peer.
	BufferedAmount() int
	// Open reports whether the transport can still accept writes.
	Open() bool
	// Ping sends a liveness probe.
	Ping() error
	// Close sends a close frame and tears the connection down.
	Close(code int, reason string) error
}

// Metadata is the principal binding of a session. Tenant and principal are
// set (via UpdateMetadata) once the session authenticates.
type Metadata struct {
	TenantID    string
	PrincipalID string
	Subprotocol string
	ConnectedAt time.Time
}

// Send-queue limits. A slow peer gets at most queueMaxEntries messages /
// queueMaxBytes buffered; anything beyond drops oldest-first.
const (
	maxMessageBytes = 100 * 1024
	queueMaxEntries = 10
	queueMaxBytes   = 512 * 1024
	highWaterMark   = 256 * 1024
)

type sendEntry struct {
	data []byte
	done chan bool
}

func (e *sendEntry) resolve(ok bool) {
	select {
	case e.done <- ok:
	default:
	}
}

type session struct {
	id        string
	transport Transport
	kind      Kind
	meta      Metadata
	alive     bool

	mu         sync.Mutex
	queue      []*sendEntry
	queueBytes int
	draining   bool
}

// Manager is the shared registry of open sessions. Safe for concurrent
// Send/Broadcast/Add/Remove; the drainer is single-flight per session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	metrics *metrics.Metrics

	hbMu   sync.Mutex
	hbStop chan struct{}
}

func New(m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		metrics:  m,
	}
}

// Add records a new session. Always succeeds; an existing id is replaced
// (the old transport is closed).
func (mgr *Manager) Add(id string, t Transport, kind Kind, meta Metadata) {
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = time.Now()
	}
	s := &session{id: id, transport: t, kind: kind, meta: meta, alive: true}

	mgr.mu.Lock()
	old := mgr.sessions[id]
	mgr.sessions[id] = s
	mgr.mu.Unlock()

	if old != nil {
		old.failPending()
		old.transport.Close(CloseGoingAway, "superseded")
	}
	mgr.metrics.ConnectionsActive.WithLabelValues(string(kind)).Inc()
	slog.Info("Session registered", "session_id", id, "kind", kind, "tenant", meta.TenantID)
}

// Remove drops a session from the registry, resolving any queued sends as
// failed. Idempotent.
func (mgr *Manager) Remove(id string) {
	mgr.mu.Lock()
	s, ok := mgr.sessions[id]
	delete(mgr.sessions, id)
	mgr.mu.Unlock()
	if !ok {
		return
	}

	s.failPending()
	mgr.metrics.ConnectionsActive.WithLabelValues(string(s.kind)).Dec()
	slog.Info("Session removed", "session_id", id, "kind", s.kind)
}

// UpdateMetadata patches the principal binding, used when a session
// authenticates after connect. Empty patch fields are left as-is.
func (mgr *Manager) UpdateMetadata(id string, patch Metadata) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	s, ok := mgr.sessions[id]
	if !ok {
		return
	}
	if patch.TenantID != "" {
		s.meta.TenantID = patch.TenantID
	}
	if patch.PrincipalID != "" {
		s.meta.PrincipalID = patch.PrincipalID
	}
	if patch.Subprotocol != "" {
		s.meta.Subprotocol = patch.Subprotocol
	}
}

// MarkAlive records a pong from the session.
func (mgr *Manager) MarkAlive(id string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if s, ok := mgr.sessions[id]; ok {
		s.alive = true
	}
}

func (mgr *Manager) get(id string) *session {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.sessions[id]
}

// Send serializes value to JSON and delivers it to the session. Returns
// true once the frame was handed to the transport, false on any rejection:
// unknown session, closed transport, oversize message, or a queue drop.
func (mgr *Manager) Send(id string, value any) bool {
	s := mgr.get(id)
	if s == nil || !s.transport.Open() {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		slog.Warn("Send: marshal failed", "session_id", id, "error", err)
		return false
	}
	if len(data) > maxMessageBytes {
		slog.Warn("Send: message exceeds single-message limit, dropping",
			"session_id", id, "size", len(data))
		mgr.metrics.MessagesDropped.WithLabelValues("oversize").Inc()
		return false
	}

	entry := &sendEntry{data: data, done: make(chan bool, 1)}

	s.mu.Lock()
	if s.transport.BufferedAmount() < highWaterMark && len(s.queue) == 0 && !s.draining {
		// Fast path: reserve the writer slot and write directly.
		s.draining = true
		s.mu.Unlock()

		err := s.transport.Write(data)

		s.mu.Lock()
		s.draining = false
		restart := len(s.queue) > 0
		s.mu.Unlock()
		if restart {
			s.startDrainer()
		}

		if err != nil {
			return false
		}
		mgr.metrics.MessagesSent.Inc()
		return true
	}

	// Queued path: make room oldest-first, then append.
	for s.queueBytes+len(data) > queueMaxBytes && len(s.queue) > 0 {
		mgr.dropOldest(s, "queue_bytes")
	}
	if len(s.queue) >= queueMaxEntries {
		mgr.dropOldest(s, "queue_full")
	}
	s.queue = append(s.queue, entry)
	s.queueBytes += len(data)
	s.mu.Unlock()

	s.startDrainer()

	if ok := <-entry.done; !ok {
		return false
	}
	mgr.metrics.MessagesSent.Inc()
	return true
}

// dropOldest is called with s.mu held.
func (mgr *Manager) dropOldest(s *session, reason string) {
	victim := s.queue[0]
	s.queue = s.queue[1:]
	s.queueBytes -= len(victim.data)
	victim.resolve(false)
	mgr.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	slog.Warn("Send queue overflow, dropping oldest", "session_id", s.id, "reason", reason)
}

// startDrainer launches the single-flight drain loop if it is not running.
func (s *session) startDrainer() {
	s.mu.Lock()
	if s.draining || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	go s.drain()
}

// drain pops entries in order while the transport stays open and below the
// high-water mark. The yield between writes keeps one hot session from
// starving the scheduler.
func (s *session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		if !s.transport.Open() {
			s.draining = false
			remaining := s.queue
			s.queue = nil
			s.queueBytes = 0
			s.mu.Unlock()
			for _, e := range remaining {
				e.resolve(false)
			}
			return
		}
		if s.transport.BufferedAmount() >= highWaterMark {
			s.mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			continue
		}
		entry := s.queue[0]
		s.queue = s.queue[1:]
		s.queueBytes -= len(entry.data)
		s.mu.Unlock()

		err := s.transport.Write(entry.data)
		entry.resolve(err == nil)

		runtime.Gosched()
	}
}

// failPending resolves every queued entry as failed.
func (s *session) failPending() {
	s.mu.Lock()
	remaining := s.queue
	s.queue = nil
	s.queueBytes = 0
	s.mu.Unlock()
	for _, e := range remaining {
		e.resolve(false)
	}
}

// BroadcastAll fans value out to every session. Returns the number of
// sessions that accepted the message.
func (mgr *Manager) BroadcastAll(value any) int {
	return mgr.broadcast(value, func(*session) bool { return true })
}

// BroadcastKind fans out to sessions of one kind.
func (mgr *Manager) BroadcastKind(kind Kind, value any) int {
	return mgr.broadcast(value, func(s *session) bool { return s.kind == kind })
}

// BroadcastTenant fans out to every session bound to the tenant.
func (mgr *Manager) BroadcastTenant(tenant string, value any) int {
	return mgr.broadcast(value, func(s *session) bool { return s.meta.TenantID == tenant })
}

// BroadcastApprovers reaches every session eligible to decide approvals for
// the tenant: dedicated approval sessions, plus the tenant's customer and
// web-portal sessions. The tenant filter is applied here, not at the UI.
func (mgr *Manager) BroadcastApprovers(tenant string, value any) int {
	return mgr.broadcast(value, func(s *session) bool {
		if s.kind == KindApproval {
			return true
		}
		return (s.kind == KindCustomer || s.kind == KindWebPortal) && s.meta.TenantID == tenant
	})
}

func (mgr *Manager) broadcast(value any, match func(*session) bool) int {
	mgr.mu.RLock()
	targets := make([]string, 0, len(mgr.sessions))
	for id, s := range mgr.sessions {
		if match(s) {
			targets = append(targets, id)
		}
	}
	mgr.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	for _, id := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if mgr.Send(id, value) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return delivered
}

// StartHeartbeat begins the periodic liveness check, stopping any prior
// one. A session that misses a full interval without a pong is terminated:
// the flag is cleared on every ping and only a pong sets it back.
func (mgr *Manager) StartHeartbeat(interval time.Duration) {
	mgr.hbMu.Lock()
	if mgr.hbStop != nil {
		close(mgr.hbStop)
	}
	stop := make(chan struct{})
	mgr.hbStop = stop
	mgr.hbMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mgr.heartbeatTick()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat halts the liveness loop.
func (mgr *Manager) StopHeartbeat() {
	mgr.hbMu.Lock()
	defer mgr.hbMu.Unlock()
	if mgr.hbStop != nil {
		close(mgr.hbStop)
		mgr.hbStop = nil
	}
}

func (mgr *Manager) heartbeatTick() {
	// Classify under the lock; ping and close outside it. Ping is a network
	// write and no lock may straddle one.
	mgr.mu.Lock()
	var dead, probe []*session
	for _, s := range mgr.sessions {
		if !s.transport.Open() {
			continue
		}
		if !s.alive {
			dead = append(dead, s)
			continue
		}
		s.alive = false
		probe = append(probe, s)
	}
	mgr.mu.Unlock()

	for _, s := range probe {
		if err := s.transport.Ping(); err != nil {
			slog.Warn("Heartbeat ping failed", "session_id", s.id, "error", err)
		}
	}
	for _, s := range dead {
		slog.Info("Heartbeat: terminating unresponsive session", "session_id", s.id)
		s.transport.Close(CloseGoingAway, "heartbeat timeout")
		mgr.Remove(s.id)
	}
}

// CloseAll shuts every session down with a going-away close and clears the
// registry. Must run before broker teardown during graceful shutdown.
func (mgr *Manager) CloseAll() {
	mgr.StopHeartbeat()

	mgr.mu.Lock()
	all := make([]*session, 0, len(mgr.sessions))
	for _, s := range mgr.sessions {
		all = append(all, s)
	}
	mgr.sessions = make(map[string]*session)
	mgr.mu.Unlock()

	for _, s := range all {
		s.failPending()
		s.transport.Close(CloseGoingAway, "server shutting down")
		mgr.metrics.ConnectionsActive.WithLabelValues(string(s.kind)).Dec()
	}
	slog.Info("All sessions closed", "count", len(all))
}

// Stats reports the total and per-kind session counts.
type Stats struct {
	Total  int          `json:"total"`
	ByKind map[Kind]int `json:"byKind"`
}

func (mgr *Manager) Stats() Stats {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	st := Stats{ByKind: make(map[Kind]int)}
	for _, s := range mgr.sessions {
		st.Total++
		st.ByKind[s.kind]++
	}
	return st
}

// Kind returns the kind of a registered session.
func (mgr *Manager) Kind(id string) (Kind, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	s, ok := mgr.sessions[id]
	if !ok {
		return "", false
	}
	return s.kind, true
}

// Tenant returns the tenant bound to a registered session.
func (mgr *Manager) Tenant(id string) (string, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	s, ok := mgr.sessions[id]
	if !ok {
		return "", false
	}
	return s.meta.TenantID, true
}

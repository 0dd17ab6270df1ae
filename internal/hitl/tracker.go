package hitl

import (
	"log/slog"
	"sync"
	"time"
)

// sessionTracker remembers when each bound session last asked for a
// decision. A periodic sweep forgets sessions idle past the TTL so the map
// never grows with abandoned sessions.
type sessionTracker struct {
	ttl      time.Duration
	interval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	stopCh   chan struct{}
	done     chan struct{}
	running  bool
}

func (tr *sessionTracker) init(ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	tr.ttl = ttl
	tr.interval = interval
	tr.lastSeen = make(map[string]time.Time)
}

func (tr *sessionTracker) touch(sessionID string) {
	tr.mu.Lock()
	tr.lastSeen[sessionID] = time.Now()
	tr.mu.Unlock()
}

func (tr *sessionTracker) active() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.lastSeen)
}

func (tr *sessionTracker) start() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.running {
		return
	}
	tr.running = true
	tr.stopCh = make(chan struct{})
	tr.done = make(chan struct{})

	go tr.loop(tr.stopCh, tr.done)
}

func (tr *sessionTracker) stop() {
	tr.mu.Lock()
	if !tr.running {
		tr.mu.Unlock()
		return
	}
	tr.running = false
	stopCh, done := tr.stopCh, tr.done
	tr.mu.Unlock()

	close(stopCh)
	<-done
}

func (tr *sessionTracker) loop(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(tr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			tr.sweep(time.Now())
		}
	}
}

func (tr *sessionTracker) sweep(now time.Time) int {
	cutoff := now.Add(-tr.ttl)

	tr.mu.Lock()
	removed := 0
	for id, seen := range tr.lastSeen {
		if seen.Before(cutoff) {
			delete(tr.lastSeen, id)
			removed++
		}
	}
	tr.mu.Unlock()

	if removed > 0 {
		slog.Debug("Stale decision sessions swept", "removed", removed)
	}
	return removed
}

package cmdqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetgate/backend/internal/broker"
)

// Reaper recycles expired leases back to pending on a fixed cadence. A
// device that crashed mid-execution loses its claim after the visibility
// window; the next claimer gets the command with its original ordering.
type Reaper struct {
	broker    *broker.Client
	interval  time.Duration
	onExpired func(n int)
	now       func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewReaper builds a stopped reaper. Start must be called explicitly.
// onExpired receives the recycled count of each non-empty sweep.
func NewReaper(b *broker.Client, interval time.Duration, onExpired func(n int)) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if onExpired == nil {
		onExpired = func(int) {}
	}
	return &Reaper{
		broker:    b,
		interval:  interval,
		onExpired: onExpired,
		now:       time.Now,
	}
}

// Start launches the sweep loop. Calling Start on a running reaper is a
// no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go r.loop(r.stop, r.done)
	slog.Info("Lease reaper started", "interval", r.interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
	slog.Info("Lease reaper stopped")
}

func (r *Reaper) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass over every device with queue activity. Per-device
// errors are logged and skipped so one bad queue never starves the rest.
// Returns the number of leases recycled.
func (r *Reaper) Sweep(ctx context.Context) int {
	devices, err := r.broker.QueueDevices(ctx)
	if err != nil {
		slog.Error("Reaper device scan failed", "error", err)
		return 0
	}

	total := 0
	now := r.now()
	for _, device := range devices {
		n, err := r.broker.QueueExpire(ctx, device, now)
		if err != nil {
			slog.Error("Reaper expire failed", "deviceId", device, "error", err)
			continue
		}
		if n > 0 {
			total += n
			slog.Info("Expired leases recycled", "deviceId", device, "count", n)
		}
	}
	if total > 0 {
		r.onExpired(total)
	}
	return total
}

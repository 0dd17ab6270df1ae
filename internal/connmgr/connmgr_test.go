package connmgr

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/backend/internal/metrics"
)

type fakeTransport struct {
	mu        sync.Mutex
	open      bool
	buffered  int
	writes    [][]byte
	pings     int32
	closeCode int
	closed    bool
	onPing    func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true}
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) BufferedAmount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeTransport) setBuffered(n int) {
	f.mu.Lock()
	f.buffered = n
	f.mu.Unlock()
}

func (f *fakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && !f.closed
}

func (f *fakeTransport) Ping() error {
	atomic.AddInt32(&f.pings, 1)
	if f.onPing != nil {
		f.onPing()
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newManager() *Manager {
	return New(metrics.New())
}

func TestSendDirectPath(t *testing.T) {
	mgr := newManager()
	ft := newFakeTransport()
	mgr.Add("s1", ft, KindDevice, Metadata{TenantID: "t1"})

	ok := mgr.Send("s1", map[string]string{"type": "ping"})
	assert.True(t, ok)
	require.Equal(t, 1, ft.writeCount())

	var frame map[string]string
	require.NoError(t, json.Unmarshal(ft.writes[0], &frame))
	assert.Equal(t, "ping", frame["type"])
}

func TestSendRejections(t *testing.T) {
	mgr := newManager()

	assert.False(t, mgr.Send("missing", "x"), "unknown session")

	ft := newFakeTransport()
	ft.open = false
	mgr.Add("closed", ft, KindDevice, Metadata{})
	assert.False(t, mgr.Send("closed", "x"), "closed transport")

	ft2 := newFakeTransport()
	mgr.Add("s2", ft2, KindDevice, Metadata{})
	huge := make([]byte, 200*1024)
	assert.False(t, mgr.Send("s2", string(huge)), "oversize message")
	assert.Equal(t, 0, ft2.writeCount())
}

func TestBackpressureQueueLimits(t *testing.T) {
	mgr := newManager()
	ft := newFakeTransport()
	ft.setBuffered(300_000) // above high-water mark: everything queues
	mgr.Add("s1", ft, KindCustomer, Metadata{})

	payload := string(make([]byte, 50*1024))
	results := make(chan bool, 15)

	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- mgr.Send("s1", payload)
		}()
		time.Sleep(2 * time.Millisecond) // keep arrival order stable
	}

	// Five sends overflow the 10-entry queue and resolve false quickly;
	// the rest stay pending until the transport drains.
	deadline := time.After(3 * time.Second)
	failures := 0
	for failures < 5 {
		select {
		case ok := <-results:
			require.False(t, ok)
			failures++
		case <-deadline:
			t.Fatalf("only %d overflow rejections observed", failures)
		}
	}

	// Open the floodgate; the remaining 10 deliver in order.
	ft.setBuffered(0)
	wg.Wait()
	close(results)
	delivered := 0
	for ok := range results {
		if ok {
			delivered++
		}
	}
	assert.Equal(t, 10, delivered)
	assert.Equal(t, 10, ft.writeCount())
}

func TestQueuedSendsDeliverInOrder(t *testing.T) {
	mgr := newManager()
	ft := newFakeTransport()
	ft.setBuffered(300_000)
	mgr.Add("s1", ft, KindDevice, Metadata{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			mgr.Send("s1", map[string]int{"seq": n})
		}(i)
		time.Sleep(5 * time.Millisecond)
	}

	ft.setBuffered(0)
	wg.Wait()

	require.Equal(t, 3, ft.writeCount())
	for i, raw := range ft.writes {
		var frame map[string]int
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, i, frame["seq"])
	}
}

func TestHeartbeatTerminatesSilentPeer(t *testing.T) {
	mgr := newManager()
	ft := newFakeTransport()
	mgr.Add("quiet", ft, KindDevice, Metadata{})

	mgr.StartHeartbeat(15 * time.Millisecond)
	defer mgr.StopHeartbeat()

	// First tick clears the flag and pings; second tick sees no pong.
	assert.Eventually(t, func() bool {
		return mgr.Stats().Total == 0
	}, time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.True(t, ft.closed)
	assert.Equal(t, CloseGoingAway, ft.closeCode)
}

func TestHeartbeatKeepsRespondingPeer(t *testing.T) {
	mgr := newManager()
	ft := newFakeTransport()
	ft.onPing = func() { mgr.MarkAlive("chatty") }
	mgr.Add("chatty", ft, KindDevice, Metadata{})

	mgr.StartHeartbeat(10 * time.Millisecond)
	defer mgr.StopHeartbeat()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, mgr.Stats().Total)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ft.pings), int32(3))
}

func TestBroadcastTargeting(t *testing.T) {
	mgr := newManager()

	add := func(id string, kind Kind, tenant string) *fakeTransport {
		ft := newFakeTransport()
		mgr.Add(id, ft, kind, Metadata{TenantID: tenant})
		return ft
	}

	devT1 := add("dev-1", KindDevice, "t1")
	custT1 := add("cust-1", KindCustomer, "t1")
	custT2 := add("cust-2", KindCustomer, "t2")
	portalT1 := add("portal-1", KindWebPortal, "t1")
	approver := add("appr-1", KindApproval, "")

	assert.Equal(t, 5, mgr.BroadcastAll("hello"))
	assert.Equal(t, 2, mgr.BroadcastKind(KindCustomer, "hi"))
	assert.Equal(t, 3, mgr.BroadcastTenant("t1", "t1-only"))

	// Approvers: dedicated approval session + tenant t1 customer + portal.
	n := mgr.BroadcastApprovers("t1", map[string]string{"type": "approval_request"})
	assert.Equal(t, 3, n)
	assert.Equal(t, 4, custT1.writeCount())
	assert.Equal(t, 3, portalT1.writeCount())
	assert.Equal(t, 2, approver.writeCount())
	assert.Equal(t, 2, custT2.writeCount())
	assert.Equal(t, 2, devT1.writeCount())
}

func TestCloseAll(t *testing.T) {
	mgr := newManager()
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	mgr.Add("a", ft1, KindDevice, Metadata{})
	mgr.Add("b", ft2, KindCustomer, Metadata{})

	mgr.CloseAll()

	assert.Equal(t, 0, mgr.Stats().Total)
	for _, ft := range []*fakeTransport{ft1, ft2} {
		ft.mu.Lock()
		assert.True(t, ft.closed)
		assert.Equal(t, CloseGoingAway, ft.closeCode)
		ft.mu.Unlock()
	}
}

func TestRemoveIsIdempotentAndFailsPending(t *testing.T) {
	mgr := newManager()
	ft := newFakeTransport()
	ft.setBuffered(300_000)
	mgr.Add("s1", ft, KindDevice, Metadata{})

	done := make(chan bool, 1)
	go func() { done <- mgr.Send("s1", "queued") }()
	time.Sleep(10 * time.Millisecond)

	mgr.Remove("s1")
	mgr.Remove("s1")

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pending send never resolved after Remove")
	}
}

func TestUpdateMetadataAndStats(t *testing.T) {
	mgr := newManager()
	mgr.Add("s1", newFakeTransport(), KindCustomer, Metadata{})
	mgr.UpdateMetadata("s1", Metadata{TenantID: "t9", PrincipalID: "user-1"})

	tenant, ok := mgr.Tenant("s1")
	require.True(t, ok)
	assert.Equal(t, "t9", tenant)

	kind, ok := mgr.Kind("s1")
	require.True(t, ok)
	assert.Equal(t, KindCustomer, kind)

	st := mgr.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByKind[KindCustomer])
}

package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// readLimit caps inbound frames; a peer exceeding it is disconnected by
	// the websocket library.
	readLimit = 100 * 1024
)

// wsTransport adapts one gorilla websocket connection to the connection
// manager's Transport. The write mutex is the single-writer discipline the
// library requires; the manager's drainer already serializes data frames,
// the mutex additionally covers pings and close frames.
type wsTransport struct {
	conn *websocket.Conn

	writeMu  sync.Mutex
	inflight atomic.Int64
	closed   atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Write(data []byte) error {
	t.inflight.Add(int64(len(data)))
	defer t.inflight.Add(-int64(len(data)))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := t.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		t.closed.Store(true)
	}
	return err
}

// BufferedAmount reports bytes sitting in writes that have not returned
// yet. A healthy peer keeps this near zero; a stalled one accumulates.
func (t *wsTransport) BufferedAmount() int {
	return int(t.inflight.Load())
}

func (t *wsTransport) Open() bool {
	return !t.closed.Load()
}

func (t *wsTransport) Ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	if err != nil {
		t.closed.Store(true)
	}
	return err
}

func (t *wsTransport) Close(code int, reason string) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// markClosed records a read-side failure so the manager stops routing to
// this transport.
func (t *wsTransport) markClosed() {
	t.closed.Store(true)
}

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"update-relay/internal/medium"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory Conn. Frames pushed on inbound are read by the
// session; data frames the session writes appear on written.
type fakeConn struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once

	failWrites atomic.Bool
	// block, when non-nil, stalls data writes until it is closed or the
	// connection is closed.
	block chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType == websocket.PingMessage || messageType == websocket.CloseMessage {
		return nil
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
			return errConnClosed
		}
	}
	if c.failWrites.Load() {
		return io.ErrClosedPipe
	}
	c.written <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// loopback publishes straight into the manager's inbound stream, standing
// in for the round trip through the shared medium.
type loopback struct {
	in chan<- medium.Message
}

func (l *loopback) Publish(ctx context.Context, payload []byte) error {
	select {
	case l.in <- medium.Message{Channel: testChannel, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recorder keeps what it is asked to publish and returns err.
type recorder struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (r *recorder) Publish(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	return r.err
}

func (r *recorder) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

const testChannel = "update.notifications"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Greeting:   "Hi!",
		SendBuffer: 16,
		WriteWait:  time.Second,
		PongWait:   time.Minute,
	}
}

// startManager runs a manager fed by the returned inbound channel. If pub
// is nil, a loopback publisher on that channel is used.
func startManager(t *testing.T, cfg Config, pub Publisher) (*Manager, chan medium.Message) {
	t.Helper()
	in := make(chan medium.Message)
	if pub == nil {
		pub = &loopback{in: in}
	}
	m := NewManager(cfg, pub, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx, in)
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	return m, in
}

func readFrame(c *fakeConn, timeout time.Duration) (string, bool) {
	select {
	case msg := <-c.written:
		return string(msg), true
	case <-time.After(timeout):
		return "", false
	}
}

func expectFrames(t *testing.T, c *fakeConn, want ...string) {
	t.Helper()
	for _, w := range want {
		got, ok := readFrame(c, 2*time.Second)
		if !ok {
			t.Fatalf("timed out waiting for frame %q", w)
		}
		if got != w {
			t.Fatalf("expected frame %q, got %q", w, got)
		}
	}
}

func expectNoFrame(t *testing.T, c *fakeConn, within time.Duration) {
	t.Helper()
	if got, ok := readFrame(c, within); ok {
		t.Fatalf("expected no frame, got %q", got)
	}
}

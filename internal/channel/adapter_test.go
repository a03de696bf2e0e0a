package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"update-relay/internal/medium"
)

const testChannel = "update.notifications"

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Channel:         testChannel,
		ConnectTimeout:  time.Second,
		BufferSize:      16,
		PublishTimeout:  time.Second,
		Retries:         2,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 10,
		BreakerReset:    time.Minute,
	}
}

// fakeDialer hands out scripted roles.
type fakeDialer struct {
	pubErr error
	subErr error
	pub    *fakePublisher
	sub    *fakeSubscriber
}

func (d *fakeDialer) DialPublisher(ctx context.Context) (medium.Publisher, error) {
	if d.pubErr != nil {
		return nil, d.pubErr
	}
	return d.pub, nil
}

func (d *fakeDialer) DialSubscriber(ctx context.Context) (medium.Subscriber, error) {
	if d.subErr != nil {
		return nil, d.subErr
	}
	return d.sub, nil
}

type fakePublisher struct {
	calls  atomic.Int32
	err    error
	closed atomic.Bool
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.calls.Add(1)
	return p.err
}

func (p *fakePublisher) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeSubscriber struct {
	ch        chan medium.Message
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan medium.Message, 8)}
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, channel string) (<-chan medium.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

// lose simulates the medium dropping the subscription.
func (s *fakeSubscriber) lose() {
	s.closeOnce.Do(func() { close(s.ch) })
}

func (s *fakeSubscriber) Close() error {
	s.closed.Store(true)
	s.lose()
	return nil
}

func connectMemory(t *testing.T, mem *medium.Memory, cfg Config) *Adapter {
	t.Helper()
	a, err := Connect(context.Background(), mem, cfg, discardLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func receive(t *testing.T, a *Adapter) medium.Message {
	t.Helper()
	select {
	case msg, ok := <-a.Messages():
		require.True(t, ok, "message stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return medium.Message{}
	}
}

func TestPublishRoundTrip(t *testing.T) {
	mem := medium.NewMemory(16)
	a := connectMemory(t, mem, testConfig())

	assert.True(t, a.Connected())
	assert.Equal(t, testChannel, a.Channel())
	assert.Equal(t, 1, mem.Subscribers(testChannel))

	require.NoError(t, a.Publish(context.Background(), []byte("hello")))

	msg := receive(t, a)
	assert.Equal(t, testChannel, msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestAdaptersShareChannel(t *testing.T) {
	mem := medium.NewMemory(16)
	a := connectMemory(t, mem, testConfig())
	b := connectMemory(t, mem, testConfig())

	require.NoError(t, a.Publish(context.Background(), []byte("from-a")))

	assert.Equal(t, "from-a", string(receive(t, a).Payload))
	assert.Equal(t, "from-a", string(receive(t, b).Payload))
}

func TestPublishOrderPreserved(t *testing.T) {
	mem := medium.NewMemory(64)
	a := connectMemory(t, mem, testConfig())

	want := []string{"1", "2", "3", "4", "5"}
	for _, w := range want {
		require.NoError(t, a.Publish(context.Background(), []byte(w)))
	}
	for _, w := range want {
		assert.Equal(t, w, string(receive(t, a).Payload))
	}
}

func TestOtherChannelsIgnored(t *testing.T) {
	mem := medium.NewMemory(16)
	a := connectMemory(t, mem, testConfig())

	other := testConfig()
	other.Channel = "other"
	b := connectMemory(t, mem, other)

	require.NoError(t, b.Publish(context.Background(), []byte("elsewhere")))
	require.NoError(t, a.Publish(context.Background(), []byte("here")))

	assert.Equal(t, "here", string(receive(t, a).Payload))
}

func TestConnectPublishRoleFailure(t *testing.T) {
	d := &fakeDialer{pubErr: errBoom, sub: newFakeSubscriber()}

	_, err := Connect(context.Background(), d, testConfig(), discardLogger(), nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, RolePublish, connErr.Role)
	assert.Equal(t, testChannel, connErr.Channel)
	assert.ErrorIs(t, err, errBoom)
}

func TestConnectSubscribeRoleFailure(t *testing.T) {
	pub := &fakePublisher{}
	d := &fakeDialer{subErr: errBoom, pub: pub}

	_, err := Connect(context.Background(), d, testConfig(), discardLogger(), nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, RoleSubscribe, connErr.Role)
	assert.True(t, pub.closed.Load(), "publish role should be released")
}

func TestConnectSubscribeRejected(t *testing.T) {
	pub := &fakePublisher{}
	sub := newFakeSubscriber()
	sub.err = errBoom
	d := &fakeDialer{pub: pub, sub: sub}

	_, err := Connect(context.Background(), d, testConfig(), discardLogger(), nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, RoleSubscribe, connErr.Role)
	assert.True(t, pub.closed.Load())
	assert.True(t, sub.closed.Load())
}

func TestPublishRetriesThenFails(t *testing.T) {
	pub := &fakePublisher{err: errBoom}
	d := &fakeDialer{pub: pub, sub: newFakeSubscriber()}
	a, err := Connect(context.Background(), d, testConfig(), discardLogger(), nil)
	require.NoError(t, err)
	defer a.Close()

	err = a.Publish(context.Background(), []byte("x"))

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, 3, pubErr.Attempts)
	assert.Equal(t, testChannel, pubErr.Channel)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(3), pub.calls.Load())
}

func TestPublishCircuitOpens(t *testing.T) {
	pub := &fakePublisher{err: errBoom}
	d := &fakeDialer{pub: pub, sub: newFakeSubscriber()}
	cfg := testConfig()
	cfg.Retries = 0
	cfg.BreakerFailures = 2
	a, err := Connect(context.Background(), d, cfg, discardLogger(), nil)
	require.NoError(t, err)
	defer a.Close()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, a.Publish(context.Background(), []byte("x")), errBoom)
	}

	err = a.Publish(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), pub.calls.Load(), "open circuit must not reach the medium")
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	pub := &fakePublisher{err: errBoom}
	d := &fakeDialer{pub: pub, sub: newFakeSubscriber()}
	cfg := testConfig()
	cfg.RetryBackoff = time.Hour
	a, err := Connect(context.Background(), d, cfg, discardLogger(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = a.Publish(ctx, []byte("x"))
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, 1, pubErr.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishAfterClose(t *testing.T) {
	mem := medium.NewMemory(16)
	a, err := Connect(context.Background(), mem, testConfig(), discardLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Publish(context.Background(), []byte("late")), ErrClosed)
	assert.Equal(t, 0, mem.Subscribers(testChannel))

	_, ok := <-a.Messages()
	assert.False(t, ok)
}

func TestSubscriptionLoss(t *testing.T) {
	sub := newFakeSubscriber()
	d := &fakeDialer{pub: &fakePublisher{}, sub: sub}
	a, err := Connect(context.Background(), d, testConfig(), discardLogger(), nil)
	require.NoError(t, err)
	defer a.Close()

	sub.ch <- medium.Message{Channel: testChannel, Payload: []byte("last")}
	sub.lose()

	assert.Equal(t, "last", string(receive(t, a).Payload))
	select {
	case _, ok := <-a.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after subscription loss")
	}
	assert.False(t, a.Connected())
}

func TestRedisSubscriptionLossDisconnects(t *testing.T) {
	srv := miniredis.RunT(t)
	r := medium.NewRedis(medium.RedisConfig{
		Addr:           srv.Addr(),
		BufferSize:     8,
		HealthInterval: 50 * time.Millisecond,
	})
	a, err := Connect(context.Background(), r, testConfig(), discardLogger(), nil)
	require.NoError(t, err)
	defer a.Close()
	require.True(t, a.Connected())

	srv.Close()

	select {
	case _, ok := <-a.Messages():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("stream not closed after redis went away")
	}
	assert.False(t, a.Connected())
}

func TestOnMessage(t *testing.T) {
	mem := medium.NewMemory(16)
	a := connectMemory(t, mem, testConfig())

	for _, p := range []string{"one", "two"} {
		require.NoError(t, a.Publish(context.Background(), []byte(p)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	err := a.OnMessage(ctx, func(channel string, payload []byte) {
		assert.Equal(t, testChannel, channel)
		got = append(got, string(payload))
		if len(got) == 2 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestOnMessageReturnsWhenClosed(t *testing.T) {
	mem := medium.NewMemory(16)
	a, err := Connect(context.Background(), mem, testConfig(), discardLogger(), nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.OnMessage(context.Background(), func(string, []byte) {})
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage did not return after Close")
	}
}

func TestErrorMessages(t *testing.T) {
	connErr := &ConnectionError{Role: RoleSubscribe, Channel: "c", Err: errBoom}
	assert.Equal(t, `connect subscribe role for channel "c": boom`, connErr.Error())

	pubErr := &PublishError{Channel: "c", Attempts: 3, Err: errBoom}
	assert.Equal(t, `publish on channel "c" failed after 3 attempt(s): boom`, pubErr.Error())
}

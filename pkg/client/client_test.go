package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewire-dev/pulsewire/pkg/history"
	"github.com/pulsewire-dev/pulsewire/pkg/persist"
	"github.com/pulsewire-dev/pulsewire/pkg/poll"
	"github.com/pulsewire-dev/pulsewire/pkg/wire"
)

// fakeConn is an in-memory transport endpoint. deliver feeds the read pump;
// drop simulates a server-side close.
type fakeConn struct {
	mu     sync.Mutex
	in     chan []byte
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.in
	if !ok {
		return 0, nil, errors.New("connection dropped")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeConn) deliver(payload string) {
	f.in <- []byte(payload)
}

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

// fakeDialer fails the first failures dials, then hands out fresh conns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newTestClient(t *testing.T, dialer *fakeDialer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithDialer(dialer),
		WithBackoff(5*time.Millisecond, 40*time.Millisecond),
	}, opts...)
	c := New("ws://test/ws/chat/", "abc", true, opts...)
	t.Cleanup(c.Close)
	return c
}

func TestOpenTransitionsToOpen(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)

	require.NoError(t, c.Open(context.Background()))

	assert.Equal(t, StatusOpen, c.Status())
	assert.Equal(t, 5*time.Millisecond, c.NextRetryDelay())
}

func TestOpenAfterCloseFails(t *testing.T) {
	c := newTestClient(t, &fakeDialer{})
	c.Close()

	assert.ErrorIs(t, c.Open(context.Background()), ErrClosed)
	assert.Equal(t, StatusClosed, c.Status())
}

func TestHeartbeatFrameRecorded(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	require.NoError(t, c.Open(context.Background()))

	dialer.conn(0).deliver(`{"ts":1700000000000}`)

	assert.Eventually(t, func() bool {
		return !c.LastHeartbeatAt().IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, c.Heartbeats(), 1)
}

func TestLegacyNumericHeartbeat(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	require.NoError(t, c.Open(context.Background()))

	dialer.conn(0).deliver(`1700000000000`)

	assert.Eventually(t, func() bool {
		return len(c.Heartbeats()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMessageFrameAppended(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	require.NoError(t, c.Open(context.Background()))

	conn := dialer.conn(0)
	conn.deliver(`{"type":"chat","id":"m1","content":"hello","timestamp":1000}`)
	conn.deliver(`{"type":"chat","id":"m1","content":"hello","timestamp":1000}`)
	conn.deliver(`{"type":"broadcast","message":"maintenance","timestamp":2000,"level":"warning","title":"Ops"}`)

	assert.Eventually(t, func() bool {
		return c.Count() == 2
	}, time.Second, 5*time.Millisecond)

	msgs := c.Messages()
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, history.DirectionReceived, msgs[0].Direction)
	assert.Equal(t, "[Ops] maintenance", msgs[1].Content)
	assert.Equal(t, wire.LevelWarning, msgs[1].Level)
}

func TestSendOnlyWhileOpen(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)

	// Not open yet: silent no-op, nothing stored.
	c.Send("too early")
	assert.Zero(t, c.Count())

	require.NoError(t, c.Open(context.Background()))
	c.Send("hello")

	assert.Equal(t, 1, c.Count())
	msg := c.Messages()[0]
	assert.Equal(t, history.DirectionSent, msg.Direction)
	assert.NotEmpty(t, msg.ID)

	assert.Eventually(t, func() bool {
		sent := dialer.conn(0).sent()
		return len(sent) == 1 && sent[0] == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	dialer := &fakeDialer{failures: 1000}
	c := newTestClient(t, dialer)

	require.Error(t, c.Open(context.Background()))

	// Each failed attempt doubles the delay until the ceiling holds.
	assert.Eventually(t, func() bool {
		return c.NextRetryDelay() == 40*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dialer.dialCount(), 3)
}

func TestReconnectResetsBackoff(t *testing.T) {
	dialer := &fakeDialer{failures: 3}
	c := newTestClient(t, dialer)

	require.Error(t, c.Open(context.Background()))
	c.Reconnect()

	assert.Eventually(t, func() bool {
		return c.Status() == StatusOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, c.NextRetryDelay())
}

func TestAutoReconnectAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	require.NoError(t, c.Open(context.Background()))

	dialer.conn(0).Close()

	assert.Eventually(t, func() bool {
		return c.Status() == StatusOpen && dialer.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	dialer := &fakeDialer{}
	c := New("ws://test/ws/chat/", "abc", false,
		WithDialer(dialer),
		WithBackoff(5*time.Millisecond, 40*time.Millisecond),
	)
	t.Cleanup(c.Close)
	require.NoError(t, c.Open(context.Background()))

	dialer.conn(0).Close()

	assert.Eventually(t, func() bool {
		return c.Status() == StatusClosed
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestCloseIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	require.NoError(t, c.Open(context.Background()))

	c.Close()
	c.Close()

	assert.Equal(t, StatusClosed, c.Status())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "no reconnect after close")
}

func TestNotifyFrameTriggersFetch(t *testing.T) {
	dialer := &fakeDialer{}
	fetched := history.Message{ID: "remote1", Content: "missed you", Direction: history.DirectionReceived}
	fetcher := &staticFetcher{messages: []history.Message{fetched}}

	c := newTestClient(t, dialer)
	co := poll.NewCoordinator("abc", fetcher, c.store, poll.Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go co.Run(ctx)

	c.coordinator = co
	require.NoError(t, c.Open(context.Background()))

	dialer.conn(0).deliver(`{"type":"new_messages_available","sessionId":"abc","timestamp":3000,"source":"redis"}`)

	assert.Eventually(t, func() bool {
		return c.store.Contains("remote1")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClearPersistedMessages(t *testing.T) {
	dir := t.TempDir()
	fs, err := persist.NewFileStore(dir, "session")
	require.NoError(t, err)
	mgr := persist.NewManager(fs)

	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, WithPersistence(mgr))
	require.NoError(t, c.Open(context.Background()))

	c.Send("keep me around")
	require.NotNil(t, mgr.Get(context.Background(), "abc"))

	c.ClearPersistedMessages()

	assert.Zero(t, c.Count())
	assert.Nil(t, mgr.Get(context.Background(), "abc"))
}

// staticFetcher returns the same delta on every fetch.
type staticFetcher struct {
	messages []history.Message
}

func (s *staticFetcher) FetchMessages(context.Context, string) ([]history.Message, error) {
	return s.messages, nil
}

// blockingDialer parks every dial until release is closed.
type blockingDialer struct {
	mu      sync.Mutex
	release chan struct{}
	started int
	conns   []*fakeConn
}

func (d *blockingDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.started++
	d.mu.Unlock()

	<-d.release

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *blockingDialer) startedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *blockingDialer) openConns() (open, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		if conn.isClosed() {
			closed++
		} else {
			open++
		}
	}
	return open, closed
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestReconnectDuringDialDiscardsStaleConn(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{})}
	c := New("ws://test/ws/chat/", "abc", true,
		WithDialer(dialer),
		WithBackoff(5*time.Millisecond, 40*time.Millisecond),
	)
	t.Cleanup(c.Close)

	go c.Open(context.Background())

	// Wait for the first dial to park, then reconnect over it.
	require.Eventually(t, func() bool {
		return dialer.startedCount() == 1
	}, time.Second, time.Millisecond)
	c.Reconnect()

	require.Eventually(t, func() bool {
		return dialer.startedCount() == 2
	}, time.Second, time.Millisecond)
	close(dialer.release)

	assert.Eventually(t, func() bool {
		return c.Status() == StatusOpen
	}, time.Second, time.Millisecond)

	// The superseded dial's connection must be closed, not leaked
	// alongside the one the client keeps.
	assert.Eventually(t, func() bool {
		open, closed := dialer.openConns()
		return open == 1 && closed == 1
	}, time.Second, time.Millisecond)
}

func TestGarbageFrameYieldsZeroLatencyHeartbeat(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer)
	require.NoError(t, c.Open(context.Background()))

	dialer.conn(0).deliver(`not a frame at all`)

	assert.Eventually(t, func() bool {
		return len(c.Heartbeats()) == 1
	}, time.Second, 5*time.Millisecond)

	hb := c.Heartbeats()[0]
	assert.True(t, hb.Timestamp.IsZero())
	assert.Zero(t, hb.Latency, "no latency should be derived from an absent timestamp")
}

// Package client implements the connection state machine: it owns the
// websocket transport, classifies inbound frames, drives reconnection with
// bounded backoff, and composes the heartbeat tracker, message history,
// session persistence, and poll coordinator into one session.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/pulsewire-dev/pulsewire/internal/logger"
	"github.com/pulsewire-dev/pulsewire/pkg/heartbeat"
	"github.com/pulsewire-dev/pulsewire/pkg/history"
	"github.com/pulsewire-dev/pulsewire/pkg/observability"
	"github.com/pulsewire-dev/pulsewire/pkg/persist"
	"github.com/pulsewire-dev/pulsewire/pkg/poll"
	"github.com/pulsewire-dev/pulsewire/pkg/wire"
)

// Status is the externally visible connection state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// Backoff policy defaults. The delay doubles after each failed attempt and
// resets to the floor on a successful open or a manual reconnect.
const (
	DefaultBackoffFloor   = 1 * time.Second
	DefaultBackoffCeiling = 30 * time.Second

	sendQueueSize = 64
	writeWait     = 10 * time.Second
)

// Conn is the subset of the websocket connection the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the transport. The default wraps gorilla's dialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Keepalive periodically refreshes the remote session TTL while connected.
type Keepalive interface {
	Extend(ctx context.Context, sessionID string, ttl time.Duration) error
}

// Client is one session's connection state machine.
type Client struct {
	url           string
	sessionID     string
	autoReconnect bool

	tracker     *heartbeat.Tracker
	store       *history.Store
	manager     *persist.Manager
	coordinator *poll.Coordinator

	dialer  Dialer
	log     *slog.Logger
	now     func() time.Time
	limiter *rate.Limiter

	keepalive     Keepalive
	keepaliveSpec string
	keepaliveTTL  time.Duration
	cron          *cron.Cron

	mu         sync.Mutex
	status     Status
	conn       Conn
	send       chan []byte
	gen        int
	connMsgs   int
	retryTimer *time.Timer
	nextRetry  time.Duration
	floor      time.Duration
	ceiling    time.Duration
	closed     bool
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithHistoryCap sets the message store capacity.
func WithHistoryCap(capacity int) Option {
	return func(c *Client) { c.store = history.NewStore(capacity) }
}

// WithStore shares an externally built message store, so a poll
// coordinator can reconcile into the same history the client appends to.
func WithStore(s *history.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithPersistence attaches a session persistence manager.
func WithPersistence(m *persist.Manager) Option {
	return func(c *Client) { c.manager = m }
}

// WithCoordinator attaches a hybrid poll coordinator. The client forwards
// notify frames to it and kicks a refresh on every successful open.
func WithCoordinator(co *poll.Coordinator) Option {
	return func(c *Client) { c.coordinator = co }
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(floor, ceiling time.Duration) Option {
	return func(c *Client) {
		c.floor = floor
		c.ceiling = ceiling
	}
}

// WithSendLimit throttles outbound sends to r per second with the given
// burst. Throttled sends are dropped and logged, never blocked on.
func WithSendLimit(r float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithKeepalive schedules periodic remote TTL refreshes on the given cron
// spec while the connection is open.
func WithKeepalive(k Keepalive, spec string, ttl time.Duration) Option {
	return func(c *Client) {
		c.keepalive = k
		c.keepaliveSpec = spec
		c.keepaliveTTL = ttl
	}
}

// New creates a client for the given server URL and session id. The client
// starts closed; call Open to connect.
func New(url, sessionID string, autoReconnect bool, opts ...Option) *Client {
	c := &Client{
		url:           url,
		sessionID:     sessionID,
		autoReconnect: autoReconnect,
		tracker:       heartbeat.NewTracker(),
		store:         history.NewStore(history.DefaultCap),
		dialer:        wsDialer{},
		log:           logger.Default(),
		now:           time.Now,
		status:        StatusClosed,
		floor:         DefaultBackoffFloor,
		ceiling:       DefaultBackoffCeiling,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nextRetry = c.floor
	c.log = c.log.With("session", sessionID)
	return c
}

// Open dials the server and starts the read and write pumps. On failure it
// schedules a retry when auto-reconnect is enabled; the error is still
// returned so callers can report the first attempt.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == StatusOpen || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	// gen identifies this attempt. A Reconnect or Close while the dial is
	// in flight bumps it, and the stale attempt must not install its conn.
	attempt := c.gen
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		superseded := c.closed || c.gen != attempt
		if !superseded {
			c.status = StatusClosed
		}
		c.mu.Unlock()
		if superseded {
			return err
		}
		c.log.Warn("dial failed", "error", err)
		observability.RecordError()
		c.onDisconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if c.gen != attempt {
		c.mu.Unlock()
		conn.Close()
		c.log.Debug("dial superseded by newer attempt")
		return nil
	}
	c.status = StatusOpen
	c.conn = conn
	c.gen++
	gen := c.gen
	c.send = make(chan []byte, sendQueueSize)
	send := c.send
	c.nextRetry = c.floor
	c.connMsgs = 0
	c.mu.Unlock()

	observability.RecordConnectionOpened()
	c.log.Info("connected", "url", c.url)

	go c.readPump(conn, gen)
	go c.writePump(conn, send)

	c.startKeepalive()

	// Resume: reconcile anything missed while disconnected.
	if c.coordinator != nil {
		c.coordinator.Refresh()
	}
	c.persistSnapshot(ctx)
	return nil
}

// Send transmits a text payload. Valid only while open; in any other state
// it logs and returns without error. A local optimistic echo is appended to
// the history before the frame leaves, so the store reflects the send even
// if the server copy arrives later.
func (c *Client) Send(text string) {
	if c.Status() != StatusOpen {
		c.log.Debug("send skipped, not open", "status", c.Status())
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warn("send throttled")
		return
	}

	msg := history.Message{
		ID:        uuid.NewString(),
		Content:   text,
		Timestamp: c.now(),
		Direction: history.DirectionSent,
		Category:  wire.CategoryChat,
	}
	c.store.Append(msg)
	c.persistSnapshot(context.Background())

	queued := false
	c.mu.Lock()
	if c.status == StatusOpen && c.send != nil {
		select {
		case c.send <- []byte(text):
			queued = true
			c.connMsgs++
		default:
		}
	}
	c.mu.Unlock()

	if queued {
		observability.RecordMessageSent()
	} else {
		c.log.Warn("send dropped, queue full or connection lost")
		observability.RecordError()
	}
}

// Reconnect cancels any pending retry, resets the backoff to the floor, and
// immediately attempts a fresh connection. Usable in any state except after
// Close.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.nextRetry = c.floor
	conn := c.releaseConnLocked()
	c.status = StatusClosed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		observability.RecordConnectionClosed()
	}
	go c.Open(context.Background())
}

// Close tears the session down: pending retries are cancelled, the
// transport released, and the client becomes terminal. Durable records are
// left intact.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasOpen := c.status == StatusOpen
	c.status = StatusClosed
	c.cancelRetryLocked()
	conn := c.releaseConnLocked()
	c.mu.Unlock()

	if c.cron != nil {
		c.cron.Stop()
	}
	if c.coordinator != nil {
		c.coordinator.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	if wasOpen {
		observability.RecordConnectionClosed()
	}
	c.log.Info("closed")
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Messages returns the session's message history, oldest first.
func (c *Client) Messages() []history.Message {
	return c.store.Messages()
}

// Count returns the number of messages held.
func (c *Client) Count() int {
	return c.store.Len()
}

// Heartbeats returns the bounded heartbeat log, most recent first.
func (c *Client) Heartbeats() []heartbeat.Entry {
	return c.tracker.Snapshot()
}

// HeartbeatStats computes liveness statistics against the current time.
func (c *Client) HeartbeatStats() heartbeat.Stats {
	return c.tracker.Stats()
}

// LastHeartbeatAt returns the receipt time of the most recent heartbeat,
// zero when none has arrived.
func (c *Client) LastHeartbeatAt() time.Time {
	return c.tracker.LastAt()
}

// NextRetryDelay reports the backoff delay the next reconnect attempt will
// wait for.
func (c *Client) NextRetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextRetry
}

// ClearPersistedMessages empties the in-memory history and removes the
// session's durable record.
func (c *Client) ClearPersistedMessages() {
	c.store.Clear()
	if c.manager != nil {
		c.manager.Delete(context.Background(), c.sessionID)
	}
}

// RefreshMessages resumes a suspended poll coordinator and triggers one
// immediate reconcile fetch.
func (c *Client) RefreshMessages() {
	if c.coordinator != nil {
		c.coordinator.Refresh()
	}
}

// readPump consumes inbound frames until the connection drops. gen guards
// against a stale pump of a replaced connection scheduling reconnects.
func (c *Client) readPump(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.gen != gen || c.closed
			var dead Conn
			if !stale {
				dead = c.releaseConnLocked()
				c.status = StatusClosed
			}
			c.mu.Unlock()
			if stale {
				return
			}
			if dead != nil {
				dead.Close()
			}
			c.log.Warn("connection lost", "error", err)
			observability.RecordConnectionClosed()
			c.onDisconnect()
			return
		}
		c.dispatch(data)
	}
}

// writePump is the single writer for one connection. It exits when the
// send channel is abandoned by a reconnect or close.
func (c *Client) writePump(conn Conn, send chan []byte) {
	for data := range send {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn("write failed", "error", err)
			observability.RecordError()
			return
		}
	}
}

// dispatch classifies one inbound frame. Undecodable payloads fall back to
// legacy heartbeat parsing inside wire.Decode, so nothing is dropped.
func (c *Client) dispatch(data []byte) {
	frame := wire.Decode(data, c.now())

	switch frame.Kind {
	case wire.KindHeartbeat:
		hb := frame.Heartbeat
		// Intervals elapsed without a heartbeat since the previous one.
		observability.RecordHeartbeatsMissed(c.tracker.Stats().Missed)
		var ts time.Time
		if hb.Timestamp != 0 {
			ts = time.UnixMilli(hb.Timestamp)
		}
		rec := c.tracker.Record(ts, time.Duration(hb.Latency)*time.Millisecond)
		observability.RecordHeartbeat(rec.Latency)
		if frame.Legacy {
			c.log.Debug("legacy heartbeat", "ts", hb.Timestamp)
		}
		c.touchSession()

	case wire.KindMessage:
		m := frame.Message
		msg := history.Message{
			ID:        m.ID,
			Content:   m.Content,
			Timestamp: time.UnixMilli(m.Timestamp),
			Direction: history.DirectionReceived,
			Category:  m.Category,
			Level:     m.Level,
		}
		if c.store.Append(msg) {
			observability.RecordMessageReceived()
			c.mu.Lock()
			c.connMsgs++
			c.mu.Unlock()
			c.persistSnapshot(context.Background())
		}

	case wire.KindNotify:
		if c.coordinator != nil {
			c.coordinator.Notify()
		}

	case wire.KindEcho:
		e := frame.Echo
		if e.Bye {
			c.log.Info("server goodbye", "total", e.Total)
		} else {
			c.log.Debug("echo", "count", e.Count)
		}
	}
}

// onDisconnect schedules a backoff retry when auto-reconnect is on. The
// timer is never double-scheduled; cancellation is idempotent.
func (c *Client) onDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.autoReconnect || c.retryTimer != nil {
		return
	}

	delay := c.nextRetry
	c.nextRetry *= 2
	if c.nextRetry > c.ceiling {
		c.nextRetry = c.ceiling
	}

	c.log.Info("scheduling reconnect", "delay", delay)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		observability.RecordReconnectAttempt()
		c.Open(context.Background())
	})
}

// cancelRetryLocked stops a pending retry timer. Callers hold c.mu.
func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// releaseConnLocked detaches the current connection and drains its writer
// by closing the send channel. Bumping gen marks any pump still running on
// the old connection as stale. Callers hold c.mu; the returned Conn still
// needs Close.
func (c *Client) releaseConnLocked() Conn {
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	if conn != nil {
		observability.ObserveConnectionMessages(c.connMsgs)
		c.connMsgs = 0
	}
	return conn
}

// persistSnapshot saves the session record. A nil manager means
// persistence is disabled; storage failures degrade inside the manager.
func (c *Client) persistSnapshot(ctx context.Context) {
	if c.manager == nil {
		return
	}
	c.manager.Store(ctx, &persist.Record{
		ID:       c.sessionID,
		Count:    c.store.Len(),
		Messages: c.store.Messages(),
	})
}

// touchSession refreshes lastActivity without rewriting the history.
func (c *Client) touchSession() {
	if c.manager == nil {
		return
	}
	c.manager.Update(context.Background(), c.sessionID, func(*persist.Record) {})
}

// startKeepalive begins the cron-driven remote TTL refresh once.
func (c *Client) startKeepalive() {
	if c.keepalive == nil || c.cron != nil {
		return
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.keepaliveSpec, func() {
		if c.Status() != StatusOpen {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.keepalive.Extend(ctx, c.sessionID, c.keepaliveTTL); err != nil {
			c.log.Warn("keepalive failed", "error", err)
		}
	})
	if err != nil {
		c.log.Warn("keepalive schedule invalid", "spec", c.keepaliveSpec, "error", err)
		c.cron = nil
		return
	}
	c.cron.Start()
}

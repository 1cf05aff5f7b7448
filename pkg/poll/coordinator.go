// Package poll reconciles remotely held message state into the local
// message store. Two channels compose: a server-triggered notification
// ("new data available") and a periodic fallback poll that guards against
// missed notifications. Every fetched message passes through the store's
// dedup-on-append, so overlap between the channels is harmless.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsewire-dev/pulsewire/internal/logger"
	"github.com/pulsewire-dev/pulsewire/pkg/history"
	"github.com/pulsewire-dev/pulsewire/pkg/observability"
)

// Config is the coordinator's polling configuration. It is an explicit
// value object passed at construction; there is no process-wide polling
// state.
type Config struct {
	// FetchTimeout bounds a single fetch (default 5s).
	FetchTimeout time.Duration
	// Interval is the fallback poll period (default 30s).
	Interval time.Duration
	// MaxAttempts is the number of consecutive fetch attempts before
	// fallback polling suspends (default 3).
	MaxAttempts int
	// RetryDelay separates consecutive attempts (default 2s).
	RetryDelay time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Fetcher retrieves the remotely held messages for a session. The remote
// service is a passive collaborator; cursor tracking is the coordinator's
// concern.
type Fetcher interface {
	FetchMessages(ctx context.Context, sessionID string) ([]history.Message, error)
}

// Coordinator drives hybrid reconciliation for one session.
type Coordinator struct {
	cfg       Config
	sessionID string
	fetcher   Fetcher
	store     *history.Store
	applied   func([]history.Message)
	log       *slog.Logger

	notifyCh  chan struct{}
	refreshCh chan struct{}

	mu         sync.Mutex
	suspended  bool
	reconciled int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithApplied registers a sink invoked with each batch of newly applied
// messages (those that survived dedup).
func WithApplied(fn func([]history.Message)) Option {
	return func(c *Coordinator) { c.applied = fn }
}

// NewCoordinator creates a coordinator for one session.
func NewCoordinator(sessionID string, fetcher Fetcher, store *history.Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		fetcher:   fetcher,
		store:     store,
		log:       logger.Default(),
		notifyCh:  make(chan struct{}, 1),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify signals that the server reported new data for this session.
// Non-blocking; coalesces with a pending signal.
func (c *Coordinator) Notify() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

// Refresh manually kicks reconciliation, clearing any suspension first.
// Non-blocking; coalesces with a pending refresh.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()

	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Suspended reports whether fallback polling is paused pending a manual
// refresh.
func (c *Coordinator) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Reconciled reports how many remote messages have been applied so far.
func (c *Coordinator) Reconciled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciled
}

// Stop terminates the Run loop. Idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run owns the reconciliation loop until ctx is cancelled or Stop is
// called. Intended to run on its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.notifyCh:
			c.reconcile(ctx)
		case <-c.refreshCh:
			c.reconcile(ctx)
		case <-ticker.C:
			if c.Suspended() {
				continue
			}
			c.reconcile(ctx)
		}
	}
}

// reconcile fetches the remote message state with bounded retries and
// applies it through the store's dedup. After exhausting attempts it
// suspends fallback polling until the next manual refresh.
func (c *Coordinator) reconcile(ctx context.Context) {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		messages, err := c.fetcher.FetchMessages(fetchCtx, c.sessionID)
		cancel()

		if err == nil {
			observability.RecordPollFetch("success")
			c.apply(messages)
			return
		}

		observability.RecordPollFetch("error")
		c.log.Warn("poll_fetch_failed",
			"session_id", c.sessionID,
			"attempt", attempt,
			"error", err,
		)

		if attempt == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
	c.log.Warn("poll_suspended", "session_id", c.sessionID)
}

func (c *Coordinator) apply(messages []history.Message) {
	var fresh []history.Message
	for _, msg := range messages {
		if c.store.Append(msg) {
			fresh = append(fresh, msg)
		}
	}

	if len(fresh) == 0 {
		return
	}

	c.mu.Lock()
	c.reconciled += len(fresh)
	c.mu.Unlock()

	c.log.Debug("poll_applied", "session_id", c.sessionID, "count", len(fresh))
	if c.applied != nil {
		c.applied(fresh)
	}
}

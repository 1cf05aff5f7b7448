// Package heartbeat tracks liveness signals for one session and derives
// health statistics from them. The tracker keeps only the 10 most recent
// heartbeats; every statistic is recomputed against the current clock on
// demand rather than cached.
package heartbeat

import (
	"sync"
	"time"
)

const (
	// logCapacity bounds the retained heartbeat log.
	logCapacity = 10
	// interval is the server's heartbeat cadence.
	interval = 30 * time.Second
	// recentWindow is the age under which a heartbeat counts as recent.
	recentWindow = 35 * time.Second
	// staleAfter is the age past which a heartbeat is flagged stale.
	staleAfter = 60 * time.Second
)

// Health summarizes session liveness.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthWarning Health = "warning"
)

// Heartbeat is one received liveness signal.
type Heartbeat struct {
	// Timestamp is the server-reported generation time.
	Timestamp time.Time `json:"timestamp"`
	// ReceivedAt is the local receipt time.
	ReceivedAt time.Time `json:"receivedAt"`
	// Latency is ReceivedAt minus Timestamp, clamped to zero.
	Latency time.Duration `json:"latency"`
}

// Entry is a heartbeat annotated with age-derived flags at evaluation time.
type Entry struct {
	Heartbeat
	IsRecent bool `json:"isRecent"`
	IsStale  bool `json:"isStale"`
}

// Stats holds the derived liveness statistics.
type Stats struct {
	Recent         int       `json:"recent"`
	Missed         int       `json:"missed"`
	Health         Health    `json:"health"`
	NextExpectedAt time.Time `json:"nextExpectedAt"`
	Progress       float64   `json:"progress"`
}

// Tracker maintains the bounded heartbeat log. Safe for concurrent use.
type Tracker struct {
	mu  sync.RWMutex
	log []Heartbeat // most recent first
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record makes a heartbeat from the given server timestamp and optional
// precomputed latency, then retains it. When latency is zero it is derived
// from the local clock; negative deltas clamp to zero. A zero timestamp
// (a legacy frame that carried no parseable time) yields zero latency
// rather than a delta against the epoch.
func (t *Tracker) Record(timestamp time.Time, latency time.Duration) Heartbeat {
	receivedAt := t.now()
	if latency < 0 {
		latency = 0
	}
	if latency == 0 && !timestamp.IsZero() {
		latency = receivedAt.Sub(timestamp)
		if latency < 0 {
			latency = 0
		}
	}

	hb := Heartbeat{
		Timestamp:  timestamp,
		ReceivedAt: receivedAt,
		Latency:    latency,
	}

	t.mu.Lock()
	t.log = append([]Heartbeat{hb}, t.log...)
	if len(t.log) > logCapacity {
		t.log = t.log[:logCapacity]
	}
	t.mu.Unlock()

	return hb
}

// LastAt returns the receipt time of the most recent heartbeat, or the zero
// time when none has been received.
func (t *Tracker) LastAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.log) == 0 {
		return time.Time{}
	}
	return t.log[0].ReceivedAt
}

// Len reports the number of retained heartbeats.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.log)
}

// Snapshot returns the retained heartbeats most-recent-first, each flagged
// recent/stale against the current clock.
func (t *Tracker) Snapshot() []Entry {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(t.log))
	for _, hb := range t.log {
		age := now.Sub(hb.ReceivedAt)
		entries = append(entries, Entry{
			Heartbeat: hb,
			IsRecent:  age < recentWindow,
			IsStale:   age > staleAfter,
		})
	}
	return entries
}

// Stats derives the liveness statistics against the current clock.
func (t *Tracker) Stats() Stats {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{Health: HealthWarning}

	for _, hb := range t.log {
		if now.Sub(hb.ReceivedAt) < recentWindow {
			s.Recent++
		}
	}
	if s.Recent > 0 {
		s.Health = HealthHealthy
	}

	if len(t.log) == 0 {
		return s
	}

	last := t.log[0].ReceivedAt
	elapsed := now.Sub(last)

	// One full cadence of silence is normal; only beyond that counts as
	// missed. The raw formula goes negative right after a heartbeat, which
	// has no meaning, so it clamps at zero.
	if missed := int(elapsed/interval) - 1; missed > 0 {
		s.Missed = missed
	}

	s.NextExpectedAt = last.Add(interval)
	progress := float64(elapsed) / float64(interval)
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	s.Progress = progress

	return s
}

package persist

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pulsewire-dev/pulsewire/internal/logger"
	"github.com/pulsewire-dev/pulsewire/pkg/observability"
)

// Manager wraps a Store with the failure policy the session engine needs:
// every operation degrades gracefully. Storage failures are logged and
// yield an empty or default result; they never propagate to the caller as
// a hard error. A session keeps operating in non-persistent mode when its
// backend misbehaves.
type Manager struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithManagerClock overrides the clock, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		log:   logger.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store saves a record, stamping CreatedAt on first write and refreshing
// LastActivity. Failures are logged and swallowed.
func (m *Manager) Store(ctx context.Context, rec *Record) {
	now := m.now()
	if rec.CreatedAt.IsZero() {
		if existing, err := m.store.Get(ctx, rec.ID); err == nil {
			rec.CreatedAt = existing.CreatedAt
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastActivity = now

	if err := m.store.Save(ctx, rec); err != nil {
		m.log.Warn("session_store_failed", "session_id", rec.ID, "error", err)
	}
}

// Get returns the record for a session id, or nil when absent or on
// failure.
func (m *Manager) Get(ctx context.Context, sessionID string) *Record {
	rec, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			m.log.Warn("session_get_failed", "session_id", sessionID, "error", err)
		}
		return nil
	}
	return rec
}

// Update applies mutate to the existing record, or to a fresh default when
// none exists. Fields the mutation leaves untouched inherit from the
// existing record. The result is saved with LastActivity refreshed.
func (m *Manager) Update(ctx context.Context, sessionID string, mutate func(*Record)) {
	rec := m.Get(ctx, sessionID)
	if rec == nil {
		rec = &Record{ID: sessionID}
	}
	mutate(rec)
	rec.ID = sessionID
	m.Store(ctx, rec)
}

// Delete removes the record for a session id. Absence is not an error.
func (m *Manager) Delete(ctx context.Context, sessionID string) {
	if err := m.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		m.log.Warn("session_delete_failed", "session_id", sessionID, "error", err)
	}
}

// ListAll returns all records sorted by LastActivity descending, or an
// empty slice on failure.
func (m *Manager) ListAll(ctx context.Context) []*Record {
	records, err := m.store.List(ctx)
	if err != nil {
		m.log.Warn("session_list_failed", "error", err)
		return []*Record{}
	}
	observability.SetSessionsTracked(len(records))
	return records
}

// ClearAll removes every record under the namespace.
func (m *Manager) ClearAll(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.log.Warn("session_clear_failed", "error", err)
		return
	}
	observability.SetSessionsTracked(0)
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// Package persist provides durable per-session state across reloads.
// A Record is the durable snapshot of one session: its message history up
// to the cap plus activity metadata. Two backends implement the Store
// interface: a local JSON file store and a TTL-bound Redis store. The
// Manager wraps a backend with the degrade-gracefully policy the
// caller-facing API relies on.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/pulsewire-dev/pulsewire/pkg/history"
)

// DefaultNamespace prefixes every session key so bulk operations can
// select session records among other stored data.
const DefaultNamespace = "session"

// Common errors for storage operations.
var (
	// ErrRecordNotFound is returned when no record exists for a session id.
	ErrRecordNotFound = errors.New("session record not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Record is the durable form of a session.
type Record struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// Count is the message count at last save.
	Count int `json:"count"`
	// LastActivity is refreshed on every save.
	LastActivity time.Time `json:"lastActivity"`
	// CreatedAt is set on the first save and preserved afterwards.
	CreatedAt time.Time `json:"createdAt"`
	// Messages is a snapshot of the message store up to its cap.
	Messages []history.Message `json:"messages"`
}

// Store abstracts session persistence. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save creates or updates the record for its session id.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves the record for a session id.
	// Returns ErrRecordNotFound if no record exists.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Delete removes the record for a session id.
	Delete(ctx context.Context, sessionID string) error

	// List returns all records sorted by LastActivity descending.
	// Individually corrupt records are skipped, not fatal.
	List(ctx context.Context) ([]*Record, error)

	// Clear removes every record under the store's namespace.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

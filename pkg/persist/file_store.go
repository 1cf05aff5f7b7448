package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidSessionID is returned when a session id contains characters
// unsafe for the backend's key or path layout.
var ErrInvalidSessionID = errors.New("invalid session id")

// validateSessionID checks that an id is safe to use as a path component.
func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidSessionID
	}
	return nil
}

// FileStore implements Store using one JSON file per session.
// Storage layout:
//
//	~/.pulsewire/sessions/
//	  └── <namespace>/
//	      └── <session-id>.json
type FileStore struct {
	baseDir   string
	namespace string
	mu        sync.RWMutex
	closed    bool
}

// NewFileStore creates a file-based session store. If baseDir is empty,
// uses ~/.pulsewire/sessions. If namespace is empty, uses DefaultNamespace.
func NewFileStore(baseDir, namespace string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".pulsewire", "sessions")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := validateSessionID(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(baseDir, namespace), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	return &FileStore{
		baseDir:   baseDir,
		namespace: namespace,
	}, nil
}

func (f *FileStore) recordPath(sessionID string) string {
	return filepath.Join(f.baseDir, f.namespace, sessionID+".json")
}

// Save creates or updates the record for its session id.
func (f *FileStore) Save(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := os.WriteFile(f.recordPath(rec.ID), data, 0600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}

// Get retrieves the record for a session id.
func (f *FileStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.recordPath(sessionID)) // #nosec G304 - session id validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}

	return &rec, nil
}

// Delete removes the record for a session id.
func (f *FileStore) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	if err := os.Remove(f.recordPath(sessionID)); err != nil {
		if os.IsNotExist(err) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("remove record: %w", err)
	}

	return nil
}

// List returns all records sorted by LastActivity descending. Corrupt
// files are skipped rather than aborting the whole listing.
func (f *FileStore) List(ctx context.Context) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	dir := filepath.Join(f.baseDir, f.namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name())) // #nosec G304 - listing our own directory
		if err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastActivity.After(records[j].LastActivity)
	})

	return records, nil
}

// Clear removes every record under the store's namespace.
func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	dir := filepath.Join(f.baseDir, f.namespace)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove record: %w", err)
		}
	}

	return nil
}

// Close releases any resources held by the store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsewire-dev/pulsewire/pkg/history"
)

// DefaultTTL is the remote record expiry when none is configured.
const DefaultTTL = time.Hour

// RedisStore implements Store using Redis. Records are TTL-bound: the
// remote side owns expiry, the client only refreshes it. A session's
// message history additionally lives in a Redis list so the poll
// coordinator can fetch deltas written by the backend.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Namespace prefixes all session keys (default: "session").
	Namespace string
	// TTL is the record expiry duration (0 = DefaultTTL).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// envelope wraps a record the way the remote store keeps it, preserving
// the creation time across updates.
type envelope struct {
	Data      *Record `json:"data"`
	CreatedAt int64   `json:"created_at"`
	TTL       int64   `json:"ttl"`
}

// NewRedisStore creates a Redis-backed session store and verifies the
// connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisStore(client, cfg.Namespace, cfg.TTL), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	return newRedisStore(client, namespace, ttl)
}

func newRedisStore(client *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: namespace + ":",
		ttl:    ttl,
	}
}

func (r *RedisStore) recordKey(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisStore) messagesKey(sessionID string) string {
	return r.prefix + sessionID + ":messages"
}

// validateRedisID rejects ids that would break the key layout: a colon
// would collide with the ":messages" suffix and hide the record from List.
func validateRedisID(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id cannot be empty")
	}
	if strings.Contains(sessionID, ":") {
		return ErrInvalidSessionID
	}
	return nil
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save creates or updates the record with the store's TTL. The creation
// time of an existing envelope is preserved.
func (r *RedisStore) Save(ctx context.Context, rec *Record) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validateRedisID(rec.ID); err != nil {
		return err
	}

	createdAt := time.Now().Unix()
	if data, err := r.client.Get(ctx, r.recordKey(rec.ID)).Bytes(); err == nil {
		var existing envelope
		if json.Unmarshal(data, &existing) == nil && existing.CreatedAt != 0 {
			createdAt = existing.CreatedAt
		}
	}

	data, err := json.Marshal(envelope{
		Data:      rec,
		CreatedAt: createdAt,
		TTL:       int64(r.ttl.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := r.client.SetEx(ctx, r.recordKey(rec.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save record: %w", err)
	}

	return nil
}

// Get retrieves the record for a session id.
func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateRedisID(sessionID); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if env.Data == nil {
		return nil, ErrRecordNotFound
	}

	return env.Data, nil
}

// Delete removes the record and its message list.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validateRedisID(sessionID); err != nil {
		return err
	}

	deleted, err := r.client.Del(ctx, r.recordKey(sessionID), r.messagesKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if deleted == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// List returns all records under the namespace sorted by LastActivity
// descending. Corrupt entries are skipped.
func (r *RedisStore) List(ctx context.Context) ([]*Record, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var records []*Record
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":messages") {
			continue
		}

		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Data == nil {
			continue
		}
		records = append(records, env.Data)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastActivity.After(records[j].LastActivity)
	})

	return records, nil
}

// Clear removes every key under the namespace.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan records: %w", err)
	}

	return nil
}

// Extend refreshes the TTL of a session's record and message list without
// rewriting the record. Returns ErrRecordNotFound when nothing is stored.
func (r *RedisStore) Extend(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validateRedisID(sessionID); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = r.ttl
	}

	ok, err := r.client.Expire(ctx, r.recordKey(sessionID), ttl).Result()
	if err != nil {
		return fmt.Errorf("extend record ttl: %w", err)
	}
	if !ok {
		return ErrRecordNotFound
	}

	// The message list may legitimately not exist yet.
	_ = r.client.Expire(ctx, r.messagesKey(sessionID), ttl).Err()

	return nil
}

// PushMessage appends a message to the session's remote message list and
// refreshes the list TTL.
func (r *RedisStore) PushMessage(ctx context.Context, sessionID string, msg history.Message) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validateRedisID(sessionID); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, r.messagesKey(sessionID), data)
	pipe.Expire(ctx, r.messagesKey(sessionID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push message: %w", err)
	}

	return nil
}

// FetchMessages returns the session's remote message list sorted by
// timestamp. Entries that fail to parse are skipped.
func (r *RedisStore) FetchMessages(ctx context.Context, sessionID string) ([]history.Message, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateRedisID(sessionID); err != nil {
		return nil, err
	}

	raw, err := r.client.LRange(ctx, r.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	messages := make([]history.Message, 0, len(raw))
	for _, item := range raw {
		var msg history.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	return messages, nil
}

// TTL reports the remaining expiry of a session's record.
func (r *RedisStore) TTL(ctx context.Context, sessionID string) (time.Duration, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	ttl, err := r.client.TTL(ctx, r.recordKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("record ttl: %w", err)
	}
	if ttl < 0 {
		return 0, ErrRecordNotFound
	}

	return ttl, nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

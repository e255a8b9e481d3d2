// Package mirror caches the current snapshot of each story database in
// Redis. It plays the fast-read role the desktop shell used to fill with
// localStorage: reads prefer the mirror, the git store stays canonical.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/balor48/storyguard-sub004/internal/entity"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a database has no cached snapshot.
var ErrMiss = errors.New("snapshot not mirrored")

// Store is a Redis-backed snapshot cache keyed by database slug.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client, ttl), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client: client,
		prefix: "mirror:",
		ttl:    ttl,
	}
}

func (s *Store) key(slug string) string {
	return s.prefix + slug
}

// Put caches the snapshot for a database, replacing any previous copy.
func (s *Store) Put(ctx context.Context, slug string, snap *entity.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(slug), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("mirror snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot, or ErrMiss when the database is not
// cached or the entry expired.
func (s *Store) Get(ctx context.Context, slug string) (*entity.Snapshot, error) {
	payload, err := s.client.Get(ctx, s.key(slug)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read mirrored snapshot: %w", err)
	}

	var snap entity.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode mirrored snapshot: %w", err)
	}
	return &snap, nil
}

// Invalidate drops the cached snapshot. Missing entries are not an error.
func (s *Store) Invalidate(ctx context.Context, slug string) error {
	if err := s.client.Del(ctx, s.key(slug)).Err(); err != nil {
		return fmt.Errorf("invalidate mirror: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

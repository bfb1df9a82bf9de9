package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client used by RedisStore
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps bundles as Redis string values
type RedisStore struct {
	client  redisClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore connects to the server described by a redis:// URL and checks
// it answers PING.
func NewRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisStore(client), nil
}

func newRedisStore(client redisClient) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "trachoma:snapshots:",
		timeout: 30 * time.Second,
	}
}

// Save stores the bundle under prefix+key with no expiry
func (s *RedisStore) Save(ctx context.Context, key string, snaps []*Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, MarshalBundle(snaps), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot to Redis: %w", err)
	}
	return nil
}

// Load reads the bundle stored under prefix+key
func (s *RedisStore) Load(ctx context.Context, key string) ([]*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to load snapshot from Redis: %w", err)
	}
	return UnmarshalBundle(data)
}

// Name returns "redis"
func (s *RedisStore) Name() string { return "redis" }

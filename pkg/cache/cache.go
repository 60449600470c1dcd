package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
	redisclient "github.com/maxparsons123/happy-ride-helper-sub009/pkg/redis"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/tracing"
)

// Manager handles caching operations with JSON serialization
type Manager struct {
	redis redisclient.ClientInterface
}

// NewManager creates a new cache manager
func NewManager(redis redisclient.ClientInterface) *Manager {
	return &Manager{redis: redis}
}

// Get retrieves a cached value and unmarshals it into result
func (m *Manager) Get(ctx context.Context, key string, result interface{}) error {
	var data string
	err := tracing.TraceRedisCommand(ctx, "cache", "get", key, func() error {
		var err error
		data, err = m.redis.GetString(ctx, key)
		return err
	})
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), result)
}

// Set marshals and caches a value with expiration
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return tracing.TraceRedisCommand(ctx, "cache", "set", key, func() error {
		return m.redis.SetWithExpiration(ctx, key, string(data), ttl)
	})
}

// GetOrSet retrieves from cache or executes fn and caches the result
func (m *Manager) GetOrSet(ctx context.Context, key string, ttl time.Duration, result interface{}, fn func() (interface{}, error)) error {
	// Try cache first
	err := m.Get(ctx, key, result)
	if err == nil {
		return nil // Cache hit
	}

	// Cache miss - execute function
	data, err := fn()
	if err != nil {
		return err
	}

	// Cache the result (non-blocking)
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Set(cacheCtx, key, data, ttl); err != nil {
			logger.Warn("failed to cache value",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}()

	// Marshal the result into the result pointer
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return json.Unmarshal(jsonData, result)
}

// Delete removes a key from cache
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	return tracing.TraceRedisCommand(ctx, "cache", "del", strings.Join(keys, " "), func() error {
		return m.redis.Delete(ctx, keys...)
	})
}

// CacheKeys defines common cache key patterns
type CacheKeys struct{}

var Keys = CacheKeys{}

// Geocode returns the cache key for a forward-geocoding query. Queries are
// normalized and hashed so arbitrary address text stays key-safe.
func (k CacheKeys) Geocode(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return fmt.Sprintf("geocode:%x", sha256.Sum256([]byte(normalized)))
}

// JobSnapshot returns the cache key for a job's admin-surface snapshot.
func (k CacheKeys) JobSnapshot(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

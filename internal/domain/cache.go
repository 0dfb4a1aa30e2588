package domain

import (
	"context"
	"time"
)

// Cache stores short-lived keys shared across detection runs.
// The engine uses it to claim alert dedup keys so two runs (or two
// processes) never emit the same alert. Supports a local LRU (Community)
// and Redis (Pro). All methods require tenantID for isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// Claim atomically sets key if it is absent and reports whether this
	// caller won the claim.
	Claim(ctx context.Context, tenantID string, key string, ttl time.Duration) (bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// If true, check local first, then Redis
	EnableTwoPhase bool `koanf:"enable_two_phase"`

	// ClaimTTL is how long an alert dedup claim is held.
	ClaimTTL time.Duration `koanf:"claim_ttl"`
}

package cache

import (
	"context"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const defaultClaimTTL = 7 * 24 * time.Hour

// Claimer adapts a domain.Cache to the alert generator's dedup guard.
type Claimer struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewClaimer returns a claimer whose keys live for ttl (one week when zero)
// unless a claim asks for its own lifetime.
func NewClaimer(c domain.Cache, ttl time.Duration) *Claimer {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	return &Claimer{cache: c, ttl: ttl}
}

// Claim reserves an alert key for a tenant. A non-positive ttl uses the
// claimer default.
func (c *Claimer) Claim(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.cache.Claim(ctx, tenantID, claimKey(key), ttl)
}

// Release drops a claim so the alert can be emitted again.
func (c *Claimer) Release(ctx context.Context, tenantID, key string) error {
	return c.cache.Delete(ctx, tenantID, claimKey(key))
}

func claimKey(key string) string { return "alert:" + key }

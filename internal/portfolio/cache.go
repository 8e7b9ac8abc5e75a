package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 60 * time.Second

// CacheKey identifies one cached recommendation: sorted registry ids plus
// the floors it was computed under.
type CacheKey struct {
	SortedModelIDs []string
	WorkerTrust    float64
	QATrust        float64
	MinQuality     float64
}

func (k CacheKey) String() string {
	return fmt.Sprintf("portfolio:%s:%.4f:%.4f:%.4f",
		strings.Join(k.SortedModelIDs, ","), k.WorkerTrust, k.QATrust, k.MinQuality)
}

type entry struct {
	rec       Recommendation
	expiresAt time.Time
}

// Cache is a single-entry TTL cache in front of the Optimizer, with an
// optional Redis-backed shared tier: when rdb is nil, or a Redis call
// errors, it transparently falls back to the in-process entry.
type Cache struct {
	mu  sync.Mutex
	cur *entry
	key string

	ttl   time.Duration
	rdb   *redis.Client
	force bool // forceRefreshNext: consumes itself after one use
}

// NewCache builds a Cache with the default 60s TTL. rdb may be nil to
// disable the shared Redis tier.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{ttl: defaultTTL, rdb: rdb}
}

// ForceRefreshNext sets a one-shot refresh flag: the next Get call
// recomputes regardless of TTL, then the flag clears itself.
func (c *Cache) ForceRefreshNext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.force = true
}

// Get returns a cached Recommendation for key, computing it via compute()
// on a miss, expiry, or a pending force-refresh.
func (c *Cache) Get(ctx context.Context, key CacheKey, compute func() Recommendation) Recommendation {
	c.mu.Lock()
	k := key.String()
	now := time.Now()
	forceConsumed := c.force
	if forceConsumed {
		c.force = false
	}
	if !forceConsumed && c.cur != nil && c.key == k && now.Before(c.cur.expiresAt) {
		rec := c.cur.rec
		c.mu.Unlock()
		return rec
	}
	c.mu.Unlock()

	if !forceConsumed {
		if rec, ok := c.getRedis(ctx, k); ok {
			c.mu.Lock()
			c.cur = &entry{rec: rec, expiresAt: now.Add(c.ttl)}
			c.key = k
			c.mu.Unlock()
			return rec
		}
	}

	rec := compute()
	c.mu.Lock()
	c.cur = &entry{rec: rec, expiresAt: time.Now().Add(c.ttl)}
	c.key = k
	c.mu.Unlock()
	c.setRedis(ctx, k, rec)
	return rec
}

// Invalidate drops the in-process entry; used when the registry publishes an
// invalidate token (see model.Registry.OnInvalidate).
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = nil
	c.key = ""
}

func (c *Cache) getRedis(ctx context.Context, key string) (Recommendation, bool) {
	if c.rdb == nil {
		return Recommendation{}, false
	}
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return Recommendation{}, false
	}
	var rec Recommendation
	if err := json.Unmarshal(b, &rec); err != nil {
		return Recommendation{}, false
	}
	return rec, true
}

func (c *Cache) setRedis(ctx context.Context, key string, rec Recommendation) {
	if c.rdb == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key, b, defaultTTL).Err()
}

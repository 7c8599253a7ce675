// Package catalog caches the market feed. Every mutation is keyed by slug
// and idempotent, so confirmations may arrive in any order.
package catalog

import (
	"context"
	"log/slog"
	"sync"

	"pottsmarket/internal/market"

	"golang.org/x/sync/singleflight"
)

type Lister interface {
	ListMarkets(ctx context.Context) ([]market.Market, error)
}

type Cache struct {
	src   Lister
	log   *slog.Logger
	group singleflight.Group

	mu      sync.RWMutex
	markets []market.Market
	version uint64
	loaded  bool
	// clock orders load issues against local changes. A load issued at t
	// never overrides a load applied with a later issue time, nor a local
	// change stamped after t.
	clock     uint64
	appliedAt uint64
	// touched maps slug to the clock of its last local patch or insert;
	// tombstones maps slug to the clock at which it was removed.
	touched    map[string]uint64
	tombstones map[string]uint64
}

func New(src Lister, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		src:        src,
		log:        logger,
		touched:    map[string]uint64{},
		tombstones: map[string]uint64{},
	}
}

// LoadAll replaces the cached list with the server's, preserving server order.
// Concurrent callers share one request.
func (c *Cache) LoadAll(ctx context.Context) ([]market.Market, error) {
	v, err, shared := c.group.Do("all", func() (any, error) {
		c.mu.Lock()
		c.clock++
		issuedAt := c.clock
		c.mu.Unlock()

		list, err := c.src.ListMarkets(ctx)
		if err != nil {
			return nil, err
		}
		c.apply(list, issuedAt)
		return c.Snapshot(), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("catalog load shared")
	}
	return cloneAll(v.([]market.Market)), nil
}

// Refresh is LoadAll for callers that need state newer than something they
// just observed, such as a confirmed mutation: it never joins a request that
// was already in flight when it was called.
func (c *Cache) Refresh(ctx context.Context) ([]market.Market, error) {
	c.group.Forget("all")
	return c.LoadAll(ctx)
}

func (c *Cache) apply(list []market.Market, issuedAt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if issuedAt < c.appliedAt {
		c.log.Debug("stale catalog load dropped", "issued_at", issuedAt, "applied_at", c.appliedAt)
		return
	}

	local := make(map[string]market.Market, len(c.markets))
	for _, m := range c.markets {
		local[m.Slug] = m
	}

	seen := make(map[string]struct{}, len(list))
	var fresh []market.Market
	for _, m := range c.markets {
		if at, ok := c.touched[m.Slug]; ok && at > issuedAt {
			fresh = append(fresh, m)
		}
	}
	next := make([]market.Market, 0, len(list))
	for _, m := range list {
		if at, ok := c.tombstones[m.Slug]; ok && at > issuedAt {
			continue
		}
		if _, dup := seen[m.Slug]; dup {
			continue
		}
		seen[m.Slug] = struct{}{}
		if at, ok := c.touched[m.Slug]; ok && at > issuedAt {
			if cur, ok := local[m.Slug]; ok {
				next = append(next, cur)
				continue
			}
		}
		next = append(next, m.Clone())
	}
	// Local inserts newer than this load stay at the front.
	var front []market.Market
	for _, m := range fresh {
		if _, ok := seen[m.Slug]; !ok {
			front = append(front, m)
		}
	}
	next = append(front, next...)

	for slug, at := range c.tombstones {
		if at <= issuedAt {
			delete(c.tombstones, slug)
		}
	}
	for slug, at := range c.touched {
		if at <= issuedAt {
			delete(c.touched, slug)
		}
	}
	c.markets = next
	c.appliedAt = issuedAt
	c.loaded = true
	c.version++
}

// PatchOne replaces the entry for slug in place. Unknown slugs are ignored.
func (c *Cache) PatchOne(slug string, updated market.Market) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(slug)
	if i < 0 {
		return false
	}
	updated = updated.Clone()
	updated.Slug = slug
	c.markets[i] = updated
	c.clock++
	c.touched[slug] = c.clock
	c.version++
	return true
}

func (c *Cache) RemoveOne(slug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	c.tombstones[slug] = c.clock
	delete(c.touched, slug)
	i := c.indexLocked(slug)
	if i < 0 {
		return false
	}
	c.markets = append(c.markets[:i:i], c.markets[i+1:]...)
	c.version++
	return true
}

// PrependCreated puts a newly created market at the front. A slug that is
// already cached is moved rather than duplicated.
func (c *Cache) PrependCreated(m market.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tombstones, m.Slug)
	c.clock++
	c.touched[m.Slug] = c.clock
	next := make([]market.Market, 0, len(c.markets)+1)
	next = append(next, m.Clone())
	for _, cur := range c.markets {
		if cur.Slug != m.Slug {
			next = append(next, cur)
		}
	}
	c.markets = next
	c.version++
}

func (c *Cache) Get(slug string) (market.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.indexLocked(slug)
	if i < 0 {
		return market.Market{}, false
	}
	return c.markets[i].Clone(), true
}

func (c *Cache) Snapshot() []market.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.markets)
}

func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *Cache) indexLocked(slug string) int {
	for i, m := range c.markets {
		if m.Slug == slug {
			return i
		}
	}
	return -1
}

func cloneAll(in []market.Market) []market.Market {
	out := make([]market.Market, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

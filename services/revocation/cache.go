package revocation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const (
	// DefaultTTL is the nominal lifetime of a revocation entry.
	DefaultTTL = 24 * time.Hour
	// DefaultGrace extends retention beyond the TTL so nodes that reconnect
	// slowly still observe the revocation before it is purged.
	DefaultGrace = 7 * 24 * time.Hour
	// DefaultSweepInterval is how often expired entries are evicted.
	DefaultSweepInterval = time.Hour
)

// Entry is one revoked token identifier with its revocation time.
type Entry struct {
	LicenseCID string    `db:"license_cid" json:"license_cid"`
	RevokedAt  time.Time `db:"revoked_at" json:"revoked_at"`
}

// Backing is the durable store behind the in-memory index.
type Backing interface {
	Add(ctx context.Context, e Entry) error
	List(ctx context.Context, newerThan time.Time) ([]Entry, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tunes cache retention and sweep cadence. Zero values fall back to
// the defaults above.
type Options struct {
	TTL           time.Duration
	Grace         time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Cache answers is-revoked lookups from memory on every authorization
// decision; the hot path never touches storage. Mutations go to both the
// memory index and the backing store.
type Cache struct {
	backing Backing
	logger  *log.Logger

	ttl        time.Duration
	grace      time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]time.Time
	loaded  bool
}

// NewCache creates a Cache over the provided backing store. Load must be
// called before serving lookups.
func NewCache(backing Backing, logger *log.Logger, opts Options) (*Cache, error) {
	if backing == nil {
		return nil, errors.New("backing store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache{
		backing:    backing,
		logger:     logger,
		ttl:        opts.TTL,
		grace:      opts.Grace,
		sweepEvery: opts.SweepInterval,
		now:        opts.Now,
		entries:    make(map[string]time.Time),
	}, nil
}

// Load populates the memory index from durable storage. Serving IsRevoked
// from an unloaded cache would report "not revoked" for entries that are on
// disk, which is a correctness failure, so callers must Load before use.
func (c *Cache) Load(ctx context.Context) error {
	cutoff := c.now().UTC().Add(-(c.ttl + c.grace))
	stored, err := c.backing.List(ctx, cutoff)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time, len(stored))
	for _, e := range stored {
		c.entries[e.LicenseCID] = e.RevokedAt
	}
	c.loaded = true
	return nil
}

// Loaded reports whether the memory index has been populated.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// IsRevoked is an O(1) lookup against the memory index.
func (c *Cache) IsRevoked(licenseCID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[licenseCID]
	return ok
}

// Len returns the number of entries currently held in memory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Add records a revocation in memory and durably. Re-adding a known
// identifier is a silent no-op; the first observed revocation time is kept.
func (c *Cache) Add(ctx context.Context, licenseCID string, revokedAt time.Time) error {
	if licenseCID == "" {
		return errors.New("license cid is required")
	}
	if revokedAt.IsZero() {
		revokedAt = c.now().UTC()
	}

	c.mu.Lock()
	if _, exists := c.entries[licenseCID]; !exists {
		c.entries[licenseCID] = revokedAt
	}
	c.mu.Unlock()

	return c.backing.Add(ctx, Entry{LicenseCID: licenseCID, RevokedAt: revokedAt})
}

// Sweep evicts entries older than TTL plus grace from memory and storage,
// returning how many were removed from memory.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(-(c.ttl + c.grace))

	c.mu.Lock()
	removed := 0
	for cid, revokedAt := range c.entries {
		if revokedAt.Before(cutoff) {
			delete(c.entries, cid)
			removed++
		}
	}
	c.mu.Unlock()

	if _, err := c.backing.DeleteOlderThan(ctx, cutoff); err != nil {
		return removed, err
	}
	return removed, nil
}

// EntriesSince lists durable entries revoked at or after since, oldest
// first. The refresh responder replays these to reconnecting peers.
func (c *Cache) EntriesSince(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	return c.backing.ListSince(ctx, since, limit)
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Printf("ERROR revocation sweep: %v", err)
				continue
			}
			if removed > 0 {
				c.logger.Printf("INFO revocation sweep evicted %d entries", removed)
			}
		}
	}
}

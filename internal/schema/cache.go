package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bedrockdb/bedrock/internal/db"
)

// CacheHolder provides thread-safe access to the current schema Cache.
// Reads are lock-free (atomic pointer load). Writes build a new immutable
// Cache and swap it in atomically.
type CacheHolder struct {
	cache     atomic.Pointer[Cache]
	mu        sync.Mutex // serializes reloads
	d         *db.DB
	logger    *slog.Logger
	ready     chan struct{} // closed after the first successful load
	readyOnce sync.Once
}

// NewCacheHolder creates a CacheHolder. Call Load() to perform the initial
// introspection.
func NewCacheHolder(d *db.DB, logger *slog.Logger) *CacheHolder {
	return &CacheHolder{
		d:      d,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the first load completes.
func (h *CacheHolder) Ready() <-chan struct{} {
	return h.ready
}

// Get returns the current schema cache. Lock-free, safe for concurrent use.
// Returns nil if the cache has not been loaded yet.
func (h *CacheHolder) Get() *Cache {
	return h.cache.Load()
}

// Load performs the initial schema introspection.
func (h *CacheHolder) Load(ctx context.Context) error {
	return h.Reload(ctx)
}

// SetForTesting directly sets the cache. Intended for unit tests that do not
// open a database.
func (h *CacheHolder) SetForTesting(c *Cache) {
	h.cache.Store(c)
	if c != nil {
		h.readyOnce.Do(func() { close(h.ready) })
	}
}

// Reload re-introspects the database and atomically swaps the cache. Called
// after every committed DDL batch; callers that just committed DDL get a
// cache that reflects it because reloads are serialized behind the writer.
func (h *CacheHolder) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := BuildCache(ctx, h.d)
	if err != nil {
		return fmt.Errorf("building schema cache: %w", err)
	}

	h.cache.Store(c)
	h.readyOnce.Do(func() { close(h.ready) })

	h.logger.Info("schema cache loaded", "tables", len(c.Tables), "builtAt", c.BuiltAt)
	return nil
}

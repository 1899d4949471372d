// Package schemacache caches upstream tool schemas behind an LRU with
// TTL expiry. Concurrent fetches for the same tool are coalesced into
// one upstream call, fetch failures fall back to a stale entry when one
// exists, and the whole cache is snapshotted to a JSON file so restarts
// start warm.
package schemacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 1000

	// prePopulateConcurrency caps parallel upstream fetches during warmup.
	prePopulateConcurrency = 8
)

// ToolSchema is the cached description of one upstream tool.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// entry matches the on-disk format: times are unix milliseconds.
type entry struct {
	Schema    *ToolSchema `json:"schema"`
	FetchedAt int64       `json:"fetchedAt"`
	ExpiresAt int64       `json:"expiresAt"`
}

// Fetcher supplies schemas and the universe of known tool names. The
// upstream pool implements it.
type Fetcher interface {
	FetchToolSchema(ctx context.Context, fullName string) (*ToolSchema, error)
	ToolNames() []string
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int           `json:"entries"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	StaleServes uint64        `json:"staleServes"`
	Evictions   uint64        `json:"evictions"`
	MaxEntries  int           `json:"maxEntries"`
	TTL         time.Duration `json:"ttl"`
}

// Options configures a Cache.
type Options struct {
	Fetcher    Fetcher
	Path       string // disk snapshot file; empty disables persistence
	TTL        time.Duration
	MaxEntries int
	Logger     *zap.Logger
}

// Cache is safe for concurrent use.
type Cache struct {
	mu          sync.Mutex
	lru         *lru.Cache[string, *entry]
	hits        uint64
	misses      uint64
	staleServes uint64
	evictions   uint64

	fetcher    Fetcher
	ttl        time.Duration
	maxEntries int
	path       string
	logger     *zap.Logger
	group      singleflight.Group

	// persistMu serializes snapshot writes; persistWG tracks the
	// fire-and-forget writers so Close can wait for them.
	persistMu sync.Mutex
	persistWG sync.WaitGroup

	now func() time.Time
}

// New creates a cache and loads the disk snapshot if one exists. A
// missing or unreadable snapshot starts the cache empty, never fails it.
func New(opts Options) (*Cache, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("schema cache requires a fetcher")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cache{
		fetcher:    opts.Fetcher,
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		path:       opts.Path,
		logger:     opts.Logger,
		now:        time.Now,
	}

	l, err := lru.New[string, *entry](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema LRU: %w", err)
	}
	c.lru = l

	c.loadFromDisk()
	return c, nil
}

// GetToolSchema returns the schema for a fully-qualified tool name. A
// fresh cached entry is returned directly; otherwise one upstream fetch
// runs per name no matter how many callers are waiting. When the fetch
// fails and an expired entry is still around, the stale entry is served
// instead of the error. A nil schema with nil error means the upstream
// does not know the tool.
func (c *Cache) GetToolSchema(ctx context.Context, fullName string) (*ToolSchema, error) {
	c.mu.Lock()
	if e, ok := c.lru.Get(fullName); ok && c.fresh(e) {
		c.hits++
		schema := e.Schema
		c.mu.Unlock()
		return schema, nil
	}
	c.misses++
	c.mu.Unlock()

	// The flight deliberately drops the caller's cancellation: a
	// discovery timeout abandons the wait below, but the fetch keeps
	// going and lands in the cache for the next caller.
	ch := c.group.DoChan(fullName, func() (interface{}, error) {
		return c.fetchAndStore(context.WithoutCancel(ctx), fullName)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Val == nil {
			return nil, nil
		}
		return res.Val.(*ToolSchema), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetchAndStore(ctx context.Context, fullName string) (*ToolSchema, error) {
	// Another flight may have landed between the caller's miss and
	// this flight starting.
	c.mu.Lock()
	if e, ok := c.lru.Get(fullName); ok && c.fresh(e) {
		schema := e.Schema
		c.mu.Unlock()
		return schema, nil
	}
	c.mu.Unlock()

	schema, err := c.fetcher.FetchToolSchema(ctx, fullName)
	if err != nil {
		c.mu.Lock()
		if e, ok := c.lru.Peek(fullName); ok {
			c.staleServes++
			stale := e.Schema
			c.mu.Unlock()
			c.logger.Warn("Schema fetch failed, serving stale entry",
				zap.String("tool", fullName),
				zap.Error(err))
			return stale, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to fetch schema for %s: %w", fullName, err)
	}
	if schema == nil {
		// Unknown tool: not cached, so a later registration is
		// picked up immediately.
		return nil, nil
	}

	now := c.now()
	c.mu.Lock()
	evicted := c.lru.Add(fullName, &entry{
		Schema:    schema,
		FetchedAt: now.UnixMilli(),
		ExpiresAt: now.Add(c.ttl).UnixMilli(),
	})
	if evicted {
		c.evictions++
	}
	c.mu.Unlock()

	c.persistAsync()
	return schema, nil
}

func (c *Cache) fresh(e *entry) bool {
	return c.now().UnixMilli() < e.ExpiresAt
}

// Invalidate removes one tool's entry.
func (c *Cache) Invalidate(fullName string) {
	c.mu.Lock()
	c.lru.Remove(fullName)
	c.mu.Unlock()
	c.persistAsync()
}

// InvalidateAll drops every entry and flushes the empty cache to disk
// before returning.
func (c *Cache) InvalidateAll() error {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
	return c.persist()
}

// Cleanup drops entries whose TTL has passed and returns how many were
// dropped. The shrunken cache is flushed to disk when anything was removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if !c.fresh(e) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.persistAsync()
	}
	return removed
}

// PrePopulate fetches schemas for every known tool that is missing or
// expired, in parallel. Per-tool failures are logged and skipped.
func (c *Cache) PrePopulate(ctx context.Context) {
	names := c.fetcher.ToolNames()

	var toFetch []string
	c.mu.Lock()
	for _, name := range names {
		if e, ok := c.lru.Peek(name); ok && c.fresh(e) {
			continue
		}
		toFetch = append(toFetch, name)
	}
	c.mu.Unlock()

	if len(toFetch) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prePopulateConcurrency)
	for _, name := range toFetch {
		name := name
		g.Go(func() error {
			if _, err := c.GetToolSchema(gctx, name); err != nil {
				c.logger.Warn("Schema pre-population failed for tool",
					zap.String("tool", name),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("Schema cache pre-populated",
		zap.Int("fetched", len(toFetch)),
		zap.Int("total", len(names)))
}

// GetStats returns cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     c.lru.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		StaleServes: c.staleServes,
		Evictions:   c.evictions,
		MaxEntries:  c.maxEntries,
		TTL:         c.ttl,
	}
}

// ListCached returns the cached tool names, most recently used last.
func (c *Cache) ListCached() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Close waits for outstanding snapshot writes.
func (c *Cache) Close() {
	c.persistWG.Wait()
}

// snapshot builds the disk representation under the cache lock.
func (c *Cache) snapshot() map[string]*entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*entry, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			out[key] = e
		}
	}
	return out
}

func (c *Cache) persistAsync() {
	if c.path == "" {
		return
	}
	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		if err := c.persist(); err != nil {
			c.logger.Warn("Schema cache persist failed", zap.Error(err))
		}
	}()
}

// persist writes the whole cache as one JSON object. Writers serialize
// on persistMu and each builds its snapshot after acquiring it, so the
// last write always carries the newest state.
func (c *Cache) persist() error {
	if c.path == "" {
		return nil
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	data, err := json.Marshal(c.snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal schema cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create schema cache directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write schema cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace schema cache: %w", err)
	}
	return nil
}

// loadFromDisk seeds the LRU from the snapshot, newest entries kept
// when the file holds more than maxEntries.
func (c *Cache) loadFromDisk() {
	if c.path == "" {
		return
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to read schema cache file", zap.Error(err))
		}
		return
	}

	var stored map[string]*entry
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("Malformed schema cache file, starting empty", zap.Error(err))
		return
	}

	type named struct {
		name string
		e    *entry
	}
	entries := make([]named, 0, len(stored))
	for name, e := range stored {
		if e == nil || e.Schema == nil {
			continue
		}
		entries = append(entries, named{name, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].e.FetchedAt > entries[j].e.FetchedAt
	})
	if len(entries) > c.maxEntries {
		entries = entries[:c.maxEntries]
	}

	// Insert oldest first so the newest entries end up most recently
	// used.
	c.mu.Lock()
	for i := len(entries) - 1; i >= 0; i-- {
		c.lru.Add(entries[i].name, entries[i].e)
	}
	c.mu.Unlock()

	c.logger.Debug("Schema cache loaded from disk", zap.Int("entries", len(entries)))
}

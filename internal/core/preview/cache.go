// Package preview converts finished artifact paths into terminal-displayable
// renderings, cached under a byte budget with strict LRU eviction. Rendering
// happens on a background worker; callers never block.
package preview

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/logger"
)

// Options select a rendering variant; they are part of the cache key.
type Options struct {
	MaxWidth  int
	MaxHeight int
}

// Renderer is the rendering collaborator: path plus target dimensions in,
// displayable bytes out. It must be safe to call off the UI goroutine.
type Renderer interface {
	Render(path string, opts Options) ([]byte, error)
}

// RenderFunc adapts a function to the Renderer interface.
type RenderFunc func(path string, opts Options) ([]byte, error)

func (f RenderFunc) Render(path string, opts Options) ([]byte, error) {
	return f(path, opts)
}

// Result is delivered once an asynchronous render finishes. Data is the
// rendered bytes on success; Err is set on failure and the path is not
// cached, so a later retry can succeed.
type Result struct {
	Path    string
	Options Options
	Data    []byte
	Err     error
}

// Stats describes current cache occupancy.
type Stats struct {
	Entries     int
	SizeBytes   int
	BudgetBytes int
}

type cacheKey struct {
	path string
	opts Options
}

type cacheEntry struct {
	data       []byte
	size       int
	lastAccess time.Time
}

// Cache is the bounded preview cache plus its render worker. A single lock
// guards the bookkeeping; it is never held across a Render call.
type Cache struct {
	renderer Renderer
	budget   int

	mu       sync.Mutex
	entries  map[cacheKey]*cacheEntry
	size     int
	inflight map[cacheKey]bool
	queue    []cacheKey
	results  []Result

	wake chan struct{}
	done chan struct{}

	now func() time.Time // test hook
}

// NewCache creates a cache with the given byte budget. Call Start to launch
// the render worker.
func NewCache(renderer Renderer, budgetBytes int) *Cache {
	return &Cache{
		renderer: renderer,
		budget:   budgetBytes,
		entries:  make(map[cacheKey]*cacheEntry),
		inflight: make(map[cacheKey]bool),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the background render worker. The worker exits when ctx is
// cancelled; Done is closed once it has stopped.
func (c *Cache) Start(ctx context.Context) {
	go c.workerLoop(ctx)
}

// Done is closed when the render worker has exited.
func (c *Cache) Done() <-chan struct{} { return c.done }

// Request returns the rendering synchronously when hot, refreshing its
// last-access time. Otherwise it enqueues exactly one render per key and
// reports pending; duplicate requests while one is in flight share it.
// The returned bytes are immutable; callers must not modify them.
func (c *Cache) Request(path string, opts Options) (data []byte, pending bool) {
	key := cacheKey{path: filepath.Clean(path), opts: opts}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.lastAccess = c.now()
		return e.data, false
	}
	if !c.inflight[key] {
		c.inflight[key] = true
		c.queue = append(c.queue, key)
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return nil, true
}

// TryRecv pops one completed render result without blocking.
func (c *Cache) TryRecv() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return Result{}, false
	}
	res := c.results[0]
	c.results = c.results[1:]
	return res, true
}

// Clear drops all entries and resets accounting in one critical section.
// In-flight renders complete normally and re-insert afterwards.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*cacheEntry)
	c.size = 0
}

// Stats returns current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), SizeBytes: c.size, BudgetBytes: c.budget}
}

func (c *Cache) workerLoop(ctx context.Context) {
	defer close(c.done)
	logger.Debug("preview worker started", "budget_bytes", c.budget)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("preview worker stopping")
			return
		case <-c.wake:
		}

		for {
			key, ok := c.popRequest()
			if !ok {
				break
			}

			// Render without holding the lock; only bookkeeping is guarded.
			data, err := c.renderer.Render(key.path, key.opts)

			c.mu.Lock()
			delete(c.inflight, key)
			if err != nil {
				// Failed renders are never cached.
				c.results = append(c.results, Result{
					Path:    key.path,
					Options: key.opts,
					Err:     &domain.RenderError{Path: key.path, Err: err},
				})
				c.mu.Unlock()
				logger.Warn("preview render failed", "path", key.path, "error", err)
				continue
			}
			c.insertLocked(key, data)
			c.results = append(c.results, Result{Path: key.path, Options: key.opts, Data: data})
			c.mu.Unlock()
		}
	}
}

func (c *Cache) popRequest() (cacheKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return cacheKey{}, false
	}
	key := c.queue[0]
	c.queue = c.queue[1:]
	return key, true
}

// insertLocked stores a rendering, evicting the least-recently-accessed
// entries one at a time until it fits. An entry larger than the whole budget
// is served but never stored, leaving accounting for other entries intact.
func (c *Cache) insertLocked(key cacheKey, data []byte) {
	size := len(data)
	if size > c.budget {
		logger.Debug("preview exceeds cache budget, not cached", "path", key.path, "size", size)
		return
	}

	for c.size+size > c.budget {
		if !c.evictOldestLocked() {
			break
		}
	}

	c.entries[key] = &cacheEntry{data: data, size: size, lastAccess: c.now()}
	c.size += size
}

func (c *Cache) evictOldestLocked() bool {
	var (
		oldestKey cacheKey
		oldest    *cacheEntry
	)
	for k, e := range c.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return false
	}
	delete(c.entries, oldestKey)
	c.size -= oldest.size
	logger.Debug("preview evicted", "path", oldestKey.path, "size", oldest.size)
	return true
}

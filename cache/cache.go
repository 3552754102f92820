package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/use-agent/evidence/models"
)

// entry holds a cached result with its creation timestamp and the state
// of each artifact file when it was stored.
type entry struct {
	result    *models.CaptureResult
	createdAt time.Time
	files     map[string]fileStamp
}

// fileStamp detects an artifact rewritten in place by a later capture
// that shares its path.
type fileStamp struct {
	size    int64
	modTime time.Time
}

func stampOf(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{size: fi.Size(), modTime: fi.ModTime()}, nil
}

// Cache is a simple in-memory cache for capture results.
// It is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	store      map[string]*entry
	maxEntries int
	ttl        time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// New creates a new Cache with the given maximum number of entries.
// A background goroutine runs every 5 minutes to evict entries older than
// 1 hour. Call Close to stop it.
func New(maxEntries int) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &Cache{
		store:      make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        time.Hour,
		stop:       make(chan struct{}),
	}

	go c.cleanupLoop(5 * time.Minute)
	return c
}

// Key identifies a capture by everything that changes its artifacts.
func Key(url, description, sceneID, outputDir string, padding int) string {
	h := sha256.New()
	for i, part := range []string{url, description, sceneID, outputDir, strconv.Itoa(padding)} {
		if i > 0 {
			h.Write([]byte("|"))
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached result if it exists, is younger than maxAge and
// every artifact it references is still on disk, unchanged since Set.
// maxAge is in milliseconds. If maxAge <= 0, no cache lookup is performed.
func (c *Cache) Get(key string, maxAgeMs int) (*models.CaptureResult, bool) {
	if maxAgeMs <= 0 {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	maxAge := time.Duration(maxAgeMs) * time.Millisecond
	if time.Since(e.createdAt) > maxAge {
		return nil, false
	}

	for path, want := range e.files {
		if got, err := stampOf(path); err != nil || got != want {
			c.mu.Lock()
			if c.store[key] == e {
				delete(c.store, key)
			}
			c.mu.Unlock()
			return nil, false
		}
	}

	return e.result, true
}

// Set stores a result in the cache. Failed results are not cached, nor
// are results whose artifacts cannot be read back. Entries under other
// keys that reference any of the same files are dropped, since those
// files now hold this result's pixels. If the cache is at capacity, a
// random entry is evicted to make room.
func (c *Cache) Set(key string, result *models.CaptureResult) {
	if result == nil || result.Status == models.StatusFailed {
		return
	}

	files := make(map[string]fileStamp)
	for _, path := range result.Artifacts() {
		st, err := stampOf(path)
		if err != nil {
			return
		}
		files[path] = st
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.store {
		if k != key && sharesFile(e, files) {
			delete(c.store, k)
		}
	}

	// Evict one random entry if at capacity (map iteration is random in Go).
	if _, exists := c.store[key]; !exists && len(c.store) >= c.maxEntries {
		for k := range c.store {
			delete(c.store, k)
			break
		}
	}

	c.store[key] = &entry{
		result:    result,
		createdAt: time.Now(),
		files:     files,
	}
}

func sharesFile(e *entry, files map[string]fileStamp) bool {
	for path := range e.files {
		if _, ok := files[path]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop evicts entries older than the TTL on every tick.
func (c *Cache) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *Cache) evictExpired(now time.Time) {
	cutoff := now.Add(-c.ttl)
	c.mu.Lock()
	for k, e := range c.store {
		if e.createdAt.Before(cutoff) {
			delete(c.store, k)
		}
	}
	c.mu.Unlock()
}

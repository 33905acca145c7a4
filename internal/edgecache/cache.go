// Package edgecache implements the in-process read cache fronting the log
// client: request coalescing via singleflight, a store/bypass policy tied
// to the stream's tail state, and ETag-driven conditional responses.
//
// It is a library embedded in the request handler's address space, not a
// standalone reverse proxy - the in-flight registry is a plain
// singleflight.Group because all concurrent readers of the same process
// share it directly.
package edgecache

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MaxInFlight bounds the number of entries held in the stored cache. Once
// reached, store skips new keys; their results are still handed to every
// coalesced caller. The number of concurrent in-flight keys is not capped.
const MaxInFlight = 100_000

// DefaultLinger is how long a resolved, stored entry's in-flight
// registration is kept alive so still-collapsing late arrivals see it.
const DefaultLinger = 200 * time.Millisecond

// Entry is a cached response.
type Entry struct {
	Status      int
	StatusText  string
	Headers     http.Header
	Body        []byte
	ETag        string
	CachedAt    time.Time
	MaxAge      time.Duration
}

// Fresh reports whether the entry is still within its max-age window.
func (e *Entry) Fresh() bool {
	if e == nil {
		return false
	}
	return time.Since(e.CachedAt) < e.MaxAge
}

// Fetcher performs the actual origin read. Implementations wrap
// logclient.Client.ReadStream, translating the raw *http.Response into an
// Entry and a StorePolicy decision.
type Fetcher func() (*Entry, StorePolicy, error)

// StorePolicy says whether a freshly-fetched response should be written
// into the cache.
type StorePolicy int

const (
	// DoNotStore: error responses, at-tail plain GET, long-poll timeout,
	// offset=now, expired-TTL, SSE, non-GET, debug-tagged.
	DoNotStore StorePolicy = iota
	// Store: mid-stream plain GET, long-poll 200 (at-tail or mid-stream).
	Store
)

// Cache is the edge read cache.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry

	inflightMu sync.Mutex
	inflight   map[string]*Entry

	linger time.Duration
}

// New constructs an empty Cache. linger overrides DefaultLinger if > 0.
func New(linger time.Duration) *Cache {
	if linger <= 0 {
		linger = DefaultLinger
	}
	return &Cache{
		entries:  make(map[string]*Entry),
		inflight: make(map[string]*Entry),
		linger:   linger,
	}
}

// Outcome reports how a Get call was satisfied, for the X-Cache header.
type Outcome int

const (
	Miss Outcome = iota
	Hit
	// Bypass is a debug-tagged (X-Debug-Coalesce) request: lookup, storage,
	// and coalescing are all skipped, and no X-Cache header is emitted.
	Bypass
	// NoCacheBypass is a Cache-Control: no-cache request: lookup is skipped
	// (the caller always hits the origin, through coalescing) but the
	// result is still stored for subsequent requests, and callers emit
	// X-Cache: BYPASS.
	NoCacheBypass
)

// Get resolves key either from cache, from an in-flight coalesced fetch, or
// by invoking fetch. noCache forces a bypass of the stored-entry lookup
// (but not of coalescing) per a request's Cache-Control: no-cache header;
// debugBypass additionally skips coalescing and storage entirely.
func (c *Cache) Get(key string, noCache, debugBypass bool, fetch Fetcher) (*Entry, Outcome, error) {
	if debugBypass {
		entry, _, err := fetch()
		return entry, Bypass, err
	}

	if !noCache {
		if entry := c.lookup(key); entry != nil {
			return entry, Hit, nil
		}
	}

	// singleflight.Do already gives us "at most one origin call per key,
	// fan the result out to all waiters" - exactly the coalescing property.
	// The shared flag reports whether the result went to more than one
	// caller; it is true for the caller that ran fetch as well, so every
	// caller of a coalesced fetch reports Hit.
	v, err, shared := c.group.Do(key, func() (any, error) {
		entry, policy, ferr := fetch()
		if ferr != nil {
			return nil, ferr
		}
		stored := false
		if policy == Store {
			stored = c.store(key, entry)
		}
		c.scheduleInflightCleanup(key, entry, stored)
		return entry, nil
	})
	if err != nil {
		return nil, Miss, err
	}

	entry := v.(*Entry)
	outcome := Miss
	if shared {
		outcome = Hit
	}
	if noCache {
		outcome = NoCacheBypass
	}
	return entry, outcome, nil
}

func (c *Cache) lookup(key string) *Entry {
	c.mu.RLock()
	entry := c.entries[key]
	c.mu.RUnlock()
	if entry != nil && entry.Fresh() {
		return entry
	}

	// Fall back to the lingering in-flight registry: a result stored within
	// the last linger window is served from there even if its stored entry
	// is no longer fresh.
	c.inflightMu.Lock()
	lingering := c.inflight[key]
	c.inflightMu.Unlock()
	return lingering
}

// store writes entry into the long-lived cache and reports whether it was
// actually stored; the soft MaxInFlight cap means storage can be skipped
// under pressure even when policy says Store.
func (c *Cache) store(key string, entry *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= MaxInFlight {
		return false
	}
	entry.CachedAt = time.Now()
	c.entries[key] = entry
	return true
}

// scheduleInflightCleanup implements the linger/replace-guard behavior
// singleflight.Group doesn't provide on its own: a stored result's
// in-flight registration lingers briefly so near-simultaneous late arrivals
// still collapse into it, while a result that was not stored (at-tail
// reads, 204s, 404s, or a store skipped at the MaxInFlight cap) is never
// registered, so a stale body is never handed out.
func (c *Cache) scheduleInflightCleanup(key string, entry *Entry, stored bool) {
	if !stored {
		return
	}

	c.inflightMu.Lock()
	c.inflight[key] = entry
	c.inflightMu.Unlock()

	time.AfterFunc(c.linger, func() {
		c.inflightMu.Lock()
		defer c.inflightMu.Unlock()
		// Replace-guard: only remove if this is still the entry we registered,
		// so a subsequent in-flight fetch under the same key during the linger
		// window isn't torn down by this stale timer.
		if c.inflight[key] == entry {
			delete(c.inflight, key)
		}
	})
}

// Invalidate removes key from the cache immediately. Not part of the normal
// request path - stale entries expire via MaxAge/ETag instead - but useful
// for tests and administrative purposes.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of stored entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

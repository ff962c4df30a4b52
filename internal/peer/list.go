package peer

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MaxPeers is the default bound on peer-list size without a large-map
// backend (spec §4.3: "1024 without a large-map backend, ~1M with one").
// ttlcache's own LRU eviction scales to the larger figure without a
// separate code path, so only the smaller default is exercised here.
const MaxPeers = 1024

// List is the bounded, per-entry-locked peer table. It is internally
// synchronized; callers hold at most one entry's lock at a time via the
// *Entry returned from Lookup/Upsert, released with Release.
type List struct {
	mu    sync.RWMutex // guards swapping the underlying cache on Reset
	cache *ttlcache.Cache[string, *Entry]
	ttl   time.Duration
}

// New constructs a List bounded at capacity entries, each expiring
// validLifetime after its last touch (ttlcache.WithTTL resets on Get, so
// callers must also consult Entry.Valid against last_rx for the exact
// semantics spec §3 describes).
func New(capacity uint64, validLifetime time.Duration) *List {
	l := &List{ttl: validLifetime}
	l.cache = newCache(capacity, validLifetime)
	go l.cache.Start()
	return l
}

func newCache(capacity uint64, ttl time.Duration) *ttlcache.Cache[string, *Entry] {
	return ttlcache.New[string, *Entry](
		ttlcache.WithCapacity[string, *Entry](capacity),
		ttlcache.WithTTL[string, *Entry](ttl),
	)
}

// Lookup returns a locked reference to an existing entry, or nil if none
// exists. The caller must call Release when done.
func (l *List) Lookup(key string) *Entry {
	l.mu.RLock()
	cache := l.cache
	l.mu.RUnlock()

	item := cache.Get(key)
	if item == nil {
		return nil
	}
	e := item.Value()
	e.lock()
	return e
}

// Upsert returns a locked reference to the entry for key, inserting a
// zeroed entry if absent. created reports whether a new entry was
// allocated.
func (l *List) Upsert(key string) (entry *Entry, created bool) {
	l.mu.RLock()
	cache := l.cache
	l.mu.RUnlock()

	fresh := newEntry(key)
	item, existed := cache.GetOrSet(key, fresh)
	e := item.Value()
	e.lock()
	return e, !existed
}

// Release releases the per-entry lock obtained via Lookup/Upsert. It must
// be called before any operation that may acquire the tunnel's
// qualification write lock (strict lock-ordering rule, spec §5).
func (l *List) Release(e *Entry) {
	e.unlock()
}

// Reset drops all entries and, if newCapacity is nonzero, rebuilds the
// list with that capacity. Used on qualification-up per spec §4.3.
func (l *List) Reset(newCapacity uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.cache
	if newCapacity == 0 {
		old.DeleteAll()
		return
	}
	old.Stop()
	l.cache = newCache(newCapacity, l.ttl)
	go l.cache.Start()
}

// Len reports the current number of entries, for metrics and tests.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache.Len()
}

// Close stops the underlying cache's background janitor.
func (l *List) Close() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.cache.Stop()
}

package patterncache

import (
	"container/list"
	"log"
	"time"
)

// poisonThreshold is the number of consecutive penalties after which an
// entry is treated as poisoned and removed, so a bad fix is not repeatedly
// offered. A successful Record resets the count.
const poisonThreshold = 3

// Fix is an accepted repair: the replacement text the backend produced and
// the patch it was derived from. The patch is what gets re-applied when
// the same signature shows up in a different file.
type Fix struct {
	// Replacement is the full corrected text the fix produced.
	Replacement string

	// Patch is the serialized diff the fix was derived from, in
	// diff-match-patch text format.
	Patch string
}

// Entry is one cached fix with its bookkeeping.
type Entry struct {
	// Signature is the content-addressed key; see Signature.
	Signature string

	// Fix is the accepted repair.
	Fix Fix

	// Confidence counts the times this fix was applied without the same
	// diagnostic re-triggering.
	Confidence int

	// LastUsed is when the entry was last looked up or recorded, used
	// for recency-based eviction.
	LastUsed time.Time

	// penalties counts consecutive verification failures since the last
	// successful use.
	penalties int
}

// Store persists cache entries across restarts. Implemented by
// storage.PatternStore. A nil Store disables persistence.
type Store interface {
	SavePattern(e Entry) error
	DeletePattern(signature string) error
	LoadPatterns() ([]Entry, error)
}

// Cache is the in-memory pattern cache. Its methods are plain mutations
// with no internal locking: all access is serialized through the Owner
// goroutine, which is the only holder of a *Cache.
type Cache struct {
	capacity int
	entries  map[string]*list.Element // signature -> element holding *Entry
	lruList  *list.List               // front = most recently used
	store    Store
	now      func() time.Time
}

// NewCache creates a cache bounded to capacity entries. If store is
// non-nil, previously persisted entries are loaded best-effort (a broken
// store logs and starts empty, never fails startup) and every mutation is
// written through.
func NewCache(capacity int, store Store) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lruList:  list.New(),
		store:    store,
		now:      time.Now,
	}
	c.load()
	return c
}

// load seeds the cache from the store, oldest entries first so the LRU
// order mirrors the persisted LastUsed timestamps.
func (c *Cache) load() {
	if c.store == nil {
		return
	}
	entries, err := c.store.LoadPatterns()
	if err != nil {
		log.Printf("patterncache: load failed, starting empty: %v", err)
		return
	}
	for i := range entries {
		e := entries[i]
		if e.Signature == "" {
			continue
		}
		elem := c.lruList.PushFront(&e)
		c.entries[e.Signature] = elem
		for c.lruList.Len() > c.capacity {
			c.evictOldest()
		}
	}
	if n := len(c.entries); n > 0 {
		log.Printf("patterncache: loaded %d persisted entries", n)
	}
}

// Lookup returns the fix cached for signature, if any. A hit refreshes the
// entry's recency, in memory and in the store, so the warm-up order after a
// restart matches what the running cache would have evicted; a miss has no
// side effects.
func (c *Cache) Lookup(signature string) (Fix, bool) {
	elem, ok := c.entries[signature]
	if !ok {
		return Fix{}, false
	}
	e := elem.Value.(*Entry)
	e.LastUsed = c.now()
	c.lruList.MoveToFront(elem)
	c.persist(e)
	return e.Fix, true
}

// Record inserts or refreshes the entry for signature. A refresh bumps
// confidence and clears any accumulated penalties; an insert starts at
// confidence 1. The capacity bound is enforced by evicting the least
// recently used entry.
func (c *Cache) Record(signature string, fix Fix) {
	if elem, ok := c.entries[signature]; ok {
		e := elem.Value.(*Entry)
		e.Fix = fix
		e.Confidence++
		e.penalties = 0
		e.LastUsed = c.now()
		c.lruList.MoveToFront(elem)
		c.persist(e)
		return
	}

	e := &Entry{
		Signature:  signature,
		Fix:        fix,
		Confidence: 1,
		LastUsed:   c.now(),
	}
	c.entries[signature] = c.lruList.PushFront(e)
	c.persist(e)

	for c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
}

// Penalize notes that the cached fix for signature was applied but the
// same diagnostic persisted. Three consecutive penalties without an
// intervening successful Record remove the entry. Reports whether the
// entry was evicted.
func (c *Cache) Penalize(signature string) bool {
	elem, ok := c.entries[signature]
	if !ok {
		return false
	}
	e := elem.Value.(*Entry)
	e.penalties++
	if e.Confidence > 0 {
		e.Confidence--
	}
	if e.penalties >= poisonThreshold {
		log.Printf("patterncache: evicting poisoned entry %.12s after %d penalties", signature, e.penalties)
		c.remove(elem)
		return true
	}
	c.persist(e)
	return false
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

func (c *Cache) evictOldest() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*Entry)
	log.Printf("patterncache: capacity reached, evicting %.12s", e.Signature)
	c.remove(elem)
}

func (c *Cache) remove(elem *list.Element) {
	e := elem.Value.(*Entry)
	c.lruList.Remove(elem)
	delete(c.entries, e.Signature)
	if c.store != nil {
		if err := c.store.DeletePattern(e.Signature); err != nil {
			log.Printf("patterncache: delete %.12s from store: %v", e.Signature, err)
		}
	}
}

func (c *Cache) persist(e *Entry) {
	if c.store == nil {
		return
	}
	if err := c.store.SavePattern(*e); err != nil {
		log.Printf("patterncache: persist %.12s: %v", e.Signature, err)
	}
}

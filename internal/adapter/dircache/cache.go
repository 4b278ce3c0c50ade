// Package dircache decorates a station directory with an in-memory LRU
// cache whose entries expire after a TTL.
package dircache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/observability"
)

// Directory caches station links, mapping lists and observers from inner.
// It implements ingest.Directory.
type Directory struct {
	inner     ingest.Directory
	stations  *lruCache[domain.StationLink]
	mappings  *lruCache[[]domain.VariableMapping]
	observers *lruCache[domain.Observer]
	metrics   *observability.Metrics
}

// New wraps inner. Each kind of entry holds at most maxEntries items, each
// valid for ttl as measured by clock.
func New(inner ingest.Directory, maxEntries int, ttl time.Duration, clock domain.Clock, metrics *observability.Metrics) *Directory {
	if clock == nil {
		clock = domain.NewRealClock()
	}
	return &Directory{
		inner:     inner,
		stations:  newLRUCache[domain.StationLink](maxEntries, ttl, clock),
		mappings:  newLRUCache[[]domain.VariableMapping](maxEntries, ttl, clock),
		observers: newLRUCache[domain.Observer](maxEntries, ttl, clock),
		metrics:   metrics,
	}
}

func (d *Directory) GetStationLink(ctx context.Context, id int64) (*domain.StationLink, error) {
	key := fmt.Sprintf("station:%d", id)
	if st, ok := d.stations.get(key); ok {
		d.observe("station", "hit")
		return &st, nil
	}
	d.observe("station", "miss")
	st, err := d.inner.GetStationLink(ctx, id)
	if err != nil || st == nil {
		// Misses are not cached so a newly configured station shows up at once.
		return st, err
	}
	d.stations.put(key, *st)
	return st, nil
}

func (d *Directory) GetVariableMappings(ctx context.Context, stationLinkID int64) ([]domain.VariableMapping, error) {
	key := fmt.Sprintf("mappings:%d", stationLinkID)
	if ms, ok := d.mappings.get(key); ok {
		d.observe("mappings", "hit")
		return slices.Clone(ms), nil
	}
	d.observe("mappings", "miss")
	ms, err := d.inner.GetVariableMappings(ctx, stationLinkID)
	if err != nil || len(ms) == 0 {
		return ms, err
	}
	d.mappings.put(key, slices.Clone(ms))
	return ms, nil
}

func (d *Directory) GetObserver(ctx context.Context, stationLinkID int64, userID string) (*domain.Observer, error) {
	key := fmt.Sprintf("observer:%d|%s", stationLinkID, userID)
	if o, ok := d.observers.get(key); ok {
		d.observe("observer", "hit")
		return &o, nil
	}
	d.observe("observer", "miss")
	o, err := d.inner.GetObserver(ctx, stationLinkID, userID)
	if err != nil || o == nil {
		return o, err
	}
	d.observers.put(key, *o)
	return o, nil
}

// Purge drops every cached entry.
func (d *Directory) Purge() {
	d.stations.purge()
	d.mappings.purge()
	d.observers.purge()
}

func (d *Directory) observe(kind, result string) {
	if d.metrics != nil {
		d.metrics.DirectoryCache.WithLabelValues(kind, result).Inc()
	}
}

// lruCache is a thread-safe LRU cache whose entries expire after ttl.
type lruCache[V any] struct {
	maxEntries int
	ttl        time.Duration
	clock      domain.Clock
	mu         sync.Mutex
	entries    map[string]*entry[V]
	head       *entry[V] // most recently used
	tail       *entry[V] // least recently used
}

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
	prev    *entry[V]
	next    *entry[V]
}

func newLRUCache[V any](maxEntries int, ttl time.Duration, clock domain.Clock) *lruCache[V] {
	return &lruCache[V]{
		maxEntries: maxEntries,
		ttl:        ttl,
		clock:      clock,
		entries:    make(map[string]*entry[V]),
	}
}

func (c *lruCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.ttl > 0 && !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		c.remove(e)
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.clock.Now().Add(c.ttl)
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expires = expires
		c.moveToFront(e)
		return
	}

	e := &entry[V]{key: key, value: value, expires: expires}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.head, c.tail = nil, nil
}

func (c *lruCache[V]) moveToFront(e *entry[V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[V]) addToFront(e *entry[V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[V]) remove(e *entry[V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}

package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	eventbus "github.com/always-cache/sswr/pkg/event-bus"
	"github.com/always-cache/sswr/pkg/observable"
)

// DefaultGrace is the teardown grace used when an entry is created without an
// explicit one.
const DefaultGrace = 6*time.Second + 100*time.Millisecond

// Config carries the collaborators of a StorageCache.
type Config[V any] struct {
	// Store persists items across restarts. Defaults to NopStore.
	Store Store
	// Bus provides the focus, online and storage channels. May be nil.
	Bus *eventbus.Bus
	// Clock is the time source. Defaults to the real clock.
	Clock clockwork.Clock
	// Logger for diagnostics. Defaults to a no-op logger.
	Logger *zerolog.Logger
	// Revalidate is called when an entry wants its value refreshed:
	// on focus and online events while subscribed. The item is the entry's
	// current item at the time of the event, possibly nil.
	Revalidate func(key string, item *Item[V], force bool)
}

// StorageCache owns the map of cache entries, reconciles it with the
// persistent store, initializes entries and destroys idle ones.
type StorageCache[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]

	store      Store
	bus        *eventbus.Bus
	clock      clockwork.Clock
	log        zerolog.Logger
	revalidate func(key string, item *Item[V], force bool)

	storageSub *observable.Subscription
}

// EntryOptions configures entry creation in GetOrInit.
type EntryOptions[V any] struct {
	// InitialData seeds the entry when the store has nothing usable.
	// It is stored with ExpiresAt 0, so it counts as expired and the next
	// revalidation check still fetches.
	InitialData *V
	// Grace overrides the teardown grace for this entry.
	Grace time.Duration
}

// NewStorageCache creates the cache and subscribes it to storage events on
// the bus.
func NewStorageCache[V any](config Config[V]) *StorageCache[V] {
	c := &StorageCache[V]{
		entries:    make(map[string]*Entry[V]),
		store:      config.Store,
		bus:        config.Bus,
		clock:      config.Clock,
		revalidate: config.Revalidate,
	}
	if c.store == nil {
		c.store = NopStore{}
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if config.Logger != nil {
		c.log = *config.Logger
	} else {
		c.log = zerolog.Nop()
	}

	c.storageSub = c.bus.Storage().Subscribe(observable.Observer[eventbus.StorageEvent]{
		Next: func(ev eventbus.StorageEvent) {
			if _, ok := inNamespace(ev.Key); ok && ev.NewValue != ev.OldValue {
				c.SyncWithStorage()
			}
		},
	})

	return c
}

// GetOrInit returns the live entry for the key, creating one if there is
// none. A stopped entry is replaced with a fresh one.
func (c *StorageCache[V]) GetOrInit(key string, opts EntryOptions[V]) *Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.Stopped() {
		return e
	}
	e := c.initEntry(key, opts)
	c.entries[key] = e
	return e
}

// Len returns the number of entries in the map, stopped or not.
func (c *StorageCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Lookup returns the live entry for the key, if any.
func (c *StorageCache[V]) Lookup(key string) (*Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.Stopped() {
		return nil, false
	}
	return e, true
}

// initEntry sets up the streams of a new entry. Initial data is taken from a
// non-expired item in the store, else from the given initial data.
func (c *StorageCache[V]) initEntry(key string, opts EntryOptions[V]) *Entry[V] {
	var initial *Item[V]
	if item, ok := c.loadStored(key); ok {
		initial = item
	} else if opts.InitialData != nil {
		initial = &Item[V]{Data: *opts.InitialData, ExpiresAt: 0}
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Entry[V]{
		cache:      c,
		key:        key,
		grace:      grace,
		source:     observable.NewBehaviorValue(initial),
		errors:     observable.NewBehaviorValue[error](nil),
		validating: observable.NewBehaviorValue(false),
	}
}

// loadStored reads the persisted item for the key. Expired or unreadable
// items are purged.
func (c *StorageCache[V]) loadStored(key string) (*Item[V], bool) {
	raw, ok, err := c.store.Get(namespaced(key))
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not read from store")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var item Item[V]
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Dropping unreadable stored item")
		c.removeStored(key)
		return nil, false
	}
	if item.Expired(c.clock.Now()) {
		c.removeStored(key)
		return nil, false
	}
	return &item, true
}

// persist writes an item to the store. Store errors do not affect in-memory
// behavior.
func (c *StorageCache[V]) persist(key string, item *Item[V]) {
	raw, err := json.Marshal(item)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not serialize item")
		return
	}
	if err := c.store.Set(namespaced(key), string(raw)); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not write to store")
	}
	c.log.Trace().Str("key", key).Int64("expiresAt", item.ExpiresAt).Msg("Store write")
}

func (c *StorageCache[V]) removeStored(key string) {
	if err := c.store.Remove(namespaced(key)); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not remove from store")
	}
}

// SyncWithStorage reconciles in-memory entries with the persistent store:
// expired stored items are pruned, and a stored item with a strictly larger
// expiry than the in-memory one is pushed to the entry's source.
func (c *StorageCache[V]) SyncWithStorage() {
	all, err := c.store.GetAll()
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not enumerate store")
		return
	}
	now := c.clock.Now()
	for storeKey, raw := range all {
		key, ok := inNamespace(storeKey)
		if !ok {
			continue
		}
		var item Item[V]
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Dropping unreadable stored item")
			c.removeStored(key)
			continue
		}
		if item.Expired(now) {
			c.removeStored(key)
			continue
		}
		e, ok := c.Lookup(key)
		if !ok {
			continue
		}
		if current := e.Item(); current == nil || item.ExpiresAt > current.ExpiresAt {
			c.log.Trace().Str("key", key).Msg("Adopting stored item")
			e.source.Next(&item)
		}
	}
}

// StopAndDelete destroys the entry for the key: its streams complete, it is
// removed from the map, and its persisted copy is removed if expired.
func (c *StorageCache[V]) StopAndDelete(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		c.stopAndDelete(e)
	}
}

// reap is the teardown timer callback. The entry is destroyed only if it is
// still idle and no fetch is in flight.
func (c *StorageCache[V]) reap(e *Entry[V]) {
	e.mu.Lock()
	idle := e.refcount == 0 && !e.stopped
	e.mu.Unlock()
	if !idle {
		return
	}
	if validating, _ := e.validating.Value(); validating {
		return
	}
	c.log.Trace().Str("key", e.key).Msg("Destroying idle entry")
	c.stopAndDelete(e)
}

func (c *StorageCache[V]) stopAndDelete(e *Entry[V]) {
	c.mu.Lock()
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.cancelTeardownLocked()
	e.unsubscribeEventsLocked()
	e.mu.Unlock()

	if item := e.Item(); item == nil || item.Expired(c.clock.Now()) {
		c.removeStored(e.key)
	}
	e.source.Complete()
	e.errors.Complete()
	e.validating.Complete()
}

// FailAndStop terminates an entry that never got data: the source errors out,
// the error stream completes, and the next GetOrInit creates a fresh entry.
func (c *StorageCache[V]) FailAndStop(key string, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.cancelTeardownLocked()
	e.unsubscribeEventsLocked()
	e.mu.Unlock()

	e.source.Error(err)
	e.errors.Complete()
	e.validating.Complete()
}

// Close detaches the cache from the bus and destroys all entries.
func (c *StorageCache[V]) Close() {
	c.storageSub.Unsubscribe()
	c.mu.Lock()
	entries := make([]*Entry[V], 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	for _, e := range entries {
		c.stopAndDelete(e)
	}
}

package core

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/always-cache/sswr/pkg/observable"
)

// Entry holds the per-key state of the cache. All transitions are driven by
// the owning StorageCache and the facade; the entry itself has no independent
// behavior.
type Entry[V any] struct {
	mu    sync.Mutex
	cache *StorageCache[V]
	key   string
	// grace is how long the entry is kept after its last subscriber leaves.
	grace time.Duration

	source     *observable.Behavior[*Item[V]]
	errors     *observable.Behavior[error]
	validating *observable.Behavior[bool]

	refcount  int
	teardown  clockwork.Timer
	eventSubs []*observable.Subscription
	stopped   bool
}

// Key returns the cache key the entry is stored under.
func (e *Entry[V]) Key() string { return e.key }

// Source is the latest-value broadcast of the current item.
// A nil item means no value is known yet.
func (e *Entry[V]) Source() *observable.Behavior[*Item[V]] { return e.source }

// Errors is the latest-value broadcast of the last fetch error.
// It is cleared to nil on a successful fetch.
func (e *Entry[V]) Errors() *observable.Behavior[error] { return e.errors }

// Validating is the latest-value broadcast of whether a fetch is outstanding.
func (e *Entry[V]) Validating() *observable.Behavior[bool] { return e.validating }

// Stopped reports whether the entry has been discarded. A stopped entry emits
// no further values; the next GetOrInit for its key creates a fresh one.
func (e *Entry[V]) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Item returns the current item, or nil if none is known.
func (e *Entry[V]) Item() *Item[V] {
	item, _ := e.source.Value()
	return item
}

// Data is the derived stream consumers subscribe to. Per subscription it
// increments the entry refcount, emits source items with nil filtered out and
// projected to their data, persists every emitted item, and on the last
// unsubscribe arms the teardown timer.
func (e *Entry[V]) Data() observable.Source[V] {
	return dataStream[V]{entry: e}
}

type dataStream[V any] struct {
	entry *Entry[V]
}

func (d dataStream[V]) Subscribe(o observable.Observer[V]) *observable.Subscription {
	e := d.entry
	c := e.cache

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return e.subscribeSource(o)
	}
	e.refcount++
	if e.refcount == 1 {
		e.cancelTeardownLocked()
		e.subscribeEventsLocked()
	}
	e.mu.Unlock()

	srcSub := e.subscribeSource(o)

	return observable.NewSubscription(func() {
		srcSub.Unsubscribe()
		e.mu.Lock()
		e.refcount--
		if e.refcount == 0 && !e.stopped {
			e.unsubscribeEventsLocked()
			e.armTeardownLocked(c)
		}
		e.mu.Unlock()
	})
}

// subscribeSource connects an observer to the underlying source stream with
// the nil filter, the persistence tap and the data projection applied.
func (e *Entry[V]) subscribeSource(o observable.Observer[V]) *observable.Subscription {
	return e.source.Subscribe(observable.Observer[*Item[V]]{
		Next: func(item *Item[V]) {
			if item == nil {
				return
			}
			e.cache.persist(e.key, item)
			if o.Next != nil {
				o.Next(item.Data)
			}
		},
		Err:      o.Err,
		Complete: o.Complete,
	})
}

// subscribeEventsLocked connects the focus and online channels to the
// revalidation callback. Caller must hold e.mu.
func (e *Entry[V]) subscribeEventsLocked() {
	c := e.cache
	revalidate := observable.Observer[struct{}]{Next: func(struct{}) {
		if c.revalidate != nil {
			c.revalidate(e.key, e.Item(), false)
		}
	}}
	e.eventSubs = []*observable.Subscription{
		c.bus.Focus().Subscribe(revalidate),
		c.bus.Online().Subscribe(revalidate),
	}
}

func (e *Entry[V]) unsubscribeEventsLocked() {
	for _, sub := range e.eventSubs {
		sub.Unsubscribe()
	}
	e.eventSubs = nil
}

func (e *Entry[V]) cancelTeardownLocked() {
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
}

// armTeardownLocked schedules destruction of the idle entry after the grace
// period. Caller must hold e.mu.
func (e *Entry[V]) armTeardownLocked(c *StorageCache[V]) {
	e.cancelTeardownLocked()
	e.teardown = c.clock.AfterFunc(e.grace, func() {
		c.reap(e)
	})
}

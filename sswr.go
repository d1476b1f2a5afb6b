// Package sswr is a stale-while-revalidate data cache. Consumers declare an
// interest in a resource identified by fetch arguments and get back reactive
// streams that emit the latest known value immediately and revalidate it in
// the background: on expiry, on focus and online signals, on cross-context
// storage changes, and on explicit request. Entries can also be mutated
// locally for optimistic updates.
package sswr

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/sswr/core"
	cachekey "github.com/always-cache/sswr/pkg/cache-key"
	eventbus "github.com/always-cache/sswr/pkg/event-bus"
	"github.com/always-cache/sswr/pkg/observable"
)

// Fetcher produces a fresh value for the given fetch arguments.
// A returned error marks the attempt as failed.
type Fetcher[V any] func(ctx context.Context, args ...any) (V, error)

// SWR is the cache facade. Create one with New and share it; all methods are
// safe for concurrent use.
type SWR[V any] struct {
	fetcher Fetcher[V]
	cache   *core.StorageCache[V]
	bus     *eventbus.Bus
	clock   clockwork.Clock
	log     zerolog.Logger
	config  Config
	group   singleflight.Group
	ctx     context.Context
}

// Response is what a Use call hands back to the consumer. The streams are
// bound to the cache entry for the resolved key; Mutate is bound to the same
// key.
type Response[V any] struct {
	// Data emits the cached values, most recent first on subscribe.
	// Subscribing keeps the entry alive and revalidating.
	Data observable.Source[V]
	// Err emits the last fetch error, or nil once a fetch succeeds.
	Err observable.Source[error]
	// IsValidating emits true while a fetch is outstanding.
	IsValidating observable.Source[bool]
	// Mutate updates the cached value for this key.
	Mutate func(MutateOptions[V]) (V, error)
}

// New creates a cache around the given fetcher.
func New[V any](fetcher Fetcher[V], config Config) *SWR[V] {
	s := &SWR[V]{
		fetcher: fetcher,
		bus:     config.Bus,
		clock:   config.Clock,
		config:  config.withDefaults(),
		ctx:     context.Background(),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if config.Logger != nil {
		s.log = *config.Logger
	} else {
		s.log = zerolog.Nop()
	}
	s.cache = core.NewStorageCache(core.Config[V]{
		Store:  config.Store,
		Bus:    config.Bus,
		Clock:  s.clock,
		Logger: &s.log,
		Revalidate: func(key string, item *core.Item[V], force bool) {
			s.revalidate(key, item, force, s.resolveUse(UseOptions[V]{}))
		},
	})
	return s
}

// Use declares an interest in the resource identified by args and returns
// streams for it. A single scalar argument and a tuple are both accepted.
// If no value is cached, or the cached one has expired, a fetch is kicked off
// in the background.
func (s *SWR[V]) Use(args ...any) *Response[V] {
	return s.UseWith(UseOptions[V]{}, args...)
}

// UseWith is Use with per-call options.
func (s *SWR[V]) UseWith(opts UseOptions[V], args ...any) *Response[V] {
	key, err := cachekey.Encode(args)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not resolve cache key")
		return s.inertResponse()
	}
	return s.useKey(key, opts)
}

// UseFunc resolves the fetch arguments through a factory. If the factory
// returns an error or panics, the key is considered not ready: the returned
// streams never emit and Mutate is a no-op. This is the mechanism for
// conditional and dependent fetches.
func (s *SWR[V]) UseFunc(factory func() ([]any, error), opts UseOptions[V]) *Response[V] {
	args, err := resolveArgs(factory)
	if err != nil {
		s.log.Trace().Err(err).Msg("Cache key not ready")
		return s.inertResponse()
	}
	return s.UseWith(opts, args...)
}

func resolveArgs(factory func() ([]any, error)) (args []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("key factory panicked: %v", r)
		}
	}()
	return factory()
}

func (s *SWR[V]) useKey(key string, opts UseOptions[V]) *Response[V] {
	o := s.resolveUse(opts)
	e := s.cache.GetOrInit(key, core.EntryOptions[V]{
		InitialData: opts.InitialData,
		Grace:       o.DedupingInterval + teardownSlack,
	})
	resp := &Response[V]{
		Data:         e.Data(),
		Err:          e.Errors(),
		IsValidating: e.Validating(),
		Mutate: func(m MutateOptions[V]) (V, error) {
			return s.mutateKey(key, m, o)
		},
	}
	s.revalidate(key, e.Item(), false, o)
	return resp
}

// Mutate replaces the cached value for the given arguments, per the data
// options, and optionally triggers a revalidation. It returns the resolved
// data; with no data option it returns the current data, kicking a
// revalidation by default.
func (s *SWR[V]) Mutate(args []any, opts MutateOptions[V]) (V, error) {
	key, err := cachekey.Encode(args)
	if err != nil {
		var zero V
		return zero, err
	}
	return s.mutateKey(key, opts, s.resolveUse(UseOptions[V]{}))
}

func (s *SWR[V]) mutateKey(key string, m MutateOptions[V], o UseOptions[V]) (V, error) {
	e := s.cache.GetOrInit(key, core.EntryOptions[V]{
		Grace: o.DedupingInterval + teardownSlack,
	})
	prior := e.Item()
	var data V
	if prior != nil {
		data = prior.Data
	}

	hasData := m.Data != nil || m.DataFrom != nil || m.DataAwait != nil
	if hasData {
		switch {
		case m.Data != nil:
			data = *m.Data
		case m.DataFrom != nil:
			data = m.DataFrom(data)
		case m.DataAwait != nil:
			e.Validating().Next(true)
			resolved, err := m.DataAwait(s.ctx)
			e.Validating().Next(false)
			if err != nil {
				var zero V
				return zero, err
			}
			data = resolved
		}
		item := core.NewItem(data, s.clock.Now(), o.DedupingInterval)
		e.Source().Next(&item)
	}

	// With no data given the intent is a refresh, so revalidation defaults
	// to on. An explicit option always wins.
	shouldRevalidate := !hasData
	if m.Revalidate != nil {
		shouldRevalidate = *m.Revalidate
	}
	if shouldRevalidate {
		s.revalidate(key, prior, true, o)
	}
	return data, nil
}

// Revalidate forces a background refresh of the entry for the given
// arguments. Unknown keys are ignored.
func (s *SWR[V]) Revalidate(args ...any) {
	key, err := cachekey.Encode(args)
	if err != nil {
		return
	}
	if e, ok := s.cache.Lookup(key); ok {
		s.revalidate(key, e.Item(), true, s.resolveUse(UseOptions[V]{}))
	}
}

// revalidate kicks a fetch iff forced, no item is cached, or the cached item
// has expired.
func (s *SWR[V]) revalidate(key string, item *core.Item[V], force bool, opts UseOptions[V]) {
	if !force && item != nil && !item.Expired(s.clock.Now()) {
		return
	}
	go s.requestData(key, force, opts)
}

// Close destroys all entries and completes their streams.
func (s *SWR[V]) Close() {
	s.cache.Close()
}

func (s *SWR[V]) inertResponse() *Response[V] {
	return &Response[V]{
		Data:         observable.Never[V](),
		Err:          observable.Never[error](),
		IsValidating: observable.Never[bool](),
		Mutate: func(MutateOptions[V]) (V, error) {
			var zero V
			return zero, nil
		},
	}
}

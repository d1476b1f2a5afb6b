package sswr

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/always-cache/sswr/core"
	eventbus "github.com/always-cache/sswr/pkg/event-bus"
)

// teardownSlack is added to the deduping interval to form the grace period an
// idle entry is held before it is destroyed.
const teardownSlack = 100 * time.Millisecond

const (
	// DefaultDedupingInterval is the lifetime granted to a freshly fetched
	// item, during which further Use calls reuse it without refetching.
	DefaultDedupingInterval = 6 * time.Second
	// DefaultErrorRetryInterval is the delay between retries on fetch
	// failure.
	DefaultErrorRetryInterval = 5 * time.Second
	// DefaultErrorRetryCount is the total number of fetch attempts before
	// giving up.
	DefaultErrorRetryCount = 3
)

// Config configures a cache instance. The zero value is usable: no
// persistence, a silent event bus, the real clock and no logging.
type Config struct {
	// Store persists items across restarts. Nil disables persistence.
	Store core.Store
	// Bus provides the focus, online and storage signals. Nil means the
	// environment has none of them.
	Bus *eventbus.Bus
	// Clock is the time source, injectable for tests.
	Clock clockwork.Clock
	// Logger for diagnostics.
	Logger *zerolog.Logger

	DedupingInterval   time.Duration
	ErrorRetryInterval time.Duration
	ErrorRetryCount    int
}

func (c Config) withDefaults() Config {
	if c.DedupingInterval <= 0 {
		c.DedupingInterval = DefaultDedupingInterval
	}
	if c.ErrorRetryInterval <= 0 {
		c.ErrorRetryInterval = DefaultErrorRetryInterval
	}
	if c.ErrorRetryCount <= 0 {
		c.ErrorRetryCount = DefaultErrorRetryCount
	}
	return c
}

// UseOptions override the cache-level defaults for a single Use call.
type UseOptions[V any] struct {
	// InitialData seeds the entry if neither memory nor the store has a
	// value. It is treated as immediately stale, so a fetch is still
	// triggered.
	InitialData *V

	DedupingInterval   time.Duration
	ErrorRetryInterval time.Duration
	ErrorRetryCount    int
}

func (s *SWR[V]) resolveUse(opts UseOptions[V]) UseOptions[V] {
	if opts.DedupingInterval <= 0 {
		opts.DedupingInterval = s.config.DedupingInterval
	}
	if opts.ErrorRetryInterval <= 0 {
		opts.ErrorRetryInterval = s.config.ErrorRetryInterval
	}
	if opts.ErrorRetryCount <= 0 {
		opts.ErrorRetryCount = s.config.ErrorRetryCount
	}
	return opts
}

// MutateOptions describe a mutation. At most one of Data, DataFrom and
// DataAwait should be set; with none set, the mutation is a plain refresh
// request.
type MutateOptions[V any] struct {
	// Data is the new value.
	Data *V
	// DataFrom derives the new value from the current one, synchronously.
	DataFrom func(current V) V
	// DataAwait produces the new value asynchronously; the entry reports
	// validating for the duration.
	DataAwait func(ctx context.Context) (V, error)
	// Revalidate overrides the default of revalidating only when no data
	// is given.
	Revalidate *bool
}

// Ptr is a convenience for filling pointer-typed option fields.
func Ptr[T any](v T) *T { return &v }

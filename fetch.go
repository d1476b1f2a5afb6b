package sswr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/always-cache/sswr/core"
	cachekey "github.com/always-cache/sswr/pkg/cache-key"
	"github.com/always-cache/sswr/pkg/retry"
)

// requestData runs the fetch pipeline for a key: it decodes the arguments,
// raises the validating flag, invokes the fetcher through the retry policy,
// and settles the entry's streams with the outcome. At most one pipeline per
// key is in flight at any time.
func (s *SWR[V]) requestData(key string, force bool, opts UseOptions[V]) {
	e, ok := s.cache.Lookup(key)
	if !ok {
		return
	}
	if validating, _ := e.Validating().Value(); validating {
		return
	}

	s.group.Do(key, func() (any, error) {
		// a concurrent pipeline may have finished while we waited
		if validating, _ := e.Validating().Value(); validating {
			return nil, nil
		}
		// it may also have produced a fresh item already
		if !force {
			if item := e.Item(); item != nil && !item.Expired(s.clock.Now()) {
				return nil, nil
			}
		}
		args, err := cachekey.Decode(key)
		if err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Could not decode cache key")
			return nil, nil
		}

		s.log.Debug().Str("key", key).Msg("Requesting data")
		e.Validating().Next(true)

		var data V
		fetchErr := retry.Do(s.ctx, s.clock, opts.ErrorRetryInterval, opts.ErrorRetryCount,
			func() error {
				d, err := s.fetcher(s.ctx, args...)
				if err != nil {
					return err
				}
				data = d
				return nil
			},
			func(err error) {
				s.log.Warn().Err(err).Str("key", key).Msg("Fetch attempt failed")
				e.Errors().Next(err)
			})

		if fetchErr != nil {
			if e.Item() == nil {
				// never had data: the entry is dead, a later Use
				// starts over with a fresh one
				e.Validating().Next(false)
				s.cache.FailAndStop(key, fetchErr)
				return nil, nil
			}
			// keep serving the stale item alongside the error
			e.Validating().Next(false)
			return nil, nil
		}

		item := core.NewItem(data, s.clock.Now(), opts.DedupingInterval)
		e.Source().Next(&item)
		if lastErr, _ := e.Errors().Value(); lastErr != nil {
			e.Errors().Next(nil)
		}
		e.Validating().Next(false)
		return nil, nil
	})
}

// NewHTTPFetcher returns a Fetcher that treats the first fetch argument as a
// URL, gets it with the given client and decodes the JSON response body.
// Responses with a 4xx or 5xx status are errors.
func NewHTTPFetcher[V any](client *http.Client) Fetcher[V] {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, args ...any) (V, error) {
		var zero V
		if len(args) == 0 {
			return zero, errors.New("no url argument")
		}
		url, ok := args[0].(string)
		if !ok {
			return zero, fmt.Errorf("url argument is %T, want string", args[0])
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return zero, err
		}
		res, err := client.Do(req)
		if err != nil {
			return zero, err
		}
		defer res.Body.Close()
		if res.StatusCode >= http.StatusBadRequest {
			return zero, fmt.Errorf("fetching %s: %s", url, res.Status)
		}
		var v V
		if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
			return zero, fmt.Errorf("decoding %s: %w", url, err)
		}
		return v, nil
	}
}

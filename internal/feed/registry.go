package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"icalfeed/internal/config"
	"icalfeed/internal/ics"
	appLog "icalfeed/internal/log"
)

// decodeMemoSize bounds the decoder's parsed-body memo. One entry per
// feed is enough for steady state; a little slack covers feed edits.
const decodeMemoSize = 32

// refreshConcurrency bounds how many feeds refresh at once. Feeds share
// no mutable state, so this is purely a resource bound.
const refreshConcurrency = 4

// Registry owns the feed lifecycle for one process. It is an explicit
// value created by main and handed to whoever needs it; nothing is
// looked up through package-level state.
type Registry struct {
	feeds []*Feed
	byID  map[string]*Feed
}

// NewRegistry builds one Feed per configured subscription. The fetcher
// and decoder are shared: the fetch cache is keyed by URL and the
// decode memo by body hash, so sharing is safe across feeds.
func NewRegistry(cfg *config.Config, cacheDir string) (*Registry, error) {
	zone, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("registry: unknown timezone %q: %w", cfg.Timezone, err)
	}

	fetcher := ics.NewFetcher(cacheDir, cfg.FetchTimeout)
	decoder := ics.NewDecoder(decodeMemoSize)

	r := &Registry{byID: make(map[string]*Feed, len(cfg.Feeds))}
	for _, fc := range cfg.Feeds {
		f := newFeed(fc, cfg, zone, fetcher, decoder)
		if _, dup := r.byID[f.id]; dup {
			return nil, fmt.Errorf("registry: duplicate feed id %q", f.id)
		}
		r.feeds = append(r.feeds, f)
		r.byID[f.id] = f
	}
	return r, nil
}

// Get returns the feed with the given id.
func (r *Registry) Get(id string) (*Feed, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// All returns the feeds in configuration order.
func (r *Registry) All() []*Feed {
	return r.feeds
}

// RefreshAll refreshes every feed with bounded concurrency. Throttled
// or already-running feeds are not an error: their previous snapshot
// simply stays published. The first real failure is returned after all
// feeds have been attempted.
func (r *Registry) RefreshAll(ctx context.Context) error {
	// Plain group, not WithContext: one failing feed must not cancel
	// the others mid-fetch.
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)

	for _, f := range r.feeds {
		g.Go(func() error {
			err := f.Refresh(ctx)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ErrRefreshThrottled), errors.Is(err, ErrRefreshInFlight):
				appLog.Debug("refresh skipped", "feed", f.ID(), "reason", err.Error())
				return nil
			default:
				return fmt.Errorf("feed %s: %w", f.ID(), err)
			}
		})
	}
	return g.Wait()
}

package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"icalfeed/internal/config"
	"icalfeed/internal/ics"
	appLog "icalfeed/internal/log"
	"icalfeed/internal/model"
)

var (
	// ErrRefreshInFlight means another refresh for the same feed is
	// already running; the caller keeps the previous snapshot.
	ErrRefreshInFlight = errors.New("refresh already in flight")

	// ErrRefreshThrottled means the previous refresh attempt was too
	// recent. The throttle window is an explicit config policy
	// (MinRefreshInterval) checked here, not a hidden wrapper.
	ErrRefreshThrottled = errors.New("refresh throttled")
)

// Feed owns the full pipeline state for one subscription: fetcher,
// decoder, materializer, validator and the published snapshot. The
// snapshot is the only state shared with readers and is swapped
// atomically; a reader observes either the old or the new snapshot in
// its entirety, never a half-built one.
type Feed struct {
	id   string
	name string

	source     ics.Source
	fetcher    *ics.Fetcher
	decoder    *ics.Decoder
	mat        ics.Materializer
	val        ics.Validator
	zone       *time.Location
	days       int
	minRefresh time.Duration

	// refreshMu serializes refresh cycles: at most one in flight.
	refreshMu sync.Mutex

	snapshot atomic.Pointer[model.Snapshot]

	stateMu     sync.Mutex
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error

	nowFn func() time.Time
}

// Status is the refresh bookkeeping exposed to collaborators so a
// failed refresh is distinguishable from a genuinely empty result.
type Status struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Occurrences int        `json:"occurrences"`
}

// ID returns the feed identifier.
func (f *Feed) ID() string { return f.id }

// Name returns the human-friendly feed label.
func (f *Feed) Name() string { return f.name }

// Snapshot returns the currently published snapshot, nil before the
// first successful refresh.
func (f *Feed) Snapshot() *model.Snapshot {
	return f.snapshot.Load()
}

// Status reports the refresh bookkeeping.
func (f *Feed) Status() Status {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	st := Status{
		ID:          f.id,
		Name:        f.name,
		Occurrences: f.snapshot.Load().Len(),
	}
	if !f.lastAttempt.IsZero() {
		t := f.lastAttempt
		st.LastAttempt = &t
	}
	if !f.lastSuccess.IsZero() {
		t := f.lastSuccess
		st.LastSuccess = &t
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	return st
}

// Refresh runs one full pipeline cycle, honoring the throttle policy.
func (f *Feed) Refresh(ctx context.Context) error {
	return f.refresh(ctx, false)
}

// ForceRefresh runs one cycle bypassing the throttle (manual trigger).
func (f *Feed) ForceRefresh(ctx context.Context) error {
	return f.refresh(ctx, true)
}

func (f *Feed) refresh(ctx context.Context, force bool) error {
	if !f.refreshMu.TryLock() {
		return ErrRefreshInFlight
	}
	defer f.refreshMu.Unlock()

	now := f.nowFn()

	f.stateMu.Lock()
	if !force && !f.lastAttempt.IsZero() && now.Sub(f.lastAttempt) < f.minRefresh {
		f.stateMu.Unlock()
		return ErrRefreshThrottled
	}
	f.lastAttempt = now
	f.stateMu.Unlock()

	refreshID := uuid.NewString()
	localNow := now.In(f.zone)
	from := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, f.zone)
	win := model.Window{From: from, To: from.AddDate(0, 0, f.days)}

	appLog.Debug("refresh start", "refresh_id", refreshID, "feed", f.id,
		"window_from", win.From.Format(time.RFC3339), "window_to", win.To.Format(time.RFC3339))

	snap, err := f.build(ctx, win, now)

	f.stateMu.Lock()
	f.lastErr = err
	if err == nil {
		f.lastSuccess = now
	}
	f.stateMu.Unlock()

	if err != nil {
		// Previous snapshot stays published; collaborators can tell a
		// failed refresh from an empty feed via Status.
		appLog.Error("refresh failed", err, "refresh_id", refreshID, "feed", f.id)
		return err
	}

	f.snapshot.Store(snap)
	appLog.Info("refresh complete", "refresh_id", refreshID, "feed", f.id, "occurrences", snap.Len())
	return nil
}

// build runs fetch → decode → materialize → validate → sort without
// touching the published snapshot; once started it runs to completion.
func (f *Feed) build(ctx context.Context, win model.Window, now time.Time) (*model.Snapshot, error) {
	res, err := f.fetcher.Fetch(ctx, f.source)
	if err != nil {
		return nil, err
	}

	events, err := f.decoder.Decode(f.source, res.Body)
	if err != nil {
		return nil, err
	}

	// Events are processed sequentially: per-event failure isolation
	// and the stable sort tie-break both depend on feed order.
	cands := f.mat.MaterializeAll(events, win)
	accepted := f.val.FilterAll(cands, win)

	return ics.BuildSnapshot(f.id, win, accepted, now), nil
}

func newFeed(fc config.FeedConfig, cfg *config.Config, zone *time.Location, fetcher *ics.Fetcher, decoder *ics.Decoder) *Feed {
	return &Feed{
		id:   fc.EffectiveID(),
		name: fc.Name,
		source: ics.Source{
			ID:        fc.EffectiveID(),
			URL:       fc.URL,
			VerifyTLS: fc.VerifyTLSEnabled(),
		},
		fetcher: fetcher,
		decoder: decoder,
		mat: ics.Materializer{
			Zone:         zone,
			Lookback:     time.Duration(cfg.LookbackDays) * 24 * time.Hour,
			Lookahead:    time.Duration(cfg.LookaheadDays) * 24 * time.Hour,
			MaxInstances: cfg.MaxInstancesPerEvent,
		},
		val:        ics.Validator{Zone: zone},
		zone:       zone,
		days:       cfg.Days,
		minRefresh: cfg.MinRefreshInterval,
		nowFn:      time.Now,
	}
}

package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"icalfeed/internal/config"
	"icalfeed/internal/feed"
	appLog "icalfeed/internal/log"
	"icalfeed/internal/model"
)

// Server exposes the per-feed occurrence lists and selector queries as
// a JSON API. It only reads published snapshots; the refresh pipeline
// is driven by the scheduler in cmd/icalfeed and by explicit refresh
// requests.
type Server struct {
	cfg      *config.Config
	registry *feed.Registry
	zone     *time.Location
	mux      *http.ServeMux
}

// NewServer constructs a Server over the given registry.
func NewServer(cfg *config.Config, registry *feed.Registry) (*Server, error) {
	zone, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		zone:     zone,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/feeds", s.handleFeeds)
	s.mux.HandleFunc("GET /api/feeds/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/feeds/{id}/events/{k}", s.handleEventAt)
	s.mux.HandleFunc("GET /api/feeds/{id}/current", s.handleCurrent)
	s.mux.HandleFunc("POST /api/feeds/{id}/refresh", s.handleRefresh)
}

// Handler returns the HTTP handler, wrapped with basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware guards every endpoint except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="icalfeed", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// feedsResponse lists every feed with its refresh bookkeeping, so a
// failed refresh is distinguishable from an empty calendar.
type feedsResponse struct {
	Feeds []feed.Status `json:"feeds"`
}

func (s *Server) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	resp := feedsResponse{Feeds: make([]feed.Status, 0, len(s.registry.All()))}
	for _, f := range s.registry.All() {
		resp.Feeds = append(resp.Feeds, f.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

// occurrenceDTO is the JSON view of one occurrence. All-day bounds are
// emitted as date-only values so consumers render them without a
// spurious time-of-day; timed bounds are RFC3339 in the default zone.
type occurrenceDTO struct {
	FeedID      string `json:"feed_id"`
	UID         string `json:"uid,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	AllDay      bool   `json:"all_day"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

func toDTO(o model.Occurrence) occurrenceDTO {
	dto := occurrenceDTO{
		FeedID:      o.FeedID,
		UID:         o.UID,
		Summary:     o.Summary,
		Description: o.Description,
		Location:    o.Location,
		AllDay:      o.AllDay,
	}
	if o.AllDay {
		dto.Start = o.Start.Format("2006-01-02")
		dto.End = o.End.Format("2006-01-02")
	} else {
		dto.Start = o.Start.Format(time.RFC3339)
		dto.End = o.End.Format(time.RFC3339)
	}
	return dto
}

type eventsResponse struct {
	FeedID      string          `json:"feed_id"`
	WindowFrom  time.Time       `json:"window_from"`
	WindowTo    time.Time       `json:"window_to"`
	BuiltAt     time.Time       `json:"built_at"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

func (s *Server) lookupSnapshot(w http.ResponseWriter, r *http.Request) (*feed.Feed, *model.Snapshot, bool) {
	f, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown feed")
		return nil, nil, false
	}
	snap := f.Snapshot()
	if snap == nil {
		// No successful refresh yet; not the same thing as "no events".
		writeError(w, http.StatusServiceUnavailable, "no snapshot available yet")
		return nil, nil, false
	}
	return f, snap, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	_, snap, ok := s.lookupSnapshot(w, r)
	if !ok {
		return
	}

	resp := eventsResponse{
		FeedID:      snap.FeedID,
		WindowFrom:  snap.Window.From,
		WindowTo:    snap.Window.To,
		BuiltAt:     snap.BuiltAt,
		Occurrences: make([]occurrenceDTO, 0, snap.Len()),
	}
	for _, o := range snap.Occurrences {
		resp.Occurrences = append(resp.Occurrences, toDTO(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventAt(w http.ResponseWriter, r *http.Request) {
	_, snap, ok := s.lookupSnapshot(w, r)
	if !ok {
		return
	}

	k, err := strconv.Atoi(r.PathValue("k"))
	if err != nil || k < 0 {
		writeError(w, http.StatusBadRequest, "ordinal must be a non-negative integer")
		return
	}
	if k >= s.cfg.MaxEvents {
		writeError(w, http.StatusBadRequest, "ordinal exceeds max_events")
		return
	}

	occ, found := snap.At(k)
	if !found {
		writeError(w, http.StatusNotFound, "no occurrence at that position")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(occ))
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	_, snap, ok := s.lookupSnapshot(w, r)
	if !ok {
		return
	}

	occ, found := snap.Current(time.Now().In(s.zone))
	if !found {
		writeError(w, http.StatusNotFound, "no current or upcoming occurrence")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(occ))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown feed")
		return
	}

	err := f.ForceRefresh(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, f.Status())
	case errors.Is(err, feed.ErrRefreshInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// StartServer serves the API on cfg.Listen until ctx is canceled.
func StartServer(ctx context.Context, cfg *config.Config, registry *feed.Registry) error {
	s, err := NewServer(cfg, registry)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to encode JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

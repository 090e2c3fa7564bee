package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"icalfeed/internal/config"
	"icalfeed/internal/feed"
	"icalfeed/internal/web"
)

// Fixture events live far in the future so the "current" selector is
// stable regardless of when the tests run. The window is widened via
// cfg.Days to cover them.
const testFeedBody = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//icalfeed//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:timed@test\r\n" +
	"SUMMARY:Standup\r\n" +
	"LOCATION:Room 1\r\n" +
	"DTSTART:23000102T100000Z\r\n" +
	"DTEND:23000102T110000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:allday@test\r\n" +
	"SUMMARY:Holiday\r\n" +
	"DTSTART;VALUE=DATE:23000105\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.ics")
	if err := os.WriteFile(path, []byte(testFeedBody), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Days = 200000 // window must reach the year-2300 fixtures
	cfg.MaxEvents = 3
	cfg.Feeds = []config.FeedConfig{{ID: "test", URL: "file://" + path}}
	return cfg
}

// newTestServer builds a handler over a single file:// feed. When
// refreshed is true the feed has a published snapshot.
func newTestServer(t *testing.T, cfg *config.Config, refreshed bool) http.Handler {
	t.Helper()

	registry, err := feed.NewRegistry(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if refreshed {
		if err := registry.RefreshAll(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}

	s, err := web.NewServer(cfg, registry)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return s.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, testConfig(t), false)

	rec := doRequest(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); body != "OK" {
		t.Errorf("body = %q", body)
	}
}

func TestFeedsStatus(t *testing.T) {
	h := newTestServer(t, testConfig(t), true)

	rec := doRequest(t, h, http.MethodGet, "/api/feeds")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Feeds []struct {
			ID          string `json:"id"`
			LastError   string `json:"last_error"`
			Occurrences int    `json:"occurrences"`
		} `json:"feeds"`
	}
	decodeBody(t, rec, &resp)

	if len(resp.Feeds) != 1 {
		t.Fatalf("feeds = %d, want 1", len(resp.Feeds))
	}
	st := resp.Feeds[0]
	if st.ID != "test" {
		t.Errorf("id = %q", st.ID)
	}
	if st.LastError != "" {
		t.Errorf("last_error = %q", st.LastError)
	}
	if st.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", st.Occurrences)
	}
}

type occurrenceJSON struct {
	FeedID  string `json:"feed_id"`
	UID     string `json:"uid"`
	Summary string `json:"summary"`
	AllDay  bool   `json:"all_day"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

func TestEventsList(t *testing.T) {
	h := newTestServer(t, testConfig(t), true)

	rec := doRequest(t, h, http.MethodGet, "/api/feeds/test/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		FeedID      string           `json:"feed_id"`
		Occurrences []occurrenceJSON `json:"occurrences"`
	}
	decodeBody(t, rec, &resp)

	if resp.FeedID != "test" {
		t.Errorf("feed_id = %q", resp.FeedID)
	}
	if len(resp.Occurrences) != 2 {
		t.Fatalf("occurrences = %d, want 2", len(resp.Occurrences))
	}

	timed := resp.Occurrences[0]
	if timed.Summary != "Standup" || timed.AllDay {
		t.Errorf("first occurrence = %+v", timed)
	}
	if timed.Start != "2300-01-02T10:00:00Z" {
		t.Errorf("timed start = %q, want RFC3339", timed.Start)
	}

	allDay := resp.Occurrences[1]
	if allDay.Summary != "Holiday" || !allDay.AllDay {
		t.Errorf("second occurrence = %+v", allDay)
	}
	if allDay.Start != "2300-01-05" || allDay.End != "2300-01-05" {
		t.Errorf("all-day bounds = (%q, %q), want date-only", allDay.Start, allDay.End)
	}
}

func TestEventAt(t *testing.T) {
	h := newTestServer(t, testConfig(t), true)

	tests := []struct {
		name        string
		target      string
		wantStatus  int
		wantSummary string
	}{
		{"first", "/api/feeds/test/events/0", http.StatusOK, "Standup"},
		{"second", "/api/feeds/test/events/1", http.StatusOK, "Holiday"},
		{"past end of list", "/api/feeds/test/events/2", http.StatusNotFound, ""},
		{"beyond max_events", "/api/feeds/test/events/3", http.StatusBadRequest, ""},
		{"negative", "/api/feeds/test/events/-1", http.StatusBadRequest, ""},
		{"not a number", "/api/feeds/test/events/first", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, tt.target)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantSummary == "" {
				return
			}
			var occ occurrenceJSON
			decodeBody(t, rec, &occ)
			if occ.Summary != tt.wantSummary {
				t.Errorf("summary = %q, want %q", occ.Summary, tt.wantSummary)
			}
		})
	}
}

func TestCurrent(t *testing.T) {
	h := newTestServer(t, testConfig(t), true)

	rec := doRequest(t, h, http.MethodGet, "/api/feeds/test/current")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var occ occurrenceJSON
	decodeBody(t, rec, &occ)
	if occ.Summary != "Standup" {
		t.Errorf("summary = %q, want the first upcoming occurrence", occ.Summary)
	}
}

func TestNoSnapshotYet(t *testing.T) {
	h := newTestServer(t, testConfig(t), false)

	for _, target := range []string{
		"/api/feeds/test/events",
		"/api/feeds/test/events/0",
		"/api/feeds/test/current",
	} {
		rec := doRequest(t, h, http.MethodGet, target)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", target, rec.Code)
		}
	}
}

func TestUnknownFeed(t *testing.T) {
	h := newTestServer(t, testConfig(t), true)

	rec := doRequest(t, h, http.MethodGet, "/api/feeds/nope/events")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if !strings.Contains(resp.Error, "unknown feed") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig(t), false)

	rec := doRequest(t, h, http.MethodPost, "/api/feeds/test/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var st struct {
		Occurrences int `json:"occurrences"`
	}
	decodeBody(t, rec, &st)
	if st.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", st.Occurrences)
	}

	// After the refresh the events endpoint serves a snapshot.
	rec = doRequest(t, h, http.MethodGet, "/api/feeds/test/events")
	if rec.Code != http.StatusOK {
		t.Errorf("events after refresh: status = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "hunter2"}
	h := newTestServer(t, cfg, true)

	// Health stays open.
	if rec := doRequest(t, h, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Errorf("/health without auth: status = %d", rec.Code)
	}

	rec := doRequest(t, h, http.MethodGet, "/api/feeds")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without auth: status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic ") {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.SetBasicAuth("admin", "wrong")
	badRec := httptest.NewRecorder()
	h.ServeHTTP(badRec, req)
	if badRec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", badRec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.SetBasicAuth("admin", "hunter2")
	okRec := httptest.NewRecorder()
	h.ServeHTTP(okRec, req)
	if okRec.Code != http.StatusOK {
		t.Errorf("with auth: status = %d, want 200", okRec.Code)
	}
}

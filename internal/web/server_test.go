package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talgya/crowdbrew/internal/config"
	"github.com/talgya/crowdbrew/internal/persistence"
	"github.com/talgya/crowdbrew/internal/pipeline"
)

type fakeRunner struct {
	results []pipeline.Result
	err     error
	delay   time.Duration

	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeRunner) Run(_ context.Context, _ string) ([]pipeline.Result, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	return f.results, f.err
}

func (f *fakeRunner) City() string { return "Łódź" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore(t *testing.T) *persistence.DB {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "crowdbrew.db"), persistence.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	id, err := db.UpsertEvent("2025-12-13", "Jarmark Bożonarodzeniowy", "Pasaż Schillera", "Świąteczny jarmark")
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.WriteBundle(id, &persistence.Bundle{
		Post:  "Wpadnij na grzaną kawę!",
		Items: []persistence.MenuDraft{{Name: "Piernikowe Latte", Desc: "przyprawa piernikowa", Type: "coffee"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertEvent("2025-12-14", "Koncert", "Atlas Arena", "Koncert zimowy"); err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestServer(t *testing.T, runner *fakeRunner) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CORSOrigins = []string{"https://cafe.example"}
	s := NewServer(cfg, runner, seededStore(t))
	s.log = quietLogger()
	t.Cleanup(s.Close)
	return s
}

func sampleResult() pipeline.Result {
	return pipeline.Result{
		Item: pipeline.Item{
			EventDate: "2025-12-13",
			EventName: "Jarmark Bożonarodzeniowy",
			Location:  "Pasaż Schillera",
			Bundle: persistence.Bundle{
				Post:  "Wpadnij na grzaną kawę!",
				Items: []persistence.MenuDraft{{Name: "Piernikowe Latte", Desc: "przyprawa", Type: "coffee"}},
			},
			ImpactScore:    91,
			ScoreBreakdown: map[string]float64{"frekwencja": 19},
		},
		EventID: 1,
	}
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})
	rec := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestIndexListsRecentEvents(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})
	rec := do(s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`name="query"`, "Jarmark Bożonarodzeniowy", "Koncert"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
}

func TestListEvents(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var all []persistence.EventBundle
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("events = %d, want 2", len(all))
	}
	if all[0].Post == nil || len(all[0].Menu) != 1 {
		t.Errorf("first event bundle = %+v", all[0])
	}

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/events?date=2025-12-14", nil))
	var one []persistence.EventBundle
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Name != "Koncert" || one[0].Post != nil {
		t.Errorf("filtered = %+v", one)
	}

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/v1/events?date=jutro", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", rec.Code)
	}
}

func TestGetEvent(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/events/1", http.StatusOK},
		{"/api/v1/events/999", http.StatusNotFound},
		{"/api/v1/events/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(s, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/events/1", nil))
	var eb persistence.EventBundle
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatal(err)
	}
	if eb.ID != 1 || eb.Post == nil || eb.Post.Content != "Wpadnij na grzaną kawę!" {
		t.Errorf("event = %+v", eb)
	}
}

func TestCalendarFeed(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})
	rec := do(s, httptest.NewRequest(http.MethodGet, "/events.ics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "UID:event-1@crowdbrew") || !strings.Contains(body, "UID:event-2@crowdbrew") {
		t.Errorf("calendar missing events:\n%s", body)
	}
}

func postForm(query string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(url.Values{"query": {query}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestRunFormRendersResults(t *testing.T) {
	runner := &fakeRunner{results: []pipeline.Result{sampleResult()}}
	s := newTestServer(t, runner)

	rec := do(s, postForm("13 grudnia 2025"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Sukces! Znaleziono i zapisano 1 propozycji.", "Piernikowe Latte", "91/100", "FREKWENCJA"} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestRunFormReportsNoEvents(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		want   int
	}{
		{"extraction failure", &fakeRunner{err: pipeline.ErrExtraction}, http.StatusOK},
		{"empty result", &fakeRunner{}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.runner)
			rec := do(s, postForm("1 stycznia 2030"))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if !strings.Contains(rec.Body.String(), "Spróbuj innej daty") {
				t.Error("missing not-found message")
			}
		})
	}
}

func TestRunFormRequiresQuery(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, runner)
	rec := do(s, postForm("   "))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if runner.calls.Load() != 0 {
		t.Error("pipeline ran for empty query")
	}
}

func TestRunAPI(t *testing.T) {
	failed := sampleResult()
	failed.EventID = 0
	s := newTestServer(t, &fakeRunner{results: []pipeline.Result{sampleResult(), failed}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", strings.NewReader(`{"query": "13 grudnia"}`))
	rec := do(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Saved   int `json:"saved"`
		Results []struct {
			EventName string `json:"event_name"`
			DBID      int64  `json:"db_id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Saved != 1 || len(resp.Results) != 2 || resp.Results[0].DBID != 1 {
		t.Errorf("resp = %+v", resp)
	}

	rec = do(s, httptest.NewRequest(http.MethodPost, "/api/v1/run", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
}

func TestRunIsRateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Requests = 1
	cfg.RateLimit.Window = time.Hour
	s := NewServer(cfg, &fakeRunner{results: []pipeline.Result{sampleResult()}}, seededStore(t))
	s.log = quietLogger()
	defer s.Close()

	if rec := do(s, postForm("jutro")); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := do(s, postForm("jutro"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Read endpoints are not limited.
	if rec := do(s, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)); rec.Code != http.StatusOK {
		t.Errorf("events status = %d", rec.Code)
	}
}

func TestRunLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Requests = 1
	s := NewServer(cfg, &fakeRunner{results: []pipeline.Result{sampleResult()}}, seededStore(t))
	s.log = quietLogger()
	defer s.Close()

	for i, hop := range []string{"198.51.100.1", "198.51.100.2"} {
		req := postForm("jutro")
		req.Header.Set("X-Forwarded-For", hop)
		rec := do(s, req)
		if i == 0 && rec.Code != http.StatusOK {
			t.Fatalf("first status = %d", rec.Code)
		}
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("rotated XFF status = %d, want 429", rec.Code)
		}
	}
}

func TestRunLimitTrustsConfiguredProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Requests = 1
	cfg.TrustedProxies = []string{"192.0.2.0/24"}
	s := NewServer(cfg, &fakeRunner{results: []pipeline.Result{sampleResult()}}, seededStore(t))
	s.log = quietLogger()
	defer s.Close()

	// httptest requests come from 192.0.2.1.
	for _, hop := range []string{"198.51.100.1", "198.51.100.2"} {
		req := postForm("jutro")
		req.Header.Set("X-Forwarded-For", hop)
		if rec := do(s, req); rec.Code != http.StatusOK {
			t.Fatalf("client %s status = %d", hop, rec.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://cafe.example")
	rec := do(s, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://cafe.example" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = do(s, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestRunQuerySerialisesRuns(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	s := newTestServer(t, runner)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunQuery(context.Background(), "jutro")
		}()
	}
	wg.Wait()

	if runner.calls.Load() != 4 {
		t.Errorf("calls = %d", runner.calls.Load())
	}
	if runner.peak.Load() != 1 {
		t.Errorf("peak concurrent runs = %d, want 1", runner.peak.Load())
	}
}

func TestStartScheduler(t *testing.T) {
	s := newTestServer(t, &fakeRunner{})

	if _, err := s.StartScheduler("not a schedule", "jutro"); err == nil {
		t.Error("expected error for invalid schedule")
	}

	c, err := s.StartScheduler("0 6 * * *", "jutro")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if len(c.Entries()) != 1 {
		t.Errorf("entries = %d", len(c.Entries()))
	}
}

func TestScheduledRunUsesQuery(t *testing.T) {
	runner := &fakeRunner{results: []pipeline.Result{sampleResult()}}
	s := newTestServer(t, runner)
	s.scheduledRun(context.Background(), "jutro")
	if runner.calls.Load() != 1 {
		t.Errorf("calls = %d", runner.calls.Load())
	}
}

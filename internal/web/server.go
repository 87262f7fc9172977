// Package web serves the CrowdBrew form, the stored events over a JSON API
// and the calendar feed. POST endpoints run the pipeline and are rate-limited
// per client IP.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/crowdbrew/internal/config"
	"github.com/talgya/crowdbrew/internal/ics"
	"github.com/talgya/crowdbrew/internal/persistence"
	"github.com/talgya/crowdbrew/internal/pipeline"
)

const (
	recentLimit = 10
	runTimeout  = 10 * time.Minute

	msgNotFound   = "Asystent nie znalazł wydarzeń lub wystąpił błąd parsowania. Spróbuj innej daty."
	msgUnexpected = "Wystąpił nieoczekiwany błąd: %v"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageFuncs = template.FuncMap{
	"percent": func(v, scale float64) float64 {
		if scale <= 0 || v <= 0 {
			return 0
		}
		return min(v/scale, 1) * 100
	},
	"upper": strings.ToUpper,
	"icon": func(t string) string {
		switch t {
		case persistence.ItemCoffee:
			return "☕"
		case persistence.ItemCake:
			return "🍰"
		}
		return "•"
	},
	"rows": func(post string) int { return 2 + len([]rune(post))/60 },
	"ago":  ago,
}

var pages = template.Must(template.New("").Funcs(pageFuncs).ParseFS(templateFS, "templates/*.html"))

// Runner runs the generation pipeline.
type Runner interface {
	Run(ctx context.Context, query string) ([]pipeline.Result, error)
	City() string
}

// Store is the read side of the event store.
type Store interface {
	LoadBundle(eventID int64) (*persistence.EventBundle, error)
	LoadBundles(date string) ([]persistence.EventBundle, error)
}

// Server serves CrowdBrew over HTTP.
type Server struct {
	cfg     *config.Config
	runner  Runner
	store   Store
	limiter *RateLimiter
	mux     *http.ServeMux
	log     *slog.Logger
	now     func() time.Time

	// runMu serialises pipeline runs from the form, the API and the scheduler.
	runMu sync.Mutex
}

// NewServer constructs a Server. Close releases the rate limiter.
func NewServer(cfg *config.Config, runner Runner, store Store) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		limiter: NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		mux:     http.NewServeMux(),
		log:     slog.Default().With("component", "web"),
		now:     time.Now,
	}
	if err := s.limiter.TrustProxies(cfg.TrustedProxies); err != nil {
		s.log.Warn("ignoring trusted proxies", "error", err)
	}
	s.registerRoutes()
	return s
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Close()
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.cfg.CORSOrigins, s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /run", RateLimitMiddleware(s.limiter, s.handleRunForm))
	s.mux.HandleFunc("POST /api/v1/run", RateLimitMiddleware(s.limiter, s.handleRunAPI))
	s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/v1/events/{id}", s.handleEvent)
	s.mux.HandleFunc("GET /events.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server starting", "addr", "http://"+s.cfg.Listen, "city", s.runner.City())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunQuery runs the pipeline, one run at a time.
func (s *Server) RunQuery(ctx context.Context, query string) ([]pipeline.Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runner.Run(ctx, query)
}

// corsMiddleware adds CORS headers for allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range origins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pageData struct {
	City    string
	Query   string
	Error   string
	Results []pipeline.Result
	Recent  []persistence.EventBundle
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, http.StatusOK, pageData{})
}

func (s *Server) handleRunForm(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.FormValue("query"))
	if query == "" {
		s.renderPage(w, http.StatusBadRequest, pageData{Error: "Podaj datę lub okres, np. 13 grudnia 2025."})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	results, err := s.RunQuery(ctx, query)
	data := pageData{Query: query, Results: results}
	switch {
	case errors.Is(err, pipeline.ErrExtraction):
		data.Error = msgNotFound
	case err != nil:
		s.log.Error("pipeline run failed", "query", query, "error", err)
		data.Error = fmt.Sprintf(msgUnexpected, err)
		s.renderPage(w, http.StatusBadGateway, data)
		return
	case len(results) == 0:
		data.Error = msgNotFound
	}
	s.renderPage(w, http.StatusOK, data)
}

type runRequest struct {
	Query string `json:"query"`
}

type runResponse struct {
	Query   string            `json:"query"`
	Saved   int               `json:"saved"`
	Results []pipeline.Result `json:"results"`
}

func (s *Server) handleRunAPI(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	results, err := s.RunQuery(ctx, req.Query)
	switch {
	case errors.Is(err, pipeline.ErrExtraction):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.log.Error("pipeline run failed", "query", req.Query, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	saved := 0
	for _, res := range results {
		if res.EventID != 0 {
			saved++
		}
	}
	if results == nil {
		results = []pipeline.Result{}
	}
	writeJSON(w, http.StatusOK, runResponse{Query: req.Query, Saved: saved, Results: results})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := time.Parse(persistence.DateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	events, err := s.store.LoadBundles(date)
	if err != nil {
		s.log.Error("load events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	eb, err := s.store.LoadBundle(id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.log.Error("load event", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, eb)
}

func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	events, err := s.store.LoadBundles("")
	if err != nil {
		s.log.Error("load events", "error", err)
		http.Error(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	skipped, err := ics.Encode(&buf, events, s.now())
	if err != nil {
		s.log.Error("encode calendar", "error", err)
		http.Error(w, "failed to encode calendar", http.StatusInternalServerError)
		return
	}
	if skipped > 0 {
		s.log.Warn("events without a calendar date skipped", "count", skipped)
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="crowdbrew.ics"`)
	w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) renderPage(w http.ResponseWriter, status int, data pageData) {
	data.City = s.runner.City()
	if recent, err := s.store.LoadBundles(""); err != nil {
		s.log.Warn("load recent events", "error", err)
	} else {
		if len(recent) > recentLimit {
			recent = recent[len(recent)-recentLimit:]
		}
		data.Recent = recent
	}

	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, "index.html", data); err != nil {
		s.log.Error("render page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// ago renders a stored YYYY-MM-DD stamp relative to now.
func ago(stamp string) string {
	t, err := time.ParseInLocation(persistence.DateLayout, stamp, time.Local)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

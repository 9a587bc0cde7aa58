// Package web serves the status API of the daemon: health, the last
// aggregated event set, the generated calendar and Prometheus metrics.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"techcal/internal/config"
	"techcal/internal/export"
	appLog "techcal/internal/log"
	"techcal/internal/metrics"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

// Snapshot is the output of one finished run.
type Snapshot struct {
	RunID      string
	FinishedAt time.Time
	Document   export.Document
	Calendar   string
	// Err is the run's persistence error, if any.
	Err error
}

// Server provides HTTP APIs over the latest run.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	refresh func(context.Context) error

	mu   sync.RWMutex
	snap *Snapshot

	refreshing sync.Mutex
}

// NewServer constructs a new Server. refresh, when non-nil, backs
// POST /api/refresh.
func NewServer(cfg *config.Config, refresh func(context.Context) error) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		refresh: refresh,
	}
	s.registerRoutes()
	return s
}

// Publish replaces the snapshot served by the API.
func (s *Server) Publish(snap *Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Server) snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
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
			w.Header().Set("WWW-Authenticate", `Basic realm="techcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Ready       bool       `json:"ready"`
	RunID       string     `json:"run_id,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	TotalEvents int        `json:"total_events"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	if snap == nil {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}
	resp := statusResponse{
		Ready:       true,
		RunID:       snap.RunID,
		FinishedAt:  &snap.FinishedAt,
		TotalEvents: snap.Document.TotalEvents,
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents returns the last aggregated document, optionally filtered.
//
// GET /api/events?days=30&tag=python&state=MX-CMX&online=1
//   - days:   only events starting within the next n days (dated events only)
//   - tag:    only events carrying the tag
//   - state:  only events with the state code
//   - online: 1 for online events only, 0 for physical only
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no aggregation run has finished yet")
		return
	}

	q := r.URL.Query()
	f := eventFilter{
		days:   parseIntDefault(q.Get("days"), 0),
		tag:    strings.ToLower(strings.TrimSpace(q.Get("tag"))),
		state:  strings.ToUpper(strings.TrimSpace(q.Get("state"))),
		online: q.Get("online"),
		now:    time.Now(),
	}
	doc := snap.Document
	if !f.empty() {
		events := make([]model.Record, 0, len(doc.Events))
		for _, rec := range doc.Events {
			if f.match(rec) {
				events = append(events, rec)
			}
		}
		doc.Events = events
		doc.TotalEvents = len(events)
	}
	writeJSON(w, http.StatusOK, doc)
}

type eventFilter struct {
	days   int
	tag    string
	state  string
	online string
	now    time.Time
}

func (f eventFilter) empty() bool {
	return f.days <= 0 && f.tag == "" && f.state == "" && f.online == ""
}

func (f eventFilter) match(rec model.Record) bool {
	if f.days > 0 {
		start, ok := rec.StartTime()
		if !ok || start.Before(f.now) || start.After(f.now.AddDate(0, 0, f.days)) {
			return false
		}
	}
	if f.tag != "" && !containsFold(rec.Tags, f.tag) {
		return false
	}
	if f.state != "" && !strings.EqualFold(rec.StateCode, f.state) {
		return false
	}
	switch f.online {
	case "1", "true":
		return isOnlineRecord(rec)
	case "0", "false":
		return !isOnlineRecord(rec)
	}
	return true
}

// isOnlineRecord reads the classification baked into the canonical title.
func isOnlineRecord(rec model.Record) bool {
	return rec.ForcedOnline || strings.HasSuffix(rec.Title, "|"+normalize.OnlineTail)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	if snap == nil || snap.Calendar == "" {
		http.Error(w, "calendar not generated yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Last-Modified", snap.FinishedAt.UTC().Format(http.TimeFormat))
	_, _ = w.Write([]byte(snap.Calendar))
}

// handleRefresh runs one aggregation synchronously. Concurrent requests get
// 409 instead of queueing.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresh == nil {
		writeError(w, http.StatusNotImplemented, "refresh not available")
		return
	}
	if !s.refreshing.TryLock() {
		writeError(w, http.StatusConflict, "refresh already running")
		return
	}
	defer s.refreshing.Unlock()

	appLog.Info("api refresh requested", "remote", r.RemoteAddr)
	if err := s.refresh(r.Context()); err != nil {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleStatus(w, r)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

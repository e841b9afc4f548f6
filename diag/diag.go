// Package diag exposes a local HTTP endpoint for health checks, runtime
// statistics and settings changes. It is an operator surface, not a public
// API, and is disabled unless a listen address is configured.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/streamrelay/archive"
	"github.com/hazyhaar/streamrelay/ledger"
	"github.com/hazyhaar/streamrelay/relay"
	"github.com/hazyhaar/streamrelay/selector"
	"github.com/hazyhaar/streamrelay/settings"
	"github.com/hazyhaar/streamrelay/stream"
)

// Options configures the diagnostic server. Nil sources are reported as
// absent rather than failing, so the server works with partial wiring
// in tests.
type Options struct {
	Addr string

	Watcher  *stream.Watcher
	Ledger   *ledger.Ledger
	Relay    *relay.Telegram
	Settings *settings.Store
	Archive  *archive.Store

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server serves the diagnostic endpoints.
type Server struct {
	opts Options
	http *http.Server
}

// New builds a Server. Call Run to start listening.
func New(opts Options) (*Server, error) {
	opts.applyDefaults()
	if opts.Addr == "" {
		return nil, errors.New("diag: listen address is empty")
	}
	s := &Server{opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)

	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/", s.handleGetSettings)
		r.Put("/", s.handlePutSettings)
	})

	r.Route("/api/archive", func(r chi.Router) {
		r.Get("/", s.handleListArchive)
		r.Get("/search", s.handleSearchArchive)
		r.Get("/{id}", s.handleGetArchive)
	})

	return r
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("diag: listening", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("diag: serve: %w", err)
		}
		return nil
	}
}

// Status is the /status payload.
type Status struct {
	Watcher  *stream.WatcherStats   `json:"watcher,omitempty"`
	Selector *selector.HealthReport `json:"selector,omitempty"`
	Ledger   *ledger.Stats          `json:"ledger,omitempty"`
	Relay    *relay.Stats           `json:"relay,omitempty"`
	Settings *settings.Settings     `json:"settings,omitempty"`
	Archived *int64                 `json:"archived,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.opts.Watcher != nil {
		ws := s.opts.Watcher.Stats()
		st.Watcher = &ws
		hr := s.opts.Watcher.Health()
		st.Selector = &hr
	}
	if s.opts.Ledger != nil {
		ls := s.opts.Ledger.Stats()
		st.Ledger = &ls
	}
	if s.opts.Relay != nil {
		rs := s.opts.Relay.Stats()
		st.Relay = &rs
	}
	if s.opts.Settings != nil {
		cfg, err := s.opts.Settings.Snapshot(r.Context())
		if err == nil {
			st.Settings = &cfg
		}
	}
	if s.opts.Archive != nil {
		if n, err := s.opts.Archive.Count(r.Context()); err == nil {
			st.Archived = &n
		}
	}
	writeJSON(w, 200, st)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.opts.Settings == nil {
		writeError(w, 404, errors.New("settings store not configured"))
		return
	}
	cfg, err := s.opts.Settings.Snapshot(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, cfg)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.opts.Settings == nil {
		writeError(w, 404, errors.New("settings store not configured"))
		return
	}
	var cfg settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := s.opts.Settings.Update(r.Context(), cfg); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, cfg)
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeError(w, 404, errors.New("archive not configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	replies, err := s.opts.Archive.List(r.Context(), limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if replies == nil {
		replies = []archive.Reply{}
	}
	writeJSON(w, 200, replies)
}

func (s *Server) handleSearchArchive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeError(w, 404, errors.New("archive not configured"))
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, 400, errors.New("missing query parameter q"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.opts.Archive.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if results == nil {
		results = []archive.SearchResult{}
	}
	writeJSON(w, 200, results)
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeError(w, 404, errors.New("archive not configured"))
		return
	}
	reply, err := s.opts.Archive.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, 404, err)
		return
	}
	writeJSON(w, 200, reply)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

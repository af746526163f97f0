// Package api exposes the fallback engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"market-fallback/internal/fallback"
	"market-fallback/internal/health"
	"market-fallback/internal/metrics"
	"market-fallback/internal/version"
)

// Engine answers data requests.
type Engine interface {
	GetDataWithFallback(ctx context.Context, operation string, args map[string]any) (*fallback.Result, error)
}

// Health reports provider health.
type Health interface {
	Snapshot() []health.Metrics
}

// Operator toggles providers and lists open incidents.
type Operator interface {
	Disable(name string) bool
	Enable(name string) bool
	OpenIncidents() map[string]string
}

// Options configure the server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// MaxBodyBytes caps POST bodies on the data route.
	MaxBodyBytes int64
}

// Server wires the HTTP routes.
type Server struct {
	opts     Options
	engine   Engine
	health   Health
	operator Operator
	counters *metrics.Registry
	logger   zerolog.Logger
}

// New builds a server. operator and counters may be nil.
func New(opts Options, engine Engine, h Health, operator Operator, counters *metrics.Registry, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		opts:     opts,
		engine:   engine,
		health:   h,
		operator: operator,
		counters: counters,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": version.Get()})
	})
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.Timeout(s.opts.RequestTimeout)).Get("/data/{operation}", s.handleData)
		r.With(middleware.Timeout(s.opts.RequestTimeout)).Post("/data/{operation}", s.handleData)
		r.Get("/providers", s.handleProviders)
		r.Post("/providers/{name}/disable", s.handleToggle(false))
		r.Post("/providers/{name}/enable", s.handleToggle(true))
		r.Get("/incidents", s.handleIncidents)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("starting http server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
				return
			}
			writeError(w, http.StatusBadRequest, "invalid request body", nil)
			return
		}
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			args[key] = values[len(values)-1]
		}
	}

	res, err := s.engine.GetDataWithFallback(r.Context(), chi.URLParam(r, "operation"), args)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		exhausted *fallback.AllProvidersUnavailableError
		expired   *fallback.CacheExpiredError
	)
	switch {
	case errors.Is(err, fallback.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.As(err, &exhausted):
		attempts := make(map[string]string, len(exhausted.Errors))
		for name, e := range exhausted.Errors {
			attempts[name] = e.Error()
		}
		writeError(w, http.StatusServiceUnavailable, err.Error(), map[string]any{
			"attempts": attempts,
			"skipped":  exhausted.Skipped,
		})
	case errors.As(err, &expired):
		writeError(w, http.StatusServiceUnavailable, err.Error(), map[string]any{
			"age_hours":     expired.AgeHours,
			"max_age_hours": expired.MaxAgeHours,
		})
	case fallback.IsCancellation(err):
		if r.Context().Err() != nil && errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "request timed out", nil)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("data request failed")
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

type providerView struct {
	health.Metrics
	AvgLatencyMs int64  `json:"avg_latency_ms"`
	Incident     string `json:"incident,omitempty"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	var open map[string]string
	if s.operator != nil {
		open = s.operator.OpenIncidents()
	}
	rows := s.health.Snapshot()
	out := make([]providerView, 0, len(rows))
	for _, m := range rows {
		out = append(out, providerView{Metrics: m, AvgLatencyMs: m.AvgLatency.Milliseconds(), Incident: open[m.Name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.operator == nil {
			writeError(w, http.StatusNotImplemented, "provider control not configured", nil)
			return
		}
		name := chi.URLParam(r, "name")
		var ok bool
		if enable {
			ok = s.operator.Enable(name)
		} else {
			ok = s.operator.Disable(name)
		}
		if !ok {
			writeError(w, http.StatusNotFound, "unknown provider "+name, nil)
			return
		}
		state := "disabled"
		if enable {
			state = "enabled"
		}
		s.logger.Info().Str("provider", name).Str("state", state).Msg("provider toggled via api")
		writeJSON(w, http.StatusOK, map[string]string{"provider": name, "state": state})
	}
}

func (s *Server) handleIncidents(w http.ResponseWriter, _ *http.Request) {
	open := map[string]string{}
	if s.operator != nil {
		open = s.operator.OpenIncidents()
	}
	writeJSON(w, http.StatusOK, map[string]any{"open": open})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.counters == nil {
		writeError(w, http.StatusNotImplemented, "metrics not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.counters.Snapshot())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if strings.HasPrefix(r.URL.Path, "/healthz") {
			return
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]any) {
	body := map[string]any{"error": msg}
	for k, v := range details {
		body[k] = v
	}
	writeJSON(w, status, body)
}

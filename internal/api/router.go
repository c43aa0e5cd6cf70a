// Package api assembles the operator HTTP surface: the trade commands,
// manual monitor runs, last-seen prices, the event WebSocket, health and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokendesk/position-engine/internal/metrics"
	"github.com/tokendesk/position-engine/internal/mint"
	"github.com/tokendesk/position-engine/internal/monitor"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/price"
	"github.com/tokendesk/position-engine/internal/trade"
)

// Config wires the router's collaborators. Hub and Prices may be nil.
// RunTimeout bounds a manual monitor run; it defaults to two minutes.
type Config struct {
	Trade       *trade.Handler
	Monitors    []monitor.Runner
	Prices      price.LastPrices
	Hub         *notify.WSHub
	CORSOrigins []string
	RunTimeout  time.Duration
	Logger      *slog.Logger
}

type server struct {
	monitors   map[string]monitor.Runner
	prices     price.LastPrices
	runTimeout time.Duration
	logger     *slog.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg Config) http.Handler {
	s := &server{
		monitors:   make(map[string]monitor.Runner, len(cfg.Monitors)),
		prices:     cfg.Prices,
		runTimeout: cfg.RunTimeout,
		logger:     cfg.Logger.With(slog.String("component", "api")),
	}
	if s.runTimeout <= 0 {
		s.runTimeout = 2 * time.Minute
	}
	for _, m := range cfg.Monitors {
		s.monitors[m.Name()] = m
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			cfg.Trade.Routes(r)

			r.Post("/monitors/{name}/run", s.runMonitor)
			r.Get("/monitors", s.listMonitors)
			r.Get("/prices", s.lastPrices)
		})
	})
	return r
}

// runMonitor handles POST /api/v1/monitors/{name}/run
// Runs one invocation synchronously and returns its summary. The invocation
// is detached from the request so trades it starts are always finalized.
func (s *server) runMonitor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, ok := s.monitors[name]
	if !ok {
		writeError(w, "unknown monitor: "+name, http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout)
	defer cancel()
	sum := m.Run(ctx)
	s.logger.Info("manual monitor run",
		slog.String("loop", name),
		slog.Int("checked", sum.Checked),
		slog.Int("executed", len(sum.Executed)),
	)
	writeJSON(w, http.StatusOK, sum)
}

// listMonitors handles GET /api/v1/monitors
func (s *server) listMonitors(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.monitors))
	for name := range s.monitors {
		names = append(names, name)
	}
	slices.Sort(names)
	writeJSON(w, http.StatusOK, names)
}

// lastPrices handles GET /api/v1/prices?mints=a,b
// Serves last-seen prices for display; these never drive triggers.
func (s *server) lastPrices(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeError(w, "price cache not configured", http.StatusServiceUnavailable)
		return
	}
	raw := r.URL.Query().Get("mints")
	if raw == "" {
		writeError(w, "mints is required", http.StatusBadRequest)
		return
	}
	mints, err := mint.ParseMany(strings.Split(raw, ","))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	quotes, err := s.prices.Last(r.Context(), mints)
	if err != nil {
		s.logger.Error("read price cache failed", slog.String("err", err.Error()))
		writeError(w, "price cache unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && (anyOrigin || slices.Contains(origins, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("took", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

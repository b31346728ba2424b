package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/config"
	"github.com/gokatarajesh/quiz-live/internal/logging"
)

// WSUpgrader handles WebSocket upgrades. Origins are enforced by CORS on
// the HTTP routes; the socket itself is authenticated by its token.
var WSUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Routes are the relay handlers mounted on the server. Nil handlers answer
// 501.
type Routes struct {
	WebSocket       http.HandlerFunc
	CreateSession   http.HandlerFunc
	ValidateSession http.HandlerFunc
	SubmitAnswer    http.HandlerFunc
	Leaderboard     http.HandlerFunc
}

// NewHandler wires base routes (health, metrics) and the relay routes.
func NewHandler(cfg *config.App, logger zerolog.Logger, deps Pinger, gatherer prometheus.Gatherer, routes Routes) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.IntoContext(r.Context(), logger)
		if deps != nil {
			if err := deps.Ping(ctx); err != nil {
				l := logging.FromContext(ctx)
				l.Error().Err(err).Msg("dependency ping failed")
				http.Error(w, "upstream error", http.StatusBadGateway)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	mux.HandleFunc("/ws", orNotImplemented(routes.WebSocket))
	mux.HandleFunc("POST /v1/sessions", orNotImplemented(routes.CreateSession))
	mux.HandleFunc("POST /v1/sessions/validate", orNotImplemented(routes.ValidateSession))
	mux.HandleFunc("POST /v1/answers", orNotImplemented(routes.SubmitAnswer))
	mux.HandleFunc("GET /v1/sessions/{code}/leaderboard", orNotImplemented(routes.Leaderboard))

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	})
	return c.Handler(mux)
}

// NewHTTPServer builds the relay HTTP server.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, deps Pinger, gatherer prometheus.Gatherer, routes Routes) *http.Server {
	return &http.Server{
		Addr:    cfg.Relay.HTTPAddr,
		Handler: NewHandler(cfg, logger, deps, gatherer, routes),
	}
}

func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "handler not configured", http.StatusNotImplemented)
	}
}

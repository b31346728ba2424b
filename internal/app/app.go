package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/quiz-live/internal/auth/jwt"
	"github.com/gokatarajesh/quiz-live/internal/config"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	"github.com/gokatarajesh/quiz-live/internal/relay"
	"github.com/gokatarajesh/quiz-live/internal/server"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

// Application aggregates the relay infrastructure (cache, bus, HTTP server).
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	redis    *redis.Client
	embedded *miniredis.Miniredis
	bus      relay.Bus
	relay    *relay.Relay
	http     *http.Server
}

// New bootstraps Redis, the fan-out bus, the relay and the HTTP server.
func New(ctx context.Context, cfg *config.App, logger zerolog.Logger) (*Application, error) {
	logger.Info().Msg("starting relay bootstrap")

	if cfg.Security.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be configured")
	}

	a := &Application{cfg: cfg, logger: logger}

	addr := cfg.Redis.Addr
	if cfg.Relay.EmbeddedRedis {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded redis: %w", err)
		}
		a.embedded = mr
		addr = mr.Addr()
		logger.Warn().Str("addr", addr).Msg("using embedded in-memory redis")
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	bus, err := newBus(cfg, a.redis, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bus = bus

	tokens, err := jwt.NewManager(jwt.TokenConfig{
		Secret: []byte(cfg.Security.JWTSecret),
		TTL:    cfg.Security.TokenTTL,
		Issuer: cfg.Name,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("token manager: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := relay.NewStore(a.redis, cfg.Relay.SessionTTL, logger)
	a.relay = relay.New(ws.NewHub(logger), bus, store, tokens, relay.Options{
		TickInterval: cfg.Relay.TickInterval,
		Metrics:      metrics.NewRelay(reg),
	}, logger)

	a.http = server.NewHTTPServer(cfg, logger, a.relay, reg, server.Routes{
		WebSocket:       a.relay.HandleWebSocket,
		CreateSession:   a.relay.CreateSession,
		ValidateSession: a.relay.ValidateSession,
		SubmitAnswer:    a.relay.SubmitAnswer,
		Leaderboard:     a.relay.Leaderboard,
	})
	return a, nil
}

func newBus(cfg *config.App, client *redis.Client, logger zerolog.Logger) (relay.Bus, error) {
	switch cfg.Relay.Fanout {
	case config.FanoutRedis:
		return relay.NewRedisBus(client, cfg.Relay.FanoutChannel, logger), nil
	case config.FanoutNATS:
		bus, err := relay.NewNATSBus(relay.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return relay.NewLocalBus(), nil
	}
}

// Run starts the HTTP server and the bus forwarder and waits for
// termination signals.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Relay.HTTPAddr)
	if err != nil {
		a.close()
		return fmt.Errorf("listen %s: %w", a.cfg.Relay.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the relay on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("bus forwarder: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info().Str("addr", ln.Addr().String()).Str("fanout", a.cfg.Relay.Fanout).Msg("http server listening")
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Relay.GracefulShutdownTimeout)
		defer cancel()

		a.relay.Shutdown()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("http shutdown error")
		}
		return nil
	})

	err := g.Wait()
	a.close()
	a.logger.Info().Msg("shutdown complete")
	return err
}

func (a *Application) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error().Err(err).Msg("bus shutdown error")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis shutdown error")
		}
	}
	if a.embedded != nil {
		a.embedded.Close()
	}
}

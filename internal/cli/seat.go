package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/api"
	"github.com/gokatarajesh/quiz-live/internal/config"
	"github.com/gokatarajesh/quiz-live/internal/conn"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	"github.com/gokatarajesh/quiz-live/internal/session"
	"github.com/gokatarajesh/quiz-live/internal/subscription"
)

// seat is an open session plus the resources the CLI created for it.
type seat struct {
	session  *session.Session
	registry *prometheus.Registry
	redis    *redis.Client
}

func seatOptions(cfg *config.App, role subscription.Role, code, name string, m *metrics.Client) session.Options {
	return session.Options{
		Role:         role,
		Code:         code,
		Name:         name,
		WebSocketURL: cfg.Client.WebSocketEndpoint(),
		Backoff: conn.Backoff{
			Base:        cfg.Backoff.Base,
			Growth:      cfg.Backoff.Growth,
			Cap:         cfg.Backoff.Cap,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		DialTimeout:       cfg.Client.DialTimeout,
		Metrics:           m,
	}
}

func openSeat(ctx context.Context, cfg *config.App, logger zerolog.Logger, role subscription.Role, code, name string) (*seat, error) {
	reg := prometheus.NewRegistry()
	collab := api.New(cfg.Client.ServerURL, &http.Client{Timeout: cfg.Client.HTTPTimeout}, logger)

	s := &seat{registry: reg}
	var store session.IdentityStore = session.NewMemoryStore()
	if cfg.Client.IdentityStore == config.IdentityRedis {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		store = session.NewRedisStore(s.redis, cfg.Client.IdentityTTL)
	}

	s.session = session.New(seatOptions(cfg, role, code, name, metrics.NewClient(reg)), collab, store, logger)
	if err := s.session.Open(ctx); err != nil {
		s.closeRedis()
		return nil, err
	}
	return s, nil
}

func (s *seat) close(ctx context.Context) error {
	err := s.session.Close(ctx)
	s.closeRedis()
	return err
}

func (s *seat) closeRedis() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

var errGaveUp = errors.New("could not reach the server")

// waitConnected blocks until m is connected. It fails with errGaveUp once
// automatic retries are exhausted.
func waitConnected(ctx context.Context, m *conn.Manager) error {
	up := make(chan struct{}, 1)
	lost := make(chan struct{}, 1)
	m.OnChange(func(c conn.Change) {
		ch := up
		switch {
		case c.GaveUp:
			ch = lost
		case c.To != conn.StateConnected:
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if m.State() == conn.StateConnected {
		return nil
	}
	if m.GaveUp() {
		return errGaveUp
	}
	select {
	case <-up:
		return nil
	case <-lost:
		return errGaveUp
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reconnector interface {
	ManualReconnect(ctx context.Context) error
}

// watchConnection prints connection trouble and recovery. hint is appended
// to the give-up notice.
func watchConnection(m *conn.Manager, p *printer, hint string) {
	lost := false
	m.OnChange(func(c conn.Change) {
		switch {
		case c.GaveUp:
			lost = true
			p.printf("Gave up reconnecting after %d attempts%s\n", c.Attempt, hint)
		case c.To == conn.StateReconnecting:
			lost = true
			p.printf("Connection lost, retrying in %s (attempt %d)\n", c.Delay, c.Attempt)
		case c.To == conn.StateConnected && lost:
			lost = false
			p.printf("Reconnected\n")
		}
	})
}

func isReconnect(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "reconnect")
}

func reconnect(ctx context.Context, rc reconnector, p *printer) {
	if err := rc.ManualReconnect(ctx); err != nil {
		p.printf("Reconnect failed: %v\n", err)
	}
}

// serveMetrics exposes the seat's collectors on addr until ctx ends. An
// empty addr disables it.
func serveMetrics(ctx context.Context, addr string, reg prometheus.Gatherer, logger zerolog.Logger) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// sleep waits d on clock; it reports false if ctx ended first.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

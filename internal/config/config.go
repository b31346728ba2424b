package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// App holds runtime configuration shared by the relay and the CLI clients.
type App struct {
	Name     string `env:"APP_NAME" envDefault:"quiz-live"`
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Client   Client
	Backoff  Backoff
	Relay    Relay
	Redis    Redis
	NATS     NATS
	Security Security
	CORS     CORS
}

// Client configures the session engine used by hosts and participants.
type Client struct {
	ServerURL         string        `env:"QUIZ_SERVER_URL" envDefault:"http://127.0.0.1:8080"`
	WebSocketURL      string        `env:"QUIZ_WS_URL"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"5s"`
	IdentityStore     string        `env:"IDENTITY_STORE" envDefault:"memory"`
	IdentityTTL       time.Duration `env:"IDENTITY_TTL" envDefault:"4h"`
	MetricsAddr       string        `env:"METRICS_ADDR"`
}

// Backoff governs automatic reconnects.
type Backoff struct {
	Base        time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	Growth      float64       `env:"RECONNECT_GROWTH" envDefault:"1.5"`
	Cap         time.Duration `env:"RECONNECT_CAP" envDefault:"30s"`
	MaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
}

// Relay configures the development broker.
type Relay struct {
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`
	Fanout                  string        `env:"RELAY_FANOUT" envDefault:"local"`
	FanoutChannel           string        `env:"RELAY_FANOUT_CHANNEL" envDefault:"quizlive:events"`
	TickInterval            time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	SessionTTL              time.Duration `env:"SESSION_TTL" envDefault:"6h"`
	EmbeddedRedis           bool          `env:"RELAY_EMBEDDED_REDIS" envDefault:"false"`
}

// Redis holds relay state and identity store configuration.
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// NATS configures the optional NATS fan-out bus.
type NATS struct {
	URL           string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"quizlive"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
}

// Security stores secrets for signing session tokens.
type Security struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"6h"`
}

// CORS holds Cross-Origin Resource Sharing configuration.
type CORS struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS" envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS" envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE" envDefault:"3600"`
}

// Fan-out modes for Relay.Fanout.
const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
	FanoutNATS  = "nats"
)

// Identity store backends for Client.IdentityStore.
const (
	IdentityMemory = "memory"
	IdentityRedis  = "redis"
)

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *App) Validate() error {
	if c.Backoff.Base <= 0 {
		return fmt.Errorf("RECONNECT_BASE must be positive")
	}
	if c.Backoff.Growth < 1 {
		return fmt.Errorf("RECONNECT_GROWTH must be at least 1")
	}
	if c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("RECONNECT_CAP must not be below RECONNECT_BASE")
	}
	if c.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	switch c.Relay.Fanout {
	case FanoutLocal, FanoutRedis, FanoutNATS:
	default:
		return fmt.Errorf("unknown RELAY_FANOUT %q", c.Relay.Fanout)
	}
	switch c.Client.IdentityStore {
	case IdentityMemory, IdentityRedis:
	default:
		return fmt.Errorf("unknown IDENTITY_STORE %q", c.Client.IdentityStore)
	}
	return nil
}

// WebSocketEndpoint returns the configured WebSocket URL, deriving it from
// the server URL when unset.
func (c Client) WebSocketEndpoint() string {
	if c.WebSocketURL != "" {
		return c.WebSocketURL
	}
	base := strings.TrimSuffix(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}

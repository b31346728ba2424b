package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/auth/jwt"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

const publishTimeout = 5 * time.Second

// Options configures a Relay.
type Options struct {
	TickInterval time.Duration
	Scoring      ScoringConfig
	Clock        clockwork.Clock
	Metrics      *metrics.Relay
}

// Relay is the development broker: it owns the local hub, fans events out
// through the bus and runs one quiz runner per session.
type Relay struct {
	hub     *ws.Hub
	bus     Bus
	store   *Store
	tokens  *jwt.Manager
	scorer  Scorer
	clock   clockwork.Clock
	tick    time.Duration
	metrics *metrics.Relay
	logger  zerolog.Logger

	mu      sync.Mutex
	runners map[string]*Runner
}

func New(hub *ws.Hub, bus Bus, store *Store, tokens *jwt.Manager, opts Options, logger zerolog.Logger) *Relay {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Scoring == (ScoringConfig{}) {
		opts.Scoring = DefaultScoringConfig()
	}
	return &Relay{
		hub:     hub,
		bus:     bus,
		store:   store,
		tokens:  tokens,
		scorer:  NewScorer(opts.Scoring),
		clock:   opts.Clock,
		tick:    opts.TickInterval,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "relay").Logger(),
		runners: make(map[string]*Runner),
	}
}

// Run forwards bus events to the local hub until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.bus.Run(ctx, r.deliver)
}

func (r *Relay) deliver(topic string, msg ws.Message) {
	n, err := r.hub.Broadcast(topic, msg)
	if err != nil {
		r.logger.Debug().Err(err).Str("topic", topic).Int("delivered", n).Msg("partial delivery")
	}
}

// Broadcast publishes payload on topic to every subscriber on every instance.
func (r *Relay) Broadcast(ctx context.Context, topic string, payload any) error {
	msg, err := ws.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	return r.publish(ctx, topic, msg)
}

func (r *Relay) publish(ctx context.Context, topic string, msg ws.Message) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, topic, msg); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("bus publish failed")
		return err
	}
	if d, ok := ws.ParseDestination(topic); ok {
		r.metrics.Published(d.Kind)
	}
	return nil
}

// Runner returns the session's runner, creating it on first use.
func (r *Relay) Runner(code string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runners[code]
	if !ok {
		run = NewRunner(code, r.emitter(), r.clock, r.tick, r.logger)
		r.runners[code] = run
	}
	return run
}

func (r *Relay) emitter() Emitter {
	return func(topic string, payload any) {
		if err := r.Broadcast(context.Background(), topic, payload); err != nil {
			r.logger.Warn().Err(err).Str("topic", topic).Msg("runner broadcast failed")
		}
	}
}

// Hub exposes the local connection hub.
func (r *Relay) Hub() *ws.Hub {
	return r.hub
}

// Ping checks the relay's backing store.
func (r *Relay) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Shutdown stops every countdown and closes every socket.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	for _, run := range r.runners {
		run.End()
	}
	r.mu.Unlock()
	r.hub.CloseAll()
}

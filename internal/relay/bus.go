package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

// Deliver hands an event to the local hub.
type Deliver func(topic string, msg ws.Message)

// Bus carries topic events between relay instances. Every event published
// on the bus, including this instance's own, reaches Deliver exactly once
// per instance.
type Bus interface {
	Publish(ctx context.Context, topic string, msg ws.Message) error
	// Run forwards bus traffic to deliver until ctx is cancelled.
	Run(ctx context.Context, deliver Deliver) error
	Close() error
}

type envelope struct {
	Topic   string     `json:"topic"`
	Message ws.Message `json:"message"`
}

// LocalBus delivers in-process through a buffered queue.
type LocalBus struct {
	events chan envelope
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		events: make(chan envelope, 1024),
	}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, msg ws.Message) error {
	select {
	case b.events <- envelope{Topic: topic, Message: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) Run(ctx context.Context, deliver Deliver) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-b.events:
			deliver(evt.Topic, evt.Message)
		}
	}
}

func (b *LocalBus) Close() error { return nil }

// RedisBus fans events out over Redis Pub/Sub.
type RedisBus struct {
	redis   *redis.Client
	channel string
	ready   chan struct{}
	logger  zerolog.Logger
}

func NewRedisBus(redis *redis.Client, channel string, logger zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = "quizlive:events"
	}
	return &RedisBus{
		redis:   redis,
		channel: channel,
		ready:   make(chan struct{}),
		logger:  logger.With().Str("component", "redis_bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, msg ws.Message) error {
	data, err := json.Marshal(envelope{Topic: topic, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Ready is closed once the subscription is confirmed.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to the event channel and blocks until the context is cancelled.
func (b *RedisBus) Run(ctx context.Context, deliver Deliver) error {
	sub := b.redis.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(msg.Payload, deliver)
		}
	}
}

func (b *RedisBus) forward(payload string, deliver Deliver) {
	var evt envelope
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		b.logger.Warn().Err(err).Msg("failed to decode bus event")
		return
	}
	deliver(evt.Topic, evt.Message)
}

func (b *RedisBus) Close() error { return nil }

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSBus fans events out over core NATS, one subject per session.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "nats_bus").Logger()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "quizlive"
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

func (b *NATSBus) subject(topic string) string {
	d, ok := ws.ParseDestination(topic)
	if !ok {
		return b.prefix + ".events._"
	}
	return b.prefix + ".events." + d.Code
}

func (b *NATSBus) Publish(_ context.Context, topic string, msg ws.Message) error {
	data, err := json.Marshal(envelope{Topic: topic, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *NATSBus) Run(ctx context.Context, deliver Deliver) error {
	msgCh := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(b.prefix+".events.>", msgCh)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgCh:
			var evt envelope
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to decode bus event")
				continue
			}
			deliver(evt.Topic, evt.Message)
		}
	}
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

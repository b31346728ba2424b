package subscription

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/conn"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Handler consumes one topic payload. Handlers must tolerate duplicates and
// out-of-order delivery.
type Handler func(payload json.RawMessage) error

// Binding pairs a topic kind with its concrete address.
type Binding struct {
	Kind  string
	Topic string
}

// TopicSet returns the fixed topics a role listens on for a session.
func TopicSet(role Role, code, name string) ([]Binding, error) {
	switch role {
	case RoleHost:
		return []Binding{
			{Kind: ws.TopicParticipantJoined, Topic: ws.SessionTopic(code, ws.TopicParticipantJoined)},
			{Kind: ws.TopicParticipantLeft, Topic: ws.SessionTopic(code, ws.TopicParticipantLeft)},
			{Kind: ws.TopicLeaderboard, Topic: ws.SessionTopic(code, ws.TopicLeaderboard)},
		}, nil
	case RoleParticipant:
		if name == "" {
			return nil, fmt.Errorf("participant topics: name is required")
		}
		return []Binding{
			{Kind: ws.TopicQuestions, Topic: ws.SessionTopic(code, ws.TopicQuestions)},
			{Kind: ws.TopicCurrentQuestion, Topic: ws.SessionTopic(code, ws.TopicCurrentQuestion)},
			{Kind: ws.TopicTimer, Topic: ws.SessionTopic(code, ws.TopicTimer)},
			{Kind: ws.TopicLeaderboard, Topic: ws.SessionTopic(code, ws.TopicLeaderboard)},
			{Kind: ws.TopicRank, Topic: ws.RankTopic(code, name)},
		}, nil
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}

// Registry maps topics to handlers and replays transport subscriptions on
// every new connection.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
	epoch    uint64
	conn     conn.Conn

	metrics *metrics.Client
	logger  zerolog.Logger
}

func NewRegistry(m *metrics.Client, logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		metrics:  m,
		logger:   logger.With().Str("component", "subscriptions").Logger(),
	}
}

// Declare binds every topic of the role's set. bindings is keyed by topic
// kind and must cover the whole set.
func (r *Registry) Declare(role Role, code, name string, bindings map[string]Handler) error {
	topics, err := TopicSet(role, code, name)
	if err != nil {
		return err
	}
	for _, b := range topics {
		if bindings[b.Kind] == nil {
			return fmt.Errorf("declare %s topics: no handler for %s", role, b.Kind)
		}
	}
	for _, b := range topics {
		if err := r.Subscribe(b.Topic, bindings[b.Kind]); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe binds handler to topic, replacing any previous binding. If a
// connection is live the transport subscription is made immediately.
func (r *Registry) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, bound := r.handlers[topic]
	r.handlers[topic] = handler
	if bound || r.conn == nil {
		return nil
	}
	if err := r.conn.Subscribe(topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (r *Registry) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[topic]; !ok {
		return nil
	}
	delete(r.handlers, topic)
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Topics returns the bound topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resubscribe implements conn.Subscriber. It adopts the connection of the
// given epoch and subscribes every bound topic on it.
func (r *Registry) Resubscribe(epoch uint64, c conn.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch = epoch
	r.conn = c

	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, t := range topics {
		if err := c.Subscribe(t); err != nil {
			return fmt.Errorf("resubscribe %s: %w", t, err)
		}
	}
	r.logger.Debug().Uint64("epoch", epoch).Int("topics", len(topics)).Msg("resubscribed")
	return nil
}

// Dispatch routes a message to its topic handler. It has the
// conn.MessageHandler signature.
func (r *Registry) Dispatch(epoch uint64, topic string, payload json.RawMessage) {
	r.mu.Lock()
	current := r.epoch
	h := r.handlers[topic]
	r.mu.Unlock()

	if epoch != current {
		r.metrics.DroppedEvent("stale_epoch")
		r.logger.Debug().Uint64("epoch", epoch).Uint64("current", current).Str("topic", topic).Msg("dropping message from old epoch")
		return
	}
	if h == nil {
		r.metrics.DroppedEvent("unknown_topic")
		r.logger.Debug().Str("topic", topic).Msg("dropping message for unbound topic")
		return
	}
	if err := h(payload); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("topic handler failed")
	}
}

// Detach forgets the live connection. Bindings are kept for the next
// Resubscribe.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quizlive"

// Client holds session engine collectors. A nil *Client is valid and
// records nothing.
type Client struct {
	transitions *prometheus.CounterVec
	reconnects  prometheus.Counter
	giveUps     prometheus.Counter
	submissions *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// NewClient registers session engine collectors on reg.
func NewClient(reg prometheus.Registerer) *Client {
	c := &Client{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"to"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts scheduled.",
		}),
		giveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "give_ups_total",
			Help:      "Times automatic reconnects were abandoned.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "total",
			Help:      "Answer submissions by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quiz",
			Name:      "dropped_events_total",
			Help:      "Inbound events rejected by the quiz state machine.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(c.transitions, c.reconnects, c.giveUps, c.submissions, c.dropped)
	}
	return c
}

func (c *Client) ConnectionTransition(to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(to).Inc()
}

func (c *Client) ReconnectScheduled() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Client) GaveUp() {
	if c == nil {
		return
	}
	c.giveUps.Inc()
}

// Submission outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
)

func (c *Client) Submission(outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

func (c *Client) DroppedEvent(event string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(event).Inc()
}

// Relay holds development broker collectors. A nil *Relay is valid.
type Relay struct {
	connections prometheus.Gauge
	published   *prometheus.CounterVec
	answers     *prometheus.CounterVec
}

// NewRelay registers broker collectors on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_events_total",
			Help:      "Events fanned out by topic kind.",
		}, []string{"kind"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "answers_total",
			Help:      "Answer submissions by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(r.connections, r.published, r.answers)
	}
	return r
}

func (r *Relay) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connections.Inc()
}

func (r *Relay) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connections.Dec()
}

func (r *Relay) Published(kind string) {
	if r == nil {
		return
	}
	r.published.WithLabelValues(kind).Inc()
}

// Answer results.
const (
	AnswerCorrect   = "correct"
	AnswerIncorrect = "incorrect"
	AnswerDuplicate = "duplicate"
)

func (r *Relay) Answer(result string) {
	if r == nil {
		return
	}
	r.answers.WithLabelValues(result).Inc()
}

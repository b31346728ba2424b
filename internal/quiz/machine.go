package quiz

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/metrics"
)

// Listener observes committed transitions.
type Listener func(prev, next State)

// Machine serializes events from transport and timer goroutines into the
// pure Transition function.
type Machine struct {
	mu    sync.Mutex
	state State

	// notifyMu keeps listener calls in commit order. Listeners must not
	// call Apply.
	notifyMu  sync.Mutex
	listeners []Listener

	metrics *metrics.Client
	logger  zerolog.Logger
}

// NewMachine creates a machine in WAITING_FOR_START.
func NewMachine(m *metrics.Client, logger zerolog.Logger) *Machine {
	return &Machine{
		state:   Initial(),
		metrics: m,
		logger:  logger.With().Str("component", "quiz_machine").Logger(),
	}
}

// OnChange registers a listener for accepted transitions.
func (m *Machine) OnChange(l Listener) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Apply runs one event through the state machine. Rejected events are
// logged, counted and returned as *StateError; the state is unchanged.
func (m *Machine) Apply(e Event) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	next, err := Transition(prev, e)
	m.state = next
	m.mu.Unlock()

	if err != nil {
		m.logRejected(e, err)
		return err
	}

	if prev.Phase != next.Phase {
		m.logger.Info().
			Str("event", e.Name()).
			Str("from", string(prev.Phase)).
			Str("to", string(next.Phase)).
			Int("question_index", next.CurrentIndex).
			Msg("quiz phase changed")
	}

	for _, l := range m.listeners {
		l(prev, next)
	}
	return nil
}

func (m *Machine) logRejected(e Event, err error) {
	var se *StateError
	if !errors.As(err, &se) {
		m.logger.Warn().Err(err).Str("event", e.Name()).Msg("event rejected")
		return
	}
	m.metrics.DroppedEvent(e.Name())

	evt := m.logger.Debug()
	if se.Reason == ReasonEnded {
		evt = m.logger.Info()
	}
	evt.Str("event", se.Event).
		Str("phase", string(se.Phase)).
		Str("reason", se.Reason).
		Msg("event dropped")
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

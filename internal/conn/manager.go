package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/metrics"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Change describes one lifecycle transition. A Change with GaveUp set is
// emitted once automatic retries are exhausted; From and To are both
// DISCONNECTED in that case.
type Change struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	GaveUp  bool
	Err     error
}

// Options tune a Manager. Zero values fall back to defaults.
type Options struct {
	Backoff           Backoff
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Clock             clockwork.Clock
	Metrics           *metrics.Client
}

// Manager owns the single broker connection of a session: connect,
// failure detection, reconnect with backoff, heartbeat and teardown.
type Manager struct {
	transport  Transport
	subscriber Subscriber
	onMessage  MessageHandler

	backoff     Backoff
	heartbeat   time.Duration
	dialTimeout time.Duration
	clock       clockwork.Clock
	metrics     *metrics.Client
	logger      zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	epoch      uint64
	attempt    int
	closed     bool
	offline    bool
	gaveUp     bool
	lastErr    error
	timer      clockwork.Timer
	timerGen   uint64
	hbTicker   clockwork.Ticker
	hbStop     chan struct{}
	life       context.Context
	lifeCancel context.CancelFunc
	pending    []Change

	notifyMu  sync.Mutex
	listeners []func(Change)
}

// NewManager builds a manager in DISCONNECTED. subscriber and onMessage may
// be nil.
func NewManager(t Transport, subscriber Subscriber, onMessage MessageHandler, opts Options, logger zerolog.Logger) *Manager {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	life, cancel := context.WithCancel(context.Background())

	return &Manager{
		transport:   t,
		subscriber:  subscriber,
		onMessage:   onMessage,
		backoff:     opts.Backoff,
		heartbeat:   opts.HeartbeatInterval,
		dialTimeout: opts.DialTimeout,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "connection_manager").Logger(),
		state:       StateDisconnected,
		life:        life,
		lifeCancel:  cancel,
	}
}

// OnChange registers a lifecycle listener. Listeners run outside the
// manager lock, in transition order.
func (m *Manager) OnChange(l func(Change)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Connect dials the broker. A failed dial is returned and also hands
// control to the reconnect loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked()
	m.transitionLocked(StateConnecting, Change{Attempt: m.attempt})
	epoch := m.nextEpochLocked()
	m.mu.Unlock()

	m.flush()
	return m.dial(ctx, epoch)
}

// ManualReconnect clears a give-up or an explicit Disconnect, resets the
// backoff and dials immediately.
func (m *Manager) ManualReconnect(ctx context.Context) error {
	m.mu.Lock()
	m.closed = false
	m.offline = false
	m.gaveUp = false
	m.attempt = 0
	if m.life.Err() != nil {
		m.life, m.lifeCancel = context.WithCancel(context.Background())
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked()
	m.transitionLocked(StateConnecting, Change{})
	epoch := m.nextEpochLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("manual reconnect")
	m.flush()
	return m.dial(ctx, epoch)
}

// Disconnect tears the connection down for good. Timers are stopped before
// the transport is released; no reconnect happens until ManualReconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed && m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelTimerLocked()
	m.stopHeartbeatLocked()
	m.lifeCancel()
	m.epoch++
	old := m.conn
	m.conn = nil
	m.detachLocked()
	if m.state != StateDisconnected {
		m.transitionLocked(StateDisconnected, Change{})
	}
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("close transport")
		}
	}
	m.logger.Info().Msg("disconnected")
	m.flush()
}

// Close implements io.Closer.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// OnTransportClosed reports that the live connection closed.
func (m *Manager) OnTransportClosed(err error) {
	m.fail(m.currentEpoch(), closeError("close", err))
}

// OnTransportError reports a socket or protocol error on the live
// connection. Both kinds go through the same failure path.
func (m *Manager) OnTransportError(err error) {
	m.fail(m.currentEpoch(), wrapError(err))
}

// SetOnline reacts to network status changes. Going offline drops the
// connection and pauses retries; coming back online reconnects at once.
func (m *Manager) SetOnline(ctx context.Context, online bool) error {
	if !online {
		m.mu.Lock()
		m.offline = true
		m.cancelTimerLocked()
		switch m.state {
		case StateConnecting:
			// The in-flight dial is superseded and its conn dropped.
			m.epoch++
			m.transitionLocked(StateDisconnected, Change{Err: &TransportError{Op: "network", Err: ErrOffline}})
		case StateReconnecting:
			m.transitionLocked(StateDisconnected, Change{Err: &TransportError{Op: "network", Err: ErrOffline}})
		}
		epoch := m.epoch
		m.mu.Unlock()

		m.fail(epoch, &TransportError{Op: "network", Err: ErrOffline})
		m.flush()
		return nil
	}
	return m.resume(ctx)
}

// SetVisible reacts to the app moving between background and foreground.
// On foreground a live connection is probed; a dead one reconnects at once.
func (m *Manager) SetVisible(ctx context.Context, visible bool) error {
	if !visible {
		return nil
	}
	if m.State() == StateConnected && m.CheckLiveness() {
		return nil
	}
	return m.resume(ctx)
}

// CheckLiveness runs the heartbeat probe now. It returns false when the
// connection is not live.
func (m *Manager) CheckLiveness() bool {
	return m.probe(m.currentEpoch())
}

// Publish sends a payload to a topic or command destination.
func (m *Manager) Publish(destination string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	m.mu.Lock()
	c := m.conn
	epoch := m.epoch
	live := m.state == StateConnected && c != nil
	m.mu.Unlock()

	if !live {
		return ErrNotConnected
	}
	if err := c.Publish(destination, raw); err != nil {
		terr := &TransportError{Op: "publish", Err: err}
		m.fail(epoch, terr)
		return terr
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GaveUp reports whether automatic retries are exhausted.
func (m *Manager) GaveUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaveUp
}

// Attempt returns the number of reconnects scheduled since the last
// successful connect.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError returns the most recent failure, or nil after a connect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) dial(ctx context.Context, epoch uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	c, err := m.transport.Dial(dialCtx, m.handlers(epoch))
	cancel()

	m.mu.Lock()
	if m.closed || epoch != m.epoch {
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		return ErrSuperseded
	}
	if m.offline {
		terr := &TransportError{Op: "network", Err: ErrOffline}
		m.lastErr = terr
		m.transitionLocked(StateDisconnected, Change{Err: terr})
		m.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		m.flush()
		return terr
	}
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		m.failLocked(terr)
		m.mu.Unlock()
		m.flush()
		return terr
	}

	m.conn = c
	m.attempt = 0
	m.gaveUp = false
	m.lastErr = nil
	m.transitionLocked(StateConnected, Change{})
	m.startHeartbeatLocked(epoch)
	m.mu.Unlock()

	m.logger.Info().Uint64("epoch", epoch).Msg("connected")

	if m.subscriber != nil {
		if err := m.subscriber.Resubscribe(epoch, c); err != nil {
			terr := &TransportError{Op: "subscribe", Err: err}
			m.fail(epoch, terr)
			return terr
		}
	}
	m.flush()
	return nil
}

func (m *Manager) handlers(epoch uint64) Handlers {
	return Handlers{
		OnMessage: func(topic string, payload json.RawMessage) {
			m.deliver(epoch, topic, payload)
		},
		OnClose: func(err error) {
			m.fail(epoch, closeError("read", err))
		},
		OnError: func(err error) {
			m.fail(epoch, wrapError(err))
		},
	}
}

func (m *Manager) deliver(epoch uint64, topic string, payload json.RawMessage) {
	m.mu.Lock()
	live := epoch == m.epoch && m.state == StateConnected
	m.mu.Unlock()

	if !live {
		m.logger.Debug().Uint64("epoch", epoch).Str("topic", topic).Msg("dropping message from stale connection")
		return
	}
	if m.onMessage != nil {
		m.onMessage(epoch, topic, payload)
	}
}

// fail handles a failure of the connection identified by epoch. Failures of
// connections that are no longer current are ignored.
func (m *Manager) fail(epoch uint64, err error) {
	m.mu.Lock()
	if m.closed || epoch != m.epoch || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	old := m.failLocked(err)
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.flush()
}

func (m *Manager) failLocked(err error) Conn {
	m.lastErr = err
	m.stopHeartbeatLocked()
	old := m.conn
	m.conn = nil
	if old != nil {
		m.detachLocked()
	}
	m.transitionLocked(StateDisconnected, Change{Err: err})
	m.logger.Warn().Err(err).Msg("connection lost")

	if !m.closed && !m.offline {
		m.scheduleLocked(err)
	}
	return old
}

func (m *Manager) detachLocked() {
	if m.subscriber != nil {
		m.subscriber.Detach()
	}
}

func (m *Manager) scheduleLocked(cause error) {
	if m.backoff.Exhausted(m.attempt) {
		m.gaveUp = true
		m.pending = append(m.pending, Change{
			From:    StateDisconnected,
			To:      StateDisconnected,
			Attempt: m.attempt,
			GaveUp:  true,
			Err:     cause,
		})
		m.metrics.GaveUp()
		m.logger.Error().Err(cause).Int("attempts", m.attempt).Msg("giving up on reconnect")
		return
	}

	delay := m.backoff.Delay(m.attempt)
	m.attempt++
	m.timerGen++
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(delay, func() { m.fire(gen) })
	m.transitionLocked(StateReconnecting, Change{Attempt: m.attempt, Delay: delay, Err: cause})
	m.metrics.ReconnectScheduled()
	m.logger.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.timerGen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.transitionLocked(StateConnecting, Change{Attempt: m.attempt})
	epoch := m.nextEpochLocked()
	ctx := m.life
	m.mu.Unlock()

	m.flush()
	_ = m.dial(ctx, epoch)
}

func (m *Manager) resume(ctx context.Context) error {
	m.mu.Lock()
	m.offline = false
	if m.closed || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked()
	m.attempt = 0
	m.gaveUp = false
	m.transitionLocked(StateConnecting, Change{})
	epoch := m.nextEpochLocked()
	m.mu.Unlock()

	m.flush()
	return m.dial(ctx, epoch)
}

func (m *Manager) startHeartbeatLocked(epoch uint64) {
	if m.heartbeat <= 0 {
		return
	}
	ticker := m.clock.NewTicker(m.heartbeat)
	stop := make(chan struct{})
	m.hbTicker, m.hbStop = ticker, stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if !m.probe(epoch) {
					return
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbTicker == nil {
		return
	}
	m.hbTicker.Stop()
	close(m.hbStop)
	m.hbTicker, m.hbStop = nil, nil
}

func (m *Manager) probe(epoch uint64) bool {
	m.mu.Lock()
	c := m.conn
	live := epoch == m.epoch && m.state == StateConnected && c != nil
	m.mu.Unlock()

	if !live {
		return false
	}
	if c.Connected() {
		return true
	}
	m.logger.Warn().Uint64("epoch", epoch).Msg("heartbeat found stale transport")
	m.fail(epoch, &TransportError{Op: "heartbeat", Err: ErrStale})
	return false
}

func (m *Manager) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) nextEpochLocked() uint64 {
	m.epoch++
	return m.epoch
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Manager) transitionLocked(to State, c Change) {
	c.From = m.state
	c.To = to
	m.state = to
	m.pending = append(m.pending, c)
	m.metrics.ConnectionTransition(to.String())
}

// flush delivers queued changes. Only one goroutine drains at a time; a
// caller that finds the drain busy leaves its changes to the active drainer,
// which re-checks the queue after releasing notifyMu.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, c := range batch {
				for _, l := range m.listeners {
					l(c)
				}
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func closeError(op string, err error) error {
	if err == nil {
		err = io.EOF
	}
	return &TransportError{Op: op, Err: err}
}

func wrapError(err error) error {
	var perr *ProtocolError
	var terr *TransportError
	if errors.As(err, &perr) || errors.As(err, &terr) {
		return err
	}
	return &TransportError{Op: "error", Err: err}
}

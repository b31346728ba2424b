package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	h      Handlers
	alive  atomic.Bool
	closed atomic.Bool

	mu        sync.Mutex
	subs      []string
	published []string
	pubErr    error
}

func (c *fakeConn) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return nil
}

func (c *fakeConn) Unsubscribe(string) error { return nil }

func (c *fakeConn) Publish(dest string, _ json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubErr != nil {
		return c.pubErr
	}
	c.published = append(c.published, dest)
	return nil
}

func (c *fakeConn) Connected() bool { return c.alive.Load() && !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	down  bool
	gate  chan struct{}
	dials int
	conns []*fakeConn
}

// Dial blocks on gate when one is set.
func (t *fakeTransport) Dial(ctx context.Context, h Handlers) (Conn, error) {
	t.mu.Lock()
	t.dials++
	gate, down := t.gate, t.down
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if down {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{h: h}
	c.alive.Store(true)
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) setGate(gate chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = gate
}

func (t *fakeTransport) setDown(down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = down
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

type recordingSubscriber struct {
	mu       sync.Mutex
	epochs   []uint64
	detaches int
}

func (s *recordingSubscriber) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detaches++
}

func (s *recordingSubscriber) detachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detaches
}

func (s *recordingSubscriber) Resubscribe(epoch uint64, c Conn) error {
	s.mu.Lock()
	s.epochs = append(s.epochs, epoch)
	s.mu.Unlock()
	return c.Subscribe("/topic/ABC123/questions")
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.changes))
	for _, c := range l.changes {
		if !c.GaveUp {
			out = append(out, c.To)
		}
	}
	return out
}

func (l *changeLog) gaveUp() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.changes {
		if c.GaveUp {
			n++
		}
	}
	return n
}

type harness struct {
	transport *fakeTransport
	sub       *recordingSubscriber
	clock     *clockwork.FakeClock
	log       *changeLog
	manager   *Manager

	mu       sync.Mutex
	messages []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		sub:       &recordingSubscriber{},
		clock:     clockwork.NewFakeClock(),
		log:       &changeLog{},
	}
	opts.Clock = h.clock
	h.manager = NewManager(h.transport, h.sub, func(_ uint64, topic string, _ json.RawMessage) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.messages = append(h.messages, topic)
	}, opts, zerolog.Nop())
	h.manager.OnChange(h.log.record)
	t.Cleanup(h.manager.Disconnect)
	return h
}

func (h *harness) delivered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func TestManagerConnectResubscribes(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.manager.Connect(context.Background()))

	assert.Equal(t, StateConnected, h.manager.State())
	assert.Equal(t, []State{StateConnecting, StateConnected}, h.log.states())
	assert.Equal(t, []uint64{1}, h.sub.epochs)
	assert.Equal(t, []string{"/topic/ABC123/questions"}, h.transport.last().subs)

	// A second Connect while connected is a no-op.
	require.NoError(t, h.manager.Connect(context.Background()))
	assert.Equal(t, 1, h.transport.dialCount())
}

func TestManagerReconnectsWithBackoff(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.setDown(true)

	err := h.manager.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, StateReconnecting, h.manager.State())
	assert.Equal(t, 1, h.manager.Attempt())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.manager.Attempt() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.transport.dialCount())

	h.log.mu.Lock()
	last := h.log.changes[len(h.log.changes)-1]
	h.log.mu.Unlock()
	assert.Equal(t, StateReconnecting, last.To)
	assert.Equal(t, 1500*time.Millisecond, last.Delay)

	h.transport.setDown(false)
	h.clock.Advance(1500 * time.Millisecond)
	require.Eventually(t, func() bool { return h.manager.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.manager.Attempt())
	assert.NoError(t, h.manager.LastError())
}

func TestManagerReconnectsAfterClose(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Connect(context.Background()))
	first := h.transport.last()

	first.h.OnClose(errors.New("reset by peer"))

	assert.Equal(t, StateReconnecting, h.manager.State())
	assert.True(t, first.closed.Load())
	assert.Equal(t,
		[]State{StateConnecting, StateConnected, StateDisconnected, StateReconnecting},
		h.log.states())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.manager.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, h.sub.epochs)
}

func TestManagerIgnoresStaleConnection(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Connect(context.Background()))
	first := h.transport.last()

	first.h.OnMessage("/topic/ABC123/timer", nil)
	first.h.OnClose(nil)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.manager.State() == StateConnected }, time.Second, 5*time.Millisecond)
	before := len(h.log.states())

	first.h.OnMessage("/topic/ABC123/questions", nil)
	first.h.OnError(errors.New("late error"))
	first.h.OnClose(nil)

	assert.Equal(t, StateConnected, h.manager.State())
	assert.Len(t, h.log.states(), before)
	assert.Equal(t, []string{"/topic/ABC123/timer"}, h.delivered())
}

func TestManagerProtocolErrorReconnects(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Connect(context.Background()))

	h.transport.last().h.OnError(&ProtocolError{Code: "forbidden", Message: "nope"})

	assert.Equal(t, StateReconnecting, h.manager.State())
	var perr *ProtocolError
	assert.ErrorAs(t, h.manager.LastError(), &perr)
}

func TestManagerGivesUp(t *testing.T) {
	b := DefaultBackoff()
	b.MaxAttempts = 2
	h := newHarness(t, Options{Backoff: b})
	h.transport.setDown(true)

	_ = h.manager.Connect(context.Background())
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.manager.Attempt() == 2 }, time.Second, 5*time.Millisecond)
	h.clock.Advance(1500 * time.Millisecond)
	require.Eventually(t, h.manager.GaveUp, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateDisconnected, h.manager.State())
	assert.Equal(t, 1, h.log.gaveUp())
	assert.Equal(t, 3, h.transport.dialCount())

	h.clock.Advance(time.Hour)
	assert.Equal(t, 3, h.transport.dialCount())

	h.transport.setDown(false)
	require.NoError(t, h.manager.ManualReconnect(context.Background()))
	assert.Equal(t, StateConnected, h.manager.State())
	assert.False(t, h.manager.GaveUp())
}

func TestManagerDisconnectStopsReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.setDown(true)
	_ = h.manager.Connect(context.Background())
	require.Equal(t, StateReconnecting, h.manager.State())

	h.manager.Disconnect()
	assert.Equal(t, StateDisconnected, h.manager.State())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())
	assert.ErrorIs(t, h.manager.Connect(context.Background()), ErrClosed)

	h.transport.setDown(false)
	require.NoError(t, h.manager.ManualReconnect(context.Background()))
	assert.Equal(t, StateConnected, h.manager.State())
}

func TestManagerDisconnectClosesTransport(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Connect(context.Background()))
	c := h.transport.last()

	h.manager.Disconnect()
	h.manager.Disconnect()

	assert.True(t, c.closed.Load())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, h.log.states())
}

func TestManagerHeartbeatDetectsStaleTransport(t *testing.T) {
	h := newHarness(t, Options{HeartbeatInterval: 10 * time.Second})
	require.NoError(t, h.manager.Connect(context.Background()))

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateConnected, h.manager.State())

	h.transport.last().alive.Store(false)
	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return h.manager.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.manager.LastError(), ErrStale)
}

func TestManagerOfflinePausesRetries(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Connect(context.Background()))

	require.NoError(t, h.manager.SetOnline(context.Background(), false))
	assert.Equal(t, StateDisconnected, h.manager.State())
	assert.ErrorIs(t, h.manager.LastError(), ErrOffline)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())

	require.NoError(t, h.manager.SetOnline(context.Background(), true))
	assert.Equal(t, StateConnected, h.manager.State())
	assert.Equal(t, 2, h.transport.dialCount())
}

func TestManagerOfflineDuringDial(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	h.transport.setGate(gate)

	done := make(chan error, 1)
	go func() { done <- h.manager.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return h.transport.dialCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, h.manager.State())

	require.NoError(t, h.manager.SetOnline(context.Background(), false))
	assert.Equal(t, StateDisconnected, h.manager.State())

	close(gate)
	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, StateDisconnected, h.manager.State())
	assert.True(t, h.transport.last().closed.Load())
	assert.Empty(t, h.sub.epochs)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())

	h.transport.setGate(nil)
	require.NoError(t, h.manager.SetOnline(context.Background(), true))
	assert.Equal(t, StateConnected, h.manager.State())
}

func TestManagerConnectWhileOffline(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.SetOnline(context.Background(), false))

	err := h.manager.Connect(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, StateDisconnected, h.manager.State())
	assert.True(t, h.transport.last().closed.Load())
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, h.log.states())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.transport.dialCount())
}

func TestManagerDetachesSubscriberOnFailure(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.manager.Connect(context.Background()))
	assert.Zero(t, h.sub.detachCount())

	h.transport.last().h.OnClose(errors.New("reset by peer"))
	assert.Equal(t, 1, h.sub.detachCount())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.manager.State() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.sub.detachCount())

	h.manager.Disconnect()
	assert.Equal(t, 2, h.sub.detachCount())
}

func TestManagerForegroundReconnectsImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.setDown(true)
	_ = h.manager.Connect(context.Background())
	require.Equal(t, StateReconnecting, h.manager.State())

	h.transport.setDown(false)
	require.NoError(t, h.manager.SetVisible(context.Background(), true))
	assert.Equal(t, StateConnected, h.manager.State())
	assert.Equal(t, 0, h.manager.Attempt())

	// The cancelled backoff timer must not dial again.
	h.clock.Advance(time.Minute)
	assert.Equal(t, 2, h.transport.dialCount())
}

func TestManagerPublish(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.manager.Publish("/app/ABC123/join", map[string]string{"name": "ada"}), ErrNotConnected)

	require.NoError(t, h.manager.Connect(context.Background()))
	require.NoError(t, h.manager.Publish("/app/ABC123/join", map[string]string{"name": "ada"}))
	assert.Equal(t, []string{"/app/ABC123/join"}, h.transport.last().published)

	err := h.manager.Publish("/app/ABC123/join", func() {})
	require.Error(t, err)
	assert.Equal(t, StateConnected, h.manager.State())

	c := h.transport.last()
	c.mu.Lock()
	c.pubErr = errors.New("broken pipe")
	c.mu.Unlock()
	require.Error(t, h.manager.Publish("/app/ABC123/leave", map[string]string{"name": "ada"}))
	assert.Equal(t, StateReconnecting, h.manager.State())
}

func TestManagerListenerMayPublish(t *testing.T) {
	h := newHarness(t, Options{})
	var published atomic.Int32
	h.manager.OnChange(func(c Change) {
		if c.To == StateConnected && h.manager.Publish("/app/ABC123/join", struct{}{}) == nil {
			published.Add(1)
		}
	})

	require.NoError(t, h.manager.Connect(context.Background()))
	assert.Equal(t, int32(1), published.Load())
}

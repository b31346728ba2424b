package subscription

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

type stubConn struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
	err    error
}

func (c *stubConn) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subs = append(c.subs, topic)
	return nil
}

func (c *stubConn) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, topic)
	return nil
}

func (c *stubConn) Publish(string, json.RawMessage) error { return nil }
func (c *stubConn) Connected() bool                       { return true }
func (c *stubConn) Close() error                          { return nil }

func noop(json.RawMessage) error { return nil }

func participantBindings() map[string]Handler {
	return map[string]Handler{
		ws.TopicQuestions:       noop,
		ws.TopicCurrentQuestion: noop,
		ws.TopicTimer:           noop,
		ws.TopicLeaderboard:     noop,
		ws.TopicRank:            noop,
	}
}

func TestTopicSet(t *testing.T) {
	host, err := TopicSet(RoleHost, "ABC123", "")
	require.NoError(t, err)
	assert.Equal(t, []Binding{
		{Kind: ws.TopicParticipantJoined, Topic: "/topic/ABC123/participant-joined"},
		{Kind: ws.TopicParticipantLeft, Topic: "/topic/ABC123/participant-left"},
		{Kind: ws.TopicLeaderboard, Topic: "/topic/ABC123/leaderboard"},
	}, host)

	part, err := TopicSet(RoleParticipant, "ABC123", "ada")
	require.NoError(t, err)
	require.Len(t, part, 5)
	assert.Equal(t, "/topic/ABC123/rank/ada", part[4].Topic)

	_, err = TopicSet(RoleParticipant, "ABC123", "")
	assert.Error(t, err)
	_, err = TopicSet(Role("viewer"), "ABC123", "ada")
	assert.Error(t, err)
}

func TestDeclareRequiresEveryBinding(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	b := participantBindings()
	delete(b, ws.TopicTimer)

	err := r.Declare(RoleParticipant, "ABC123", "ada", b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ws.TopicTimer)
	assert.Empty(t, r.Topics())
}

func TestResubscribeReplaysAllTopics(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	require.NoError(t, r.Declare(RoleParticipant, "ABC123", "ada", participantBindings()))

	first := &stubConn{}
	require.NoError(t, r.Resubscribe(1, first))
	assert.Len(t, first.subs, 5)

	second := &stubConn{}
	require.NoError(t, r.Resubscribe(2, second))
	assert.ElementsMatch(t, first.subs, second.subs)

	failing := &stubConn{err: errors.New("queue full")}
	assert.Error(t, r.Resubscribe(3, failing))
}

func TestSubscribeReplacesHandler(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := &stubConn{}
	require.NoError(t, r.Resubscribe(1, c))

	var got []string
	topic := "/topic/ABC123/timer"
	require.NoError(t, r.Subscribe(topic, func(json.RawMessage) error {
		got = append(got, "old")
		return nil
	}))
	require.NoError(t, r.Subscribe(topic, func(json.RawMessage) error {
		got = append(got, "new")
		return nil
	}))

	r.Dispatch(1, topic, nil)
	assert.Equal(t, []string{"new"}, got)
	assert.Equal(t, []string{topic}, c.subs, "rebinding must not subscribe twice")
}

func TestDispatchDropsStaleEpoch(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	calls := 0
	topic := "/topic/ABC123/questions"
	require.NoError(t, r.Subscribe(topic, func(json.RawMessage) error {
		calls++
		return errors.New("ignored")
	}))
	require.NoError(t, r.Resubscribe(4, &stubConn{}))

	r.Dispatch(3, topic, nil)
	r.Dispatch(4, "/topic/ABC123/unknown", nil)
	r.Dispatch(4, topic, nil)

	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	c := &stubConn{}
	require.NoError(t, r.Declare(RoleHost, "ABC123", "", map[string]Handler{
		ws.TopicParticipantJoined: noop,
		ws.TopicParticipantLeft:   noop,
		ws.TopicLeaderboard:       noop,
	}))
	require.NoError(t, r.Resubscribe(1, c))

	require.NoError(t, r.Unsubscribe("/topic/ABC123/leaderboard"))
	require.NoError(t, r.Unsubscribe("/topic/ABC123/leaderboard"))

	assert.Equal(t, []string{"/topic/ABC123/leaderboard"}, c.unsubs)
	assert.Len(t, r.Topics(), 2)
}

func TestDetachDefersSubscribeToNextConnection(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	dead := &stubConn{}
	require.NoError(t, r.Resubscribe(1, dead))

	r.Detach()
	topic := "/topic/ABC123/timer"
	require.NoError(t, r.Subscribe(topic, noop))
	require.NoError(t, r.Unsubscribe(topic))
	require.NoError(t, r.Subscribe(topic, noop))
	assert.Empty(t, dead.subs)
	assert.Empty(t, dead.unsubs)

	fresh := &stubConn{}
	require.NoError(t, r.Resubscribe(2, fresh))
	assert.Equal(t, []string{topic}, fresh.subs)
}

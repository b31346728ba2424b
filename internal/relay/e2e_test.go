package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/quiz-live/internal/api"
	"github.com/gokatarajesh/quiz-live/internal/auth/jwt"
	"github.com/gokatarajesh/quiz-live/internal/config"
	"github.com/gokatarajesh/quiz-live/internal/conn"
	"github.com/gokatarajesh/quiz-live/internal/host"
	"github.com/gokatarajesh/quiz-live/internal/quiz"
	"github.com/gokatarajesh/quiz-live/internal/relay"
	"github.com/gokatarajesh/quiz-live/internal/server"
	"github.com/gokatarajesh/quiz-live/internal/session"
	"github.com/gokatarajesh/quiz-live/internal/subscription"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

const (
	waitFor = 3 * time.Second
	pollAt  = 10 * time.Millisecond
)

func startRelay(t *testing.T) (*httptest.Server, *relay.Relay, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tokens, err := jwt.NewManager(jwt.TokenConfig{Secret: []byte("e2e-secret"), Clock: clock})
	require.NoError(t, err)

	r := relay.New(ws.NewHub(zerolog.Nop()), relay.NewLocalBus(), relay.NewStore(client, time.Hour, zerolog.Nop()), tokens, relay.Options{
		TickInterval: time.Second,
		Clock:        clock,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()

	srv := httptest.NewServer(server.NewHandler(&config.App{}, zerolog.Nop(), r, nil, server.Routes{
		WebSocket:       r.HandleWebSocket,
		CreateSession:   r.CreateSession,
		ValidateSession: r.ValidateSession,
		SubmitAnswer:    r.SubmitAnswer,
		Leaderboard:     r.Leaderboard,
	}))
	t.Cleanup(func() {
		r.Shutdown()
		srv.Close()
		cancel()
		_ = client.Close()
	})
	return srv, r, clock
}

func connected(s *session.Session) func() bool {
	return func() bool {
		m := s.Connection()
		return m != nil && m.State() == conn.StateConnected
	}
}

func TestEndToEndQuiz(t *testing.T) {
	srv, rel, relayClock := startRelay(t)
	ctx := context.Background()
	collab := api.New(srv.URL, srv.Client(), zerolog.Nop())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	hostSession := session.New(session.Options{
		Role:         subscription.RoleHost,
		Name:         "Quizmaster",
		WebSocketURL: wsURL,
	}, collab, nil, zerolog.Nop())
	require.NoError(t, hostSession.Open(ctx))
	t.Cleanup(func() { _ = hostSession.Close(context.Background()) })
	require.Eventually(t, connected(hostSession), waitFor, pollAt)

	code := hostSession.Identity().SessionCode
	require.Eventually(t, func() bool {
		return rel.Hub().SubscriberCount(ws.SessionTopic(code, ws.TopicParticipantJoined)) == 1
	}, waitFor, pollAt)

	identities := session.NewMemoryStore()
	participant := session.New(session.Options{
		Role:         subscription.RoleParticipant,
		Code:         code,
		Name:         "ada",
		WebSocketURL: wsURL,
	}, collab, identities, zerolog.Nop())
	require.NoError(t, participant.Open(ctx))
	t.Cleanup(func() { _ = participant.Close(context.Background()) })
	require.Eventually(t, connected(participant), waitFor, pollAt)

	hc := hostSession.Host()
	require.Eventually(t, func() bool { return hc.ParticipantCount() == 1 }, waitFor, pollAt)
	assert.Equal(t, []string{"ada"}, hc.Participants())
	require.Eventually(t, func() bool {
		return rel.Hub().SubscriberCount(ws.SessionTopic(code, ws.TopicTimer)) == 1
	}, waitFor, pollAt)

	machine := participant.Machine()
	state := func() quiz.State { return machine.Snapshot() }

	// Host broadcasts three questions.
	require.NoError(t, hc.PublishQuestions([]ws.Question{
		{ID: "q1", Text: "2+2?", Options: []string{"3", "4"}, CorrectAnswer: "4", TimeLimitSeconds: 5},
		{ID: "q2", Text: "3+3?", Options: []string{"6", "7"}, CorrectAnswer: "6", TimeLimitSeconds: 2},
		{ID: "q3", Text: "4+4?", Options: []string{"8", "9"}, CorrectAnswer: "8", TimeLimitSeconds: 5},
	}))
	require.Eventually(t, func() bool { return state().TotalKnown && state().Total == 3 }, waitFor, pollAt)

	// Question 1 is answered after one second.
	idx, err := hc.NextQuestion()
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.Eventually(t, func() bool {
		s := state()
		return s.Phase == quiz.PhaseQuestionActive && s.Current.ID == "q1"
	}, waitFor, pollAt)

	relayClock.Advance(time.Second)
	require.NoError(t, participant.Select("4"))
	sent, err := participant.Submit(ctx, "4")
	require.NoError(t, err)
	require.True(t, sent)

	s := state()
	assert.True(t, s.Submitted)
	require.NotNil(t, s.Result)
	assert.Equal(t, time.Second, s.Result.Elapsed)

	require.Eventually(t, func() bool {
		r := state().Rank
		return r != nil && r.Score == 140 && r.Rank == 1
	}, waitFor, pollAt)

	// Question 2 runs out without a submission.
	idx, err = hc.NextQuestion()
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Eventually(t, func() bool {
		s := state()
		return s.Current.ID == "q2" && s.Remaining == 2
	}, waitFor, pollAt)
	assert.False(t, state().Submitted)

	relayClock.Advance(time.Second)
	require.Eventually(t, func() bool { return state().Remaining == 1 }, waitFor, pollAt)
	relayClock.Advance(time.Second)
	require.Eventually(t, func() bool { return state().Phase == quiz.PhaseAnswerLocked }, waitFor, pollAt)

	sent, err = participant.Submit(ctx, "6")
	require.NoError(t, err)
	assert.False(t, sent)

	board, err := collab.Leaderboard(ctx, code)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 140, board[0].Score)
	assert.Equal(t, int64(1000), board[0].ElapsedTime)

	// Host ends the quiz.
	require.NoError(t, hc.EndQuiz("Thanks for playing"))
	require.Eventually(t, func() bool { return state().Phase == quiz.PhaseLeaderboardShown }, waitFor, pollAt)
	assert.True(t, state().Ended)
	assert.Equal(t, "Thanks for playing", state().EndMessage)
	assert.Len(t, state().Leaderboard, 1)

	_, err = hc.NextQuestion()
	assert.ErrorIs(t, err, host.ErrQuizEnded)

	// Late question and timer events are ignored.
	require.NoError(t, rel.Broadcast(ctx, ws.SessionTopic(code, ws.TopicTimer), ws.TimerPayload{RemainingTime: 3, QuestionIndex: 2}))
	require.NoError(t, rel.Broadcast(ctx, ws.SessionTopic(code, ws.TopicCurrentQuestion), ws.CurrentQuestionPayload{
		Question:      ws.Question{ID: "q3", Options: []string{"8", "9"}, TimeLimitSeconds: 5},
		QuestionIndex: 2,
	}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, quiz.PhaseLeaderboardShown, state().Phase)
	assert.Equal(t, "q2", state().Current.ID)

	require.Eventually(t, func() bool {
		_, ok, _ := identities.Load(ctx, code)
		return !ok
	}, waitFor, pollAt)
}

func TestEndToEndRejectsUnknownSession(t *testing.T) {
	srv, _, _ := startRelay(t)
	collab := api.New(srv.URL, srv.Client(), zerolog.Nop())

	participant := session.New(session.Options{
		Role:         subscription.RoleParticipant,
		Code:         "NOPE00",
		Name:         "ada",
		WebSocketURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}, collab, nil, zerolog.Nop())

	err := participant.Open(context.Background())
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invalid_session_code", verr.Code)
	assert.Nil(t, participant.Connection())
}

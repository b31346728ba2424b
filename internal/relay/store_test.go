package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, time.Hour, zerolog.Nop()), mr
}

func TestScorer(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	assert.Equal(t, 150, s.Score(true, 0, 10*time.Second))
	assert.Equal(t, 125, s.Score(true, 5*time.Second, 10*time.Second))
	assert.Equal(t, 100, s.Score(true, 15*time.Second, 10*time.Second))
	assert.Equal(t, 0, s.Score(false, 0, 10*time.Second))
	// No limit falls back to the default of 30s.
	assert.Equal(t, 125, s.Score(true, 15*time.Second, 0))
}

func TestStoreSessionLifecycle(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_000)

	exists, _, err := store.SessionStatus(ctx, "ABC123")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.CreateSession(ctx, "ABC123", "h-1", "host", now))
	assert.ErrorIs(t, store.CreateSession(ctx, "ABC123", "h-2", "other", now), ErrSessionExists)
	assert.Equal(t, time.Hour, mr.TTL("quizlive:session:ABC123"))

	require.NoError(t, store.MarkEnded(ctx, "ABC123", now))
	exists, ended, err := store.SessionStatus(ctx, "ABC123")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, ended)
}

func TestStoreNames(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ClaimName(ctx, "ABC123", "ada", "p-1"))
	assert.ErrorIs(t, store.ClaimName(ctx, "ABC123", "ada", "p-2"), ErrNameTaken)

	// Only the owner releases the name.
	require.NoError(t, store.ReleaseName(ctx, "ABC123", "ada", "p-2"))
	assert.ErrorIs(t, store.ClaimName(ctx, "ABC123", "ada", "p-2"), ErrNameTaken)

	require.NoError(t, store.ReleaseName(ctx, "ABC123", "ada", "p-1"))
	require.NoError(t, store.ClaimName(ctx, "ABC123", "ada", "p-2"))
	require.NoError(t, store.ReleaseName(ctx, "ABC123", "nobody", "p-9"))
}

func TestStoreQuestions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Question(ctx, "ABC123", "q1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveQuestions(ctx, "ABC123", []ws.Question{{ID: "q1", CorrectAnswer: "4", TimeLimitSeconds: 10}}))
	q, found, err := store.Question(ctx, "ABC123", "q1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "4", q.CorrectAnswer)

	_, err = store.QuestionStart(ctx, "ABC123", "q1")
	assert.ErrorIs(t, err, ErrQuestionUnknown)

	at := time.UnixMilli(42_000)
	require.NoError(t, store.StartQuestion(ctx, "ABC123", "q1", at))
	started, err := store.QuestionStart(ctx, "ABC123", "q1")
	require.NoError(t, err)
	assert.True(t, at.Equal(started))
}

func TestStoreRecordAnswerIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := Answer{ParticipantID: "p-1", Name: "ada", QuestionID: "q1", Option: "4", Correct: true, Score: 140, ElapsedMillis: 2000}
	stored, dup, err := store.RecordAnswer(ctx, "ABC123", first)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, first, stored)

	again := first
	again.Option = "5"
	again.Score = 0
	stored, dup, err = store.RecordAnswer(ctx, "ABC123", again)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, stored)

	entries, err := store.Leaderboard(ctx, "ABC123")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ws.LeaderboardEntry{Name: "ada", Score: 140, Rank: 1, ElapsedTime: 2000}, entries[0])
}

func TestStoreLeaderboardTieBreak(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	record := func(pid, name, qid string, score int, elapsed int64) {
		_, _, err := store.RecordAnswer(ctx, "ABC123", Answer{ParticipantID: pid, Name: name, QuestionID: qid, Score: score, ElapsedMillis: elapsed})
		require.NoError(t, err)
	}
	record("p-1", "ada", "q1", 140, 4000)
	record("p-2", "bob", "q1", 140, 2500)
	record("p-3", "cy", "q1", 150, 9000)
	record("p-4", "dee", "q1", 0, 1000)

	entries, err := store.Leaderboard(ctx, "ABC123")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, []string{"cy", "bob", "ada", "dee"}, names)

	rank, err := store.Rank(ctx, "ABC123", "ada")
	require.NoError(t, err)
	assert.Equal(t, ws.RankPayload{Name: "ada", Score: 140, Rank: 3}, rank)

	rank, err = store.Rank(ctx, "ABC123", "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, rank.Rank)
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

var (
	ErrSessionExists   = errors.New("session code already in use")
	ErrSessionNotFound = errors.New("session not found")
	ErrNameTaken       = errors.New("name already taken")
	ErrQuestionUnknown = errors.New("question not started")
)

// Answer is the stored outcome of one participant's answer to one question.
type Answer struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	QuestionID    string `json:"question_id"`
	Option        string `json:"option"`
	Correct       bool   `json:"correct"`
	Score         int    `json:"score"`
	ElapsedMillis int64  `json:"elapsed_ms"`
}

// Store keeps ephemeral session state in Redis. Every key expires with the
// session TTL.
type Store struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

func NewStore(redis *redis.Client, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Store{
		redis:  redis,
		ttl:    ttl,
		prefix: "quizlive:session:",
		logger: logger.With().Str("component", "relay_store").Logger(),
	}
}

func (s *Store) key(code string, parts ...string) string {
	k := s.prefix + code
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// CreateSession registers a new session owned by hostID.
func (s *Store) CreateSession(ctx context.Context, code, hostID, hostName string, now time.Time) error {
	key := s.key(code)
	ok, err := s.redis.HSetNX(ctx, key, "host_id", hostID).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"host_name":  hostName,
		"created_at": now.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SessionStatus reports whether the session exists and whether it ended.
func (s *Store) SessionStatus(ctx context.Context, code string) (exists, ended bool, err error) {
	vals, err := s.redis.HMGet(ctx, s.key(code), "host_id", "ended").Result()
	if err != nil {
		return false, false, fmt.Errorf("session status: %w", err)
	}
	return vals[0] != nil, vals[1] != nil, nil
}

// MarkEnded flags the session as finished. Later validations are refused.
func (s *Store) MarkEnded(ctx context.Context, code string, now time.Time) error {
	if err := s.redis.HSet(ctx, s.key(code), "ended", now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}
	return nil
}

// ClaimName reserves a participant name within the session.
func (s *Store) ClaimName(ctx context.Context, code, name, participantID string) error {
	key := s.key(code, "names")
	ok, err := s.redis.HSetNX(ctx, key, name, participantID).Result()
	if err != nil {
		return fmt.Errorf("claim name: %w", err)
	}
	if !ok {
		return ErrNameTaken
	}
	return s.redis.Expire(ctx, key, s.ttl).Err()
}

// ReleaseName frees a name if it is still held by participantID.
func (s *Store) ReleaseName(ctx context.Context, code, name, participantID string) error {
	key := s.key(code, "names")
	owner, err := s.redis.HGet(ctx, key, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release name: %w", err)
	}
	if owner != participantID {
		return nil
	}
	return s.redis.HDel(ctx, key, name).Err()
}

// SaveQuestions caches the question set broadcast by the host.
func (s *Store) SaveQuestions(ctx context.Context, code string, questions []ws.Question) error {
	data, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	return s.redis.Set(ctx, s.key(code, "questions"), data, s.ttl).Err()
}

// Question looks a question up in the cached set.
func (s *Store) Question(ctx context.Context, code, questionID string) (ws.Question, bool, error) {
	data, err := s.redis.Get(ctx, s.key(code, "questions")).Bytes()
	if errors.Is(err, redis.Nil) {
		return ws.Question{}, false, nil
	}
	if err != nil {
		return ws.Question{}, false, fmt.Errorf("get questions: %w", err)
	}

	var questions []ws.Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return ws.Question{}, false, fmt.Errorf("unmarshal questions: %w", err)
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q, true, nil
		}
	}
	return ws.Question{}, false, nil
}

// StartQuestion records when a question went live. Elapsed times are
// measured from here.
func (s *Store) StartQuestion(ctx context.Context, code, questionID string, at time.Time) error {
	key := s.key(code, "started")
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, questionID, at.UnixMilli())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("start question: %w", err)
	}
	return nil
}

// QuestionStart returns when the question went live.
func (s *Store) QuestionStart(ctx context.Context, code, questionID string) (time.Time, error) {
	ms, err := s.redis.HGet(ctx, s.key(code, "started"), questionID).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrQuestionUnknown
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("question start: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// RecordAnswer stores the first answer of a participant to a question and
// credits its score. A repeated answer is not credited; the original is
// returned with duplicate set.
func (s *Store) RecordAnswer(ctx context.Context, code string, a Answer) (stored Answer, duplicate bool, err error) {
	data, err := json.Marshal(a)
	if err != nil {
		return Answer{}, false, fmt.Errorf("marshal answer: %w", err)
	}

	key := s.key(code, "answer", a.ParticipantID, a.QuestionID)
	ok, err := s.redis.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return Answer{}, false, fmt.Errorf("record answer: %w", err)
	}
	if !ok {
		raw, err := s.redis.Get(ctx, key).Bytes()
		if err != nil {
			return Answer{}, true, fmt.Errorf("load answer: %w", err)
		}
		var prev Answer
		if err := json.Unmarshal(raw, &prev); err != nil {
			return Answer{}, true, fmt.Errorf("unmarshal answer: %w", err)
		}
		return prev, true, nil
	}

	scores := s.key(code, "scores")
	elapsed := s.key(code, "elapsed")
	pipe := s.redis.TxPipeline()
	pipe.ZIncrBy(ctx, scores, float64(a.Score), a.Name)
	pipe.HIncrBy(ctx, elapsed, a.Name, a.ElapsedMillis)
	pipe.Expire(ctx, scores, s.ttl)
	pipe.Expire(ctx, elapsed, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Answer{}, false, fmt.Errorf("credit score: %w", err)
	}
	return a, false, nil
}

// Leaderboard returns every scored participant ordered by score
// descending, then total elapsed time ascending.
func (s *Store) Leaderboard(ctx context.Context, code string) ([]ws.LeaderboardEntry, error) {
	results, err := s.redis.ZRevRangeWithScores(ctx, s.key(code, "scores"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch leaderboard: %w", err)
	}
	elapsed, err := s.redis.HGetAll(ctx, s.key(code, "elapsed")).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch elapsed: %w", err)
	}

	entries := make([]ws.LeaderboardEntry, 0, len(results))
	for _, z := range results {
		name, _ := z.Member.(string)
		ms, err := strconv.ParseInt(elapsed[name], 10, 64)
		if err != nil && elapsed[name] != "" {
			s.logger.Warn().Err(err).Str("name", name).Msg("skip corrupted elapsed total")
		}
		entries = append(entries, ws.LeaderboardEntry{
			Name:        name,
			Score:       int(z.Score),
			ElapsedTime: ms,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ElapsedTime != b.ElapsedTime {
			return a.ElapsedTime < b.ElapsedTime
		}
		return a.Name < b.Name
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// Rank returns the participant's position on the leaderboard.
func (s *Store) Rank(ctx context.Context, code, name string) (ws.RankPayload, error) {
	entries, err := s.Leaderboard(ctx, code)
	if err != nil {
		return ws.RankPayload{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return ws.RankPayload{Name: e.Name, Score: e.Score, Rank: e.Rank}, nil
		}
	}
	return ws.RankPayload{Name: name}, nil
}

// Ping checks Redis availability.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

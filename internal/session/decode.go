package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gokatarajesh/quiz-live/internal/quiz"
	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

// decodeQuestionSet turns a question-set payload into an event. The end
// flag is checked before the payload is read as a question list.
func decodeQuestionSet(raw json.RawMessage) (quiz.Event, error) {
	var p ws.QuestionSetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode question set: %w", err)
	}
	if p.QuizEnded {
		return quiz.QuizEnded{Message: p.Message}, nil
	}
	return quiz.QuestionsAvailable{Questions: toQuestions(p.Questions)}, nil
}

func decodeCurrentQuestion(raw json.RawMessage) (quiz.Event, error) {
	var p ws.CurrentQuestionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode current question: %w", err)
	}
	if p.Question.ID == "" {
		return nil, errors.New("decode current question: missing question id")
	}
	return quiz.CurrentQuestionChanged{
		Question: toQuestion(p.Question),
		Index:    p.QuestionIndex,
		Total:    p.TotalCount,
	}, nil
}

func decodeTimer(raw json.RawMessage) (quiz.Event, error) {
	var p ws.TimerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode timer: %w", err)
	}
	if p.RemainingTime <= 0 {
		return quiz.TimeExpired{Index: p.QuestionIndex}, nil
	}
	return quiz.TimerTick{Remaining: p.RemainingTime, Index: p.QuestionIndex}, nil
}

func decodeLeaderboard(raw json.RawMessage) (ws.LeaderboardPayload, error) {
	var p ws.LeaderboardPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode leaderboard: %w", err)
	}
	return p, nil
}

func decodeRank(raw json.RawMessage) (quiz.Event, error) {
	var p ws.RankPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode rank: %w", err)
	}
	return quiz.RankUpdated{Entry: quiz.LeaderboardEntry{Name: p.Name, Score: p.Score, Rank: p.Rank}}, nil
}

func decodeParticipant(raw json.RawMessage) (ws.ParticipantPayload, error) {
	var p ws.ParticipantPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode participant: %w", err)
	}
	return p, nil
}

func toQuestion(q ws.Question) quiz.Question {
	return quiz.Question{
		ID:               q.ID,
		Text:             q.Text,
		Options:          append([]string(nil), q.Options...),
		CorrectAnswer:    q.CorrectAnswer,
		TimeLimitSeconds: q.TimeLimitSeconds,
	}
}

func toQuestions(qs []ws.Question) []quiz.Question {
	out := make([]quiz.Question, len(qs))
	for i, q := range qs {
		out[i] = toQuestion(q)
	}
	return out
}

func toEntries(entries []ws.LeaderboardEntry) []quiz.LeaderboardEntry {
	out := make([]quiz.LeaderboardEntry, len(entries))
	for i, e := range entries {
		out[i] = quiz.LeaderboardEntry{
			Name:    e.Name,
			Score:   e.Score,
			Rank:    e.Rank,
			Elapsed: time.Duration(e.ElapsedTime) * time.Millisecond,
		}
	}
	return out
}

package submission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/internal/api"
	"github.com/gokatarajesh/quiz-live/internal/metrics"
	"github.com/gokatarajesh/quiz-live/internal/quiz"
)

// Scorer is the answer scoring collaborator.
type Scorer interface {
	SubmitAnswer(ctx context.Context, req api.AnswerRequest) (api.AnswerResult, error)
}

// Identity is the participant seat answers are sent for.
type Identity struct {
	ParticipantID string
	Name          string
	SessionCode   string
	Token         string
}

// Record is an accepted answer.
type Record struct {
	QuestionID string
	Option     string
	Correct    bool
	Result     api.AnswerResult
	SentAt     time.Time
}

// SubmissionError is a failed scoring call. The question stays open for
// another attempt until time runs out.
type SubmissionError struct {
	QuestionID string
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit answer for %s: %v", e.QuestionID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Controller sends at most one accepted answer per question.
type Controller struct {
	machine  *quiz.Machine
	scorer   Scorer
	identity Identity
	clock    clockwork.Clock
	metrics  *metrics.Client
	logger   zerolog.Logger

	mu       sync.Mutex
	accepted map[string]Record
}

func NewController(machine *quiz.Machine, scorer Scorer, identity Identity, clock clockwork.Clock, m *metrics.Client, logger zerolog.Logger) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		machine:  machine,
		scorer:   scorer,
		identity: identity,
		clock:    clock,
		metrics:  m,
		logger:   logger.With().Str("component", "submission").Logger(),
		accepted: make(map[string]Record),
	}
}

// Select records a local option choice without sending it.
func (c *Controller) Select(option string) error {
	return c.machine.Apply(quiz.OptionSelected{Option: option})
}

// Submit sends option for the current question. It returns false with a nil
// error when submitting is not allowed right now (no question, time up,
// already answered or a send in flight); callers treat that as a no-op.
func (c *Controller) Submit(ctx context.Context, option string) (bool, error) {
	if option == "" {
		return false, nil
	}
	s := c.machine.Snapshot()
	if !s.CanSubmit() {
		return false, nil
	}
	q := s.Current

	c.mu.Lock()
	_, done := c.accepted[q.ID]
	c.mu.Unlock()
	if done {
		return false, nil
	}

	// SubmissionStarted is the atomic claim; concurrent callers lose here.
	if err := c.machine.Apply(quiz.SubmissionStarted{QuestionID: q.ID, Option: option}); err != nil {
		return false, nil
	}

	sentAt := c.clock.Now()
	req := api.AnswerRequest{
		Token:           c.identity.Token,
		ParticipantID:   c.identity.ParticipantID,
		Name:            c.identity.Name,
		SessionCode:     c.identity.SessionCode,
		QuestionID:      q.ID,
		SelectedOption:  option,
		Correct:         option == q.CorrectAnswer,
		ClientTimestamp: sentAt.UnixMilli(),
	}

	res, err := c.scorer.SubmitAnswer(ctx, req)
	if err != nil {
		_ = c.machine.Apply(quiz.SubmissionFailed{QuestionID: q.ID, Err: err})
		c.metrics.Submission(metrics.OutcomeFailed)
		c.logger.Warn().Err(err).Str("question_id", q.ID).Msg("answer submission failed")
		return false, &SubmissionError{QuestionID: q.ID, Err: err}
	}

	c.mu.Lock()
	c.accepted[q.ID] = Record{
		QuestionID: q.ID,
		Option:     option,
		Correct:    req.Correct,
		Result:     res,
		SentAt:     sentAt,
	}
	c.mu.Unlock()

	_ = c.machine.Apply(quiz.SubmissionAccepted{QuestionID: q.ID, Message: res.Message, Elapsed: res.Elapsed()})
	c.metrics.Submission(metrics.OutcomeAccepted)
	c.logger.Info().
		Str("question_id", q.ID).
		Bool("correct", req.Correct).
		Int64("elapsed_ms", res.ElapsedTime).
		Msg("answer accepted")
	return true, nil
}

// Accepted returns the accepted answer for questionID, if any.
func (c *Controller) Accepted(questionID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.accepted[questionID]
	return r, ok
}

package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

var (
	ErrNoQuestionSet   = errors.New("no question set broadcast")
	ErrIndexOutOfRange = errors.New("question index out of range")
	ErrSessionEnded    = errors.New("session ended")
)

// Emitter broadcasts a payload on a session topic.
type Emitter func(topic string, payload any)

// Runner drives one session's question flow: it remembers the question set,
// announces the current question and counts its timer down to zero.
type Runner struct {
	code   string
	emit   Emitter
	clock  clockwork.Clock
	tick   time.Duration
	logger zerolog.Logger

	mu        sync.Mutex
	questions []ws.Question
	index     int
	ended     bool
	stop      chan struct{}
}

func NewRunner(code string, emit Emitter, clock clockwork.Clock, tick time.Duration, logger zerolog.Logger) *Runner {
	if tick <= 0 {
		tick = time.Second
	}
	return &Runner{
		code:   code,
		emit:   emit,
		clock:  clock,
		tick:   tick,
		index:  -1,
		logger: logger.With().Str("component", "quiz_runner").Str("session_code", code).Logger(),
	}
}

// SetQuestions replaces the question set and resets the flow.
func (r *Runner) SetQuestions(questions []ws.Question) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrSessionEnded
	}
	r.stopLocked()
	r.questions = append([]ws.Question(nil), questions...)
	r.index = -1
	return nil
}

// Question returns the question at index without starting it.
func (r *Runner) Question(index int) (ws.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(index); err != nil {
		return ws.Question{}, err
	}
	return r.questions[index], nil
}

func (r *Runner) checkLocked(index int) error {
	if r.ended {
		return ErrSessionEnded
	}
	if len(r.questions) == 0 {
		return ErrNoQuestionSet
	}
	if index < 0 || index >= len(r.questions) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(r.questions))
	}
	return nil
}

// Next announces the question at index and starts its countdown. The
// previous countdown, if any, is stopped first.
func (r *Runner) Next(index int) (ws.Question, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLocked(index); err != nil {
		return ws.Question{}, err
	}

	r.stopLocked()
	r.index = index
	q := r.questions[index]
	total := len(r.questions)

	r.emit(ws.SessionTopic(r.code, ws.TopicCurrentQuestion), ws.CurrentQuestionPayload{
		Question:      q,
		QuestionIndex: index,
		TotalCount:    &total,
	})

	remaining := q.TimeLimitSeconds
	r.emit(ws.SessionTopic(r.code, ws.TopicTimer), ws.TimerPayload{RemainingTime: remaining, QuestionIndex: index})
	if remaining > 0 {
		stop := make(chan struct{})
		r.stop = stop
		ticker := r.clock.NewTicker(r.tick)
		go r.countdown(ticker, stop, index, remaining)
	}

	r.logger.Debug().Int("index", index).Str("question_id", q.ID).Msg("question started")
	return q, nil
}

func (r *Runner) countdown(ticker clockwork.Ticker, stop chan struct{}, index, remaining int) {
	defer ticker.Stop()
	for remaining > 0 {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}

		r.mu.Lock()
		if r.stop != stop {
			r.mu.Unlock()
			return
		}
		remaining--
		r.emit(ws.SessionTopic(r.code, ws.TopicTimer), ws.TimerPayload{RemainingTime: remaining, QuestionIndex: index})
		if remaining == 0 {
			r.stop = nil
		}
		r.mu.Unlock()
	}
}

// End stops the countdown. Later calls are refused.
func (r *Runner) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.ended = true
}

// Index returns the current question index, -1 before the first question.
func (r *Runner) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Ended reports whether End was called.
func (r *Runner) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *Runner) stopLocked() {
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

package host

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

var (
	ErrQuizEnded       = errors.New("host: quiz already ended")
	ErrNoQuestions     = errors.New("host: no questions published")
	ErrNoMoreQuestions = errors.New("host: no more questions")
)

// Publisher sends to a topic or command destination.
type Publisher interface {
	Publish(destination string, payload any) error
}

// Snapshot is the host dashboard view.
type Snapshot struct {
	Participants []string
	Index        int
	Total        int
	Ended        bool
	Leaderboard  []ws.LeaderboardEntry
}

type presence struct {
	joinedAt int64
	leftAt   int64
}

func (p presence) present() bool {
	return p.joinedAt > p.leftAt
}

// Controller drives a session from the host side. The question index only
// moves after the next-question command was published.
type Controller struct {
	code   string
	pub    Publisher
	clock  clockwork.Clock
	logger zerolog.Logger

	mu           sync.Mutex
	participants map[string]presence
	questions    []ws.Question
	index        int
	ended        bool
	leaderboard  []ws.LeaderboardEntry

	notifyMu  sync.Mutex
	listeners []func(Snapshot)
}

func NewController(code string, pub Publisher, clock clockwork.Clock, logger zerolog.Logger) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		code:         code,
		pub:          pub,
		clock:        clock,
		logger:       logger.With().Str("component", "host").Str("session_code", code).Logger(),
		participants: make(map[string]presence),
		index:        -1,
	}
}

// OnChange registers a dashboard listener.
func (c *Controller) OnChange(l func(Snapshot)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// OnParticipantJoined records a join. Events without a broker timestamp are
// stamped on arrival.
func (c *Controller) OnParticipantJoined(p ws.ParticipantPayload) {
	if p.Name == "" {
		return
	}
	at := c.stamp(p.At)

	c.mu.Lock()
	cur := c.participants[p.Name]
	was := cur.present()
	if at > cur.joinedAt {
		cur.joinedAt = at
	}
	c.participants[p.Name] = cur
	changed := was != cur.present()
	c.mu.Unlock()

	if changed {
		c.logger.Info().Str("name", p.Name).Msg("participant joined")
		c.notify()
	}
}

// OnParticipantLeft records a leave. A leave only wins over a join with an
// earlier timestamp.
func (c *Controller) OnParticipantLeft(p ws.ParticipantPayload) {
	if p.Name == "" {
		return
	}
	c.markLeft(p.Name, c.stamp(p.At))
}

// RemoveParticipant drops a participant locally, for example after a
// missed leave.
func (c *Controller) RemoveParticipant(name string) {
	c.markLeft(name, c.clock.Now().UnixMilli())
}

func (c *Controller) markLeft(name string, at int64) {
	c.mu.Lock()
	cur := c.participants[name]
	was := cur.present()
	if at > cur.leftAt {
		cur.leftAt = at
	}
	c.participants[name] = cur
	changed := was != cur.present()
	c.mu.Unlock()

	if changed {
		c.logger.Info().Str("name", name).Msg("participant left")
		c.notify()
	}
}

func (c *Controller) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.presentLocked())
}

// Participants returns the connected names in sorted order.
func (c *Controller) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presentLocked()
}

// PublishQuestions broadcasts the question list. It resets the question
// index.
func (c *Controller) PublishQuestions(questions []ws.Question) error {
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrQuizEnded
	}
	err := c.pub.Publish(ws.SessionTopic(c.code, ws.TopicQuestions), ws.QuestionSetPayload{Questions: questions})
	if err == nil {
		c.questions = append([]ws.Question(nil), questions...)
		c.index = -1
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("publish questions: %w", err)
	}
	c.logger.Info().Int("count", len(questions)).Msg("questions published")
	c.notify()
	return nil
}

// NextQuestion asks the broker to advance and returns the new index.
func (c *Controller) NextQuestion() (int, error) {
	c.mu.Lock()
	switch {
	case c.ended:
		c.mu.Unlock()
		return c.index, ErrQuizEnded
	case len(c.questions) == 0:
		c.mu.Unlock()
		return c.index, ErrNoQuestions
	case c.index+1 >= len(c.questions):
		c.mu.Unlock()
		return c.index, ErrNoMoreQuestions
	}

	next := c.index + 1
	if err := c.pub.Publish(ws.CommandDestination(c.code, ws.CommandNextQuestion), ws.NextQuestionPayload{Index: next}); err != nil {
		idx := c.index
		c.mu.Unlock()
		return idx, fmt.Errorf("publish next question: %w", err)
	}
	c.index = next
	c.mu.Unlock()

	c.logger.Info().Int("question_index", next).Msg("advanced to next question")
	c.notify()
	return next, nil
}

// EndQuiz broadcasts the end marker on the question-set topic. Calling it
// again after success is a no-op.
func (c *Controller) EndQuiz(message string) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	err := c.pub.Publish(ws.SessionTopic(c.code, ws.TopicQuestions), ws.QuestionSetPayload{QuizEnded: true, Message: message})
	if err == nil {
		c.ended = true
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("publish quiz end: %w", err)
	}
	c.logger.Info().Msg("quiz ended")
	c.notify()
	return nil
}

// RequestLeaderboard asks the broker to publish the current ranking.
func (c *Controller) RequestLeaderboard() error {
	if err := c.pub.Publish(ws.CommandDestination(c.code, ws.CommandLeaderboard), struct{}{}); err != nil {
		return fmt.Errorf("request leaderboard: %w", err)
	}
	return nil
}

// OnLeaderboard replaces the cached leaderboard.
func (c *Controller) OnLeaderboard(p ws.LeaderboardPayload) {
	c.mu.Lock()
	c.leaderboard = append([]ws.LeaderboardEntry(nil), p.Entries...)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Participants: c.presentLocked(),
		Index:        c.index,
		Total:        len(c.questions),
		Ended:        c.ended,
		Leaderboard:  append([]ws.LeaderboardEntry(nil), c.leaderboard...),
	}
}

func (c *Controller) presentLocked() []string {
	out := make([]string, 0, len(c.participants))
	for name, p := range c.participants {
		if p.present() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Controller) stamp(at int64) int64 {
	if at > 0 {
		return at
	}
	return c.clock.Now().UnixMilli()
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.listeners) == 0 {
		return
	}
	s := c.Snapshot()
	for _, l := range c.listeners {
		l(s)
	}
}

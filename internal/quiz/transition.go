package quiz

import "fmt"

// Reasons attached to a StateError.
const (
	ReasonEnded      = "quiz ended"
	ReasonStale      = "stale"
	ReasonDuplicate  = "duplicate"
	ReasonLocked     = "answer locked"
	ReasonSubmitted  = "already submitted"
	ReasonInFlight   = "submission in flight"
	ReasonInvalid    = "invalid"
	ReasonNoQuestion = "no active question"
)

// StateError reports an event that is inconsistent with the current state.
// The event is dropped; it is never fatal.
type StateError struct {
	Event  string
	Phase  Phase
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("quiz: %s dropped in %s: %s", e.Event, e.Phase, e.Reason)
}

func reject(s State, e Event, reason string) error {
	return &StateError{Event: e.Name(), Phase: s.Phase, Reason: reason}
}

// Transition applies one event. A rejected event returns s unchanged
// together with a *StateError.
func Transition(s State, e Event) (State, error) {
	if s.Ended {
		switch e.(type) {
		case LeaderboardPublished, RankUpdated:
		default:
			return s, reject(s, e, ReasonEnded)
		}
	}

	switch ev := e.(type) {
	case QuestionsAvailable:
		return onQuestions(s, ev)
	case CurrentQuestionChanged:
		return onCurrentQuestion(s, ev)
	case TimerTick:
		return onTick(s, ev, ev.Remaining, ev.Index)
	case TimeExpired:
		return onTick(s, ev, 0, ev.Index)
	case LeaderboardPublished:
		next := s
		next.Leaderboard = append([]LeaderboardEntry(nil), ev.Entries...)
		if s.Ended {
			next.Phase = PhaseLeaderboardShown
		}
		return next, nil
	case RankUpdated:
		next := s
		entry := ev.Entry
		next.Rank = &entry
		return next, nil
	case QuizEnded:
		next := s
		next.Ended = true
		next.EndMessage = ev.Message
		next.Phase = PhaseEnded
		// A board that arrived first is shown right away.
		if s.Leaderboard != nil {
			next.Phase = PhaseLeaderboardShown
		}
		next.Submitting = false
		next.pending = nil
		return next, nil
	case OptionSelected:
		return onOptionSelected(s, ev)
	case SubmissionStarted:
		return onSubmissionStarted(s, ev)
	case SubmissionAccepted:
		return onSubmissionAccepted(s, ev)
	case SubmissionFailed:
		if !s.HasQuestion() || ev.QuestionID != s.Current.ID {
			return s, reject(s, ev, ReasonStale)
		}
		if !s.Submitting {
			return s, reject(s, ev, ReasonInvalid)
		}
		next := s
		next.Submitting = false
		return next, nil
	default:
		return s, reject(s, e, ReasonInvalid)
	}
}

func onQuestions(s State, ev QuestionsAvailable) (State, error) {
	if len(ev.Questions) == 0 {
		return s, reject(s, ev, ReasonInvalid)
	}
	next := s
	next.Questions = append([]Question(nil), ev.Questions...)
	if !next.TotalKnown {
		next.Total = len(ev.Questions)
		next.TotalKnown = true
		next.Progress = progressFor(next.CurrentIndex, next.Total, true)
	}
	return next, nil
}

func onCurrentQuestion(s State, ev CurrentQuestionChanged) (State, error) {
	switch {
	case ev.Index < 0:
		return s, reject(s, ev, ReasonInvalid)
	case ev.Index < s.CurrentIndex:
		return s, reject(s, ev, ReasonStale)
	case ev.Index == s.CurrentIndex && ev.Question.ID == s.Current.ID:
		if ev.Total != nil && *ev.Total > 0 && !s.TotalKnown {
			next := s
			next.Total = *ev.Total
			next.TotalKnown = true
			next.Progress = progressFor(next.CurrentIndex, next.Total, true)
			return next, nil
		}
		return s, reject(s, ev, ReasonDuplicate)
	}

	next := s
	next.Phase = PhaseQuestionActive
	next.Current = ev.Question
	next.CurrentIndex = ev.Index
	next.Remaining = ev.Question.TimeLimitSeconds
	next.SelectedOption = ""
	next.Submitting = false
	next.Submitted = false
	next.Result = nil
	next.ticked = false
	if ev.Total != nil && *ev.Total > 0 {
		next.Total = *ev.Total
		next.TotalKnown = true
	}
	next.Progress = progressFor(next.CurrentIndex, next.Total, next.TotalKnown)

	if p := s.pending; p != nil {
		next.pending = nil
		switch {
		case p.Index == ev.Index:
			if applied, err := applyTick(next, *p, p.Remaining); err == nil {
				next = applied
			}
		case p.Index > ev.Index:
			next.pending = p
		}
	}
	return next, nil
}

// onTick routes a countdown update. Ticks for a question that has not
// arrived yet are held so that cross-topic reordering converges.
func onTick(s State, e Event, remaining, index int) (State, error) {
	if remaining < 0 {
		remaining = 0
	}
	tick := TimerTick{Remaining: remaining, Index: index}

	switch {
	case index < s.CurrentIndex:
		return s, reject(s, e, ReasonStale)
	case index > s.CurrentIndex:
		if p := s.pending; p != nil {
			if p.Index > index || (p.Index == index && p.Remaining < remaining) {
				return s, reject(s, e, ReasonStale)
			}
		}
		next := s
		next.pending = &tick
		return next, nil
	}
	return applyTick(s, e, remaining)
}

func applyTick(s State, e Event, remaining int) (State, error) {
	if s.ticked && remaining > s.Remaining {
		return s, reject(s, e, ReasonStale)
	}
	next := s
	next.Remaining = remaining
	next.ticked = true
	next.Progress = progressFor(next.CurrentIndex, next.Total, next.TotalKnown)
	if remaining == 0 && next.Phase == PhaseQuestionActive {
		next.Phase = PhaseAnswerLocked
	}
	return next, nil
}

func onOptionSelected(s State, ev OptionSelected) (State, error) {
	if err := submitGuard(s, ev); err != nil {
		return s, err
	}
	if !s.Current.HasOption(ev.Option) {
		return s, reject(s, ev, ReasonInvalid)
	}
	next := s
	next.SelectedOption = ev.Option
	return next, nil
}

func onSubmissionStarted(s State, ev SubmissionStarted) (State, error) {
	if err := submitGuard(s, ev); err != nil {
		return s, err
	}
	if ev.QuestionID != s.Current.ID {
		return s, reject(s, ev, ReasonStale)
	}
	if !s.Current.HasOption(ev.Option) {
		return s, reject(s, ev, ReasonInvalid)
	}
	next := s
	next.SelectedOption = ev.Option
	next.Submitting = true
	return next, nil
}

func onSubmissionAccepted(s State, ev SubmissionAccepted) (State, error) {
	if !s.HasQuestion() || ev.QuestionID != s.Current.ID {
		return s, reject(s, ev, ReasonStale)
	}
	if s.Submitted {
		return s, reject(s, ev, ReasonDuplicate)
	}
	next := s
	next.Submitting = false
	next.Submitted = true
	next.Result = &SubmissionResult{
		QuestionID: ev.QuestionID,
		Message:    ev.Message,
		Elapsed:    ev.Elapsed,
	}
	return next, nil
}

// submitGuard holds the rules shared by option changes and submissions.
func submitGuard(s State, e Event) error {
	switch {
	case !s.HasQuestion():
		return reject(s, e, ReasonNoQuestion)
	case s.Phase == PhaseAnswerLocked || s.Remaining <= 0:
		return reject(s, e, ReasonLocked)
	case s.Phase != PhaseQuestionActive:
		return reject(s, e, ReasonInvalid)
	case s.Submitted:
		return reject(s, e, ReasonSubmitted)
	case s.Submitting:
		return reject(s, e, ReasonInFlight)
	}
	return nil
}

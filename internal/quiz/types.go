package quiz

import "time"

// Phase is the participant-facing quiz phase.
type Phase string

const (
	PhaseWaiting          Phase = "WAITING_FOR_START"
	PhaseQuestionActive   Phase = "QUESTION_ACTIVE"
	PhaseAnswerLocked     Phase = "ANSWER_LOCKED"
	PhaseLeaderboardShown Phase = "LEADERBOARD_SHOWN"
	PhaseEnded            Phase = "QUIZ_ENDED"
)

// Question is immutable once broadcast.
type Question struct {
	ID               string
	Text             string
	Options          []string
	CorrectAnswer    string
	TimeLimitSeconds int
}

// HasOption reports whether option is one of the question's choices.
func (q Question) HasOption(option string) bool {
	for _, o := range q.Options {
		if o == option {
			return true
		}
	}
	return false
}

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Name    string
	Score   int
	Rank    int
	Elapsed time.Duration
}

// Progress is the position within the quiz. Ratio is only meaningful when
// Known is true; an unknown total never reads as zero progress.
type Progress struct {
	Ratio float64
	Known bool
}

func progressFor(index, total int, known bool) Progress {
	if !known || total <= 0 || index < 0 {
		return Progress{}
	}
	ratio := float64(index+1) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return Progress{Ratio: ratio, Known: true}
}

// SubmissionResult is the scoring collaborator's answer for one question.
type SubmissionResult struct {
	QuestionID string
	Message    string
	Elapsed    time.Duration
}

// State is the full participant view. Slices are replaced, never mutated
// in place, so a State value can be shared after it leaves the machine.
type State struct {
	Phase Phase

	Questions    []Question
	Current      Question
	CurrentIndex int
	Total        int
	TotalKnown   bool
	Remaining    int
	Progress     Progress

	SelectedOption string
	Submitting     bool
	Submitted      bool
	Result         *SubmissionResult

	Leaderboard []LeaderboardEntry
	Rank        *LeaderboardEntry

	Ended      bool
	EndMessage string

	// ticked is set once a countdown update landed for the current question.
	ticked  bool
	pending *TimerTick
}

// Initial returns the state before any question arrives.
func Initial() State {
	return State{Phase: PhaseWaiting, CurrentIndex: -1}
}

// HasQuestion reports whether a question is on screen.
func (s State) HasQuestion() bool {
	return s.CurrentIndex >= 0
}

// CanSubmit reports whether an answer for the current question may be sent.
func (s State) CanSubmit() bool {
	return s.Phase == PhaseQuestionActive && s.HasQuestion() && !s.Submitting && !s.Submitted && s.Remaining > 0
}

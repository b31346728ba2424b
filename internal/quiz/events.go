package quiz

import "time"

// Event is an input to the state machine.
type Event interface {
	Name() string
}

// QuestionsAvailable carries the broadcast question list.
type QuestionsAvailable struct {
	Questions []Question
}

// CurrentQuestionChanged announces the active question. Total is only set
// when the broadcaster knows the question count.
type CurrentQuestionChanged struct {
	Question Question
	Index    int
	Total    *int
}

// TimerTick reports the seconds left on the question at Index.
type TimerTick struct {
	Remaining int
	Index     int
}

// TimeExpired forces the question at Index to lock.
type TimeExpired struct {
	Index int
}

type LeaderboardPublished struct {
	Entries []LeaderboardEntry
}

type RankUpdated struct {
	Entry LeaderboardEntry
}

type QuizEnded struct {
	Message string
}

// OptionSelected is a local choice that has not been submitted.
type OptionSelected struct {
	Option string
}

// SubmissionStarted claims the single submission slot for QuestionID.
type SubmissionStarted struct {
	QuestionID string
	Option     string
}

type SubmissionAccepted struct {
	QuestionID string
	Message    string
	Elapsed    time.Duration
}

type SubmissionFailed struct {
	QuestionID string
	Err        error
}

func (QuestionsAvailable) Name() string     { return "QuestionsAvailable" }
func (CurrentQuestionChanged) Name() string { return "CurrentQuestionChanged" }
func (TimerTick) Name() string              { return "TimerTick" }
func (TimeExpired) Name() string            { return "TimeExpired" }
func (LeaderboardPublished) Name() string   { return "LeaderboardPublished" }
func (RankUpdated) Name() string            { return "RankUpdated" }
func (QuizEnded) Name() string              { return "QuizEnded" }
func (OptionSelected) Name() string         { return "OptionSelected" }
func (SubmissionStarted) Name() string      { return "SubmissionStarted" }
func (SubmissionAccepted) Name() string     { return "SubmissionAccepted" }
func (SubmissionFailed) Name() string       { return "SubmissionFailed" }

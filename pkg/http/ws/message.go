package ws

import (
	"encoding/json"
	"strings"
)

// MessageType constants for the WebSocket frame protocol.
const (
	// Client -> Broker
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"

	// Broker -> Client
	TypeEvent = "event"
	TypePong  = "pong"
	TypeError = "error"
)

// Topic kinds broadcast under /topic/{code}/.
const (
	TopicParticipantJoined = "participant-joined"
	TopicParticipantLeft   = "participant-left"
	TopicQuestions         = "questions"
	TopicCurrentQuestion   = "current-question"
	TopicTimer             = "timer"
	TopicLeaderboard       = "leaderboard"
	TopicRank              = "rank"
)

// Command kinds sent point-to-point under /app/{code}/.
const (
	CommandJoin         = "join"
	CommandLeave        = "leave"
	CommandNextQuestion = "next-question"
	CommandLeaderboard  = "leaderboard"
)

const (
	topicPrefix   = "/topic/"
	commandPrefix = "/app/"
)

// Message wraps all frames with type, topic and optional request ID.
// For publish frames Topic carries the destination (a topic or a command).
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// SessionTopic returns the broadcast topic of the given kind for a session.
func SessionTopic(code, kind string) string {
	return topicPrefix + code + "/" + kind
}

// RankTopic returns the per-participant rank topic.
func RankTopic(code, name string) string {
	return topicPrefix + code + "/" + TopicRank + "/" + name
}

// CommandDestination returns the destination for a session command.
func CommandDestination(code, command string) string {
	return commandPrefix + code + "/" + command
}

// Destination is a parsed topic or command address.
type Destination struct {
	Command bool
	Code    string
	Kind    string
	// Name is set for rank topics only.
	Name string
}

// ParseDestination splits a topic or command address into its parts.
func ParseDestination(dest string) (Destination, bool) {
	var d Destination
	var rest string
	switch {
	case strings.HasPrefix(dest, topicPrefix):
		rest = strings.TrimPrefix(dest, topicPrefix)
	case strings.HasPrefix(dest, commandPrefix):
		rest = strings.TrimPrefix(dest, commandPrefix)
		d.Command = true
	default:
		return d, false
	}

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return d, false
	}
	d.Code, d.Kind = parts[0], parts[1]
	if len(parts) == 3 {
		if d.Command || d.Kind != TopicRank || parts[2] == "" {
			return d, false
		}
		d.Name = parts[2]
	} else if !d.Command && d.Kind == TopicRank {
		return d, false
	}
	return d, true
}

// NewEvent builds a broker -> client event frame.
func NewEvent(topic string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeEvent, Topic: topic, Payload: raw}, nil
}

// Shared payloads

type Question struct {
	ID               string   `json:"id"`
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	CorrectAnswer    string   `json:"correctAnswer"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
}

// QuestionSetPayload is either a question list or, when QuizEnded is set,
// the end-of-quiz marker. Consumers check QuizEnded first.
type QuestionSetPayload struct {
	Questions []Question `json:"questions,omitempty"`
	QuizEnded bool       `json:"quizEnded,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type CurrentQuestionPayload struct {
	Question      Question `json:"question"`
	QuestionIndex int      `json:"questionIndex"`
	TotalCount    *int     `json:"totalCount,omitempty"`
}

type TimerPayload struct {
	RemainingTime int `json:"remainingTime"`
	QuestionIndex int `json:"questionIndex"`
}

type LeaderboardEntry struct {
	Name        string `json:"name"`
	Score       int    `json:"score"`
	Rank        int    `json:"rank"`
	ElapsedTime int64  `json:"elapsedTime,omitempty"`
}

type LeaderboardPayload struct {
	Entries []LeaderboardEntry `json:"entries"`
}

type RankPayload struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
	Rank  int    `json:"rank"`
}

// ParticipantPayload is carried by join/leave commands and the
// participant-joined/left topics. At is the broker's unix millis.
type ParticipantPayload struct {
	Name          string `json:"name"`
	SessionCode   string `json:"sessionCode"`
	ParticipantID string `json:"participantId,omitempty"`
	At            int64  `json:"at,omitempty"`
}

type NextQuestionPayload struct {
	Index int `json:"index"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

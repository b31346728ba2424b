package question

import "github.com/gokatarajesh/quiz-live/pkg/http/ws"

// DefaultTimeLimit applies when neither the entry nor the file sets one.
const DefaultTimeLimit = 30

// File is the YAML question file a host broadcasts.
type File struct {
	Title            string  `yaml:"title"`
	DefaultTimeLimit int     `yaml:"defaultTimeLimit"`
	Questions        []Entry `yaml:"questions"`
}

// Entry is one multiple-choice question as written on disk.
type Entry struct {
	ID        string   `yaml:"id"`
	Prompt    string   `yaml:"prompt"`
	Options   []string `yaml:"options"`
	Answer    string   `yaml:"answer"`
	TimeLimit int      `yaml:"timeLimit"`
}

// Set is a validated question file ready for broadcast.
type Set struct {
	Title     string
	Questions []ws.Question
}

// TotalSeconds is the sum of all time limits.
func (s Set) TotalSeconds() int {
	total := 0
	for _, q := range s.Questions {
		total += q.TimeLimitSeconds
	}
	return total
}

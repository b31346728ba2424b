package question

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gokatarajesh/quiz-live/pkg/http/ws"
)

var ErrEmptySet = errors.New("question: file has no questions")

// Load reads and validates a YAML question file.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read question file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML. Missing ids become q1, q2, ...; missing time
// limits fall back to the file default, then DefaultTimeLimit.
func Parse(data []byte) (Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Set{}, fmt.Errorf("decode question file: %w", err)
	}
	if len(f.Questions) == 0 {
		return Set{}, ErrEmptySet
	}
	if f.DefaultTimeLimit < 0 {
		return Set{}, fmt.Errorf("defaultTimeLimit must not be negative")
	}

	fallback := f.DefaultTimeLimit
	if fallback == 0 {
		fallback = DefaultTimeLimit
	}

	set := Set{Title: f.Title, Questions: make([]ws.Question, 0, len(f.Questions))}
	seen := make(map[string]struct{}, len(f.Questions))
	for i, e := range f.Questions {
		q, err := normalize(e, i, fallback)
		if err != nil {
			return Set{}, fmt.Errorf("question %d: %w", i+1, err)
		}
		if _, dup := seen[q.ID]; dup {
			return Set{}, fmt.Errorf("question %d: duplicate id %q", i+1, q.ID)
		}
		seen[q.ID] = struct{}{}
		set.Questions = append(set.Questions, q)
	}
	return set, nil
}

func normalize(e Entry, i, fallback int) (ws.Question, error) {
	prompt := strings.TrimSpace(e.Prompt)
	if prompt == "" {
		return ws.Question{}, errors.New("prompt is required")
	}
	if len(e.Options) < 2 {
		return ws.Question{}, errors.New("at least two options are required")
	}

	options := make([]string, 0, len(e.Options))
	distinct := make(map[string]struct{}, len(e.Options))
	for _, o := range e.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			return ws.Question{}, errors.New("options must not be blank")
		}
		if _, dup := distinct[o]; dup {
			return ws.Question{}, fmt.Errorf("option %q listed twice", o)
		}
		distinct[o] = struct{}{}
		options = append(options, o)
	}

	answer := strings.TrimSpace(e.Answer)
	if _, ok := distinct[answer]; !ok {
		return ws.Question{}, fmt.Errorf("answer %q is not one of the options", answer)
	}

	limit := e.TimeLimit
	switch {
	case limit < 0:
		return ws.Question{}, errors.New("timeLimit must not be negative")
	case limit == 0:
		limit = fallback
	}

	id := strings.TrimSpace(e.ID)
	if id == "" {
		id = fmt.Sprintf("q%d", i+1)
	}

	return ws.Question{
		ID:               id,
		Text:             prompt,
		Options:          options,
		CorrectAnswer:    answer,
		TimeLimitSeconds: limit,
	}, nil
}

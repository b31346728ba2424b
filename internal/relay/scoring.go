package relay

import "time"

// ScoringConfig holds configurable scoring constants.
type ScoringConfig struct {
	BaseScore    int // default: 100
	MaxTimeBonus int // default: 50
	// DefaultLimit applies when a question has no time limit.
	DefaultLimit time.Duration
}

// DefaultScoringConfig returns production defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		BaseScore:    100,
		MaxTimeBonus: 50,
		DefaultLimit: 30 * time.Second,
	}
}

// Scorer computes points for a single answer.
type Scorer struct {
	config ScoringConfig
}

func NewScorer(config ScoringConfig) Scorer {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = DefaultScoringConfig().DefaultLimit
	}
	return Scorer{config: config}
}

// Score returns base + time bonus for a correct answer and 0 otherwise.
// The bonus is max when answered instantly and decays linearly to 0 at
// the question's time limit.
func (s Scorer) Score(correct bool, elapsed, limit time.Duration) int {
	if !correct {
		return 0
	}
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}

	score := s.config.BaseScore
	ratio := float64(limit-elapsed) / float64(limit)
	if ratio > 1.0 {
		ratio = 1.0
	}
	if ratio < 0.0 {
		ratio = 0.0
	}
	return score + int(float64(s.config.MaxTimeBonus)*ratio)
}

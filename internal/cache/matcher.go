package cache

import (
	"log/slog"
)

// Match is a fuzzy-lookup result: the cached normalized text that matched
// and the similarity score that cleared the threshold.
type Match struct {
	TextNormalized string
	Score          int
}

// FuzzyMatcher finds near-duplicate cached texts within a single voice
// bucket. It only ever consults the hot index keys, so a fuzzy hit is
// always backed by at least one cached rendering.
type FuzzyMatcher struct {
	hot       *HotIndex
	scorer    Scorer
	threshold int
	logger    *slog.Logger
}

// FuzzyOption customizes a FuzzyMatcher.
type FuzzyOption func(*FuzzyMatcher)

// WithScorer selects the similarity scorer by registry name. Unknown names
// fall back to the default scorer with a warning.
func WithScorer(name string) FuzzyOption {
	return func(m *FuzzyMatcher) {
		s, ok := ScorerByName(name)
		if !ok {
			m.logger.Warn("unknown fuzzy scorer, using default",
				"requested", name,
				"default", DefaultScorerName)
		}
		m.scorer = s
	}
}

// WithThreshold sets the minimum score (0..100) for a match. Values are
// clamped into that range.
func WithThreshold(threshold int) FuzzyOption {
	return func(m *FuzzyMatcher) {
		if threshold < 0 {
			threshold = 0
		}
		if threshold > 100 {
			threshold = 100
		}
		m.threshold = threshold
	}
}

// WithFuzzyLogger sets the logger used for scorer-resolution warnings.
func WithFuzzyLogger(logger *slog.Logger) FuzzyOption {
	return func(m *FuzzyMatcher) {
		m.logger = logger
	}
}

// DefaultFuzzyThreshold is the minimum similarity score used when no
// threshold option is given.
const DefaultFuzzyThreshold = 92

// NewFuzzyMatcher creates a matcher over the given hot index with the
// default scorer and threshold unless options override them.
func NewFuzzyMatcher(hot *HotIndex, opts ...FuzzyOption) *FuzzyMatcher {
	m := &FuzzyMatcher{
		hot:       hot,
		threshold: DefaultFuzzyThreshold,
		logger:    slog.Default(),
	}
	m.scorer, _ = ScorerByName(DefaultScorerName)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BestMatch scans the voice's cached keys and returns the highest-scoring
// one at or above the threshold. Ties on score resolve to the
// lexicographically smallest key, so repeated lookups are deterministic
// regardless of map iteration order. ok is false when nothing clears the
// threshold.
func (m *FuzzyMatcher) BestMatch(textNormalized, voiceID string) (Match, bool) {
	best := Match{Score: -1}
	for _, key := range m.hot.Keys(voiceID) {
		score := m.scorer(textNormalized, key)
		if score < m.threshold {
			continue
		}
		if score > best.Score || (score == best.Score && key < best.TextNormalized) {
			best = Match{TextNormalized: key, Score: score}
		}
	}
	if best.Score < 0 {
		return Match{}, false
	}
	return best, true
}

// Threshold returns the configured minimum score.
func (m *FuzzyMatcher) Threshold() int { return m.threshold }

// Package salience maps extracted features plus ambient user signals to a
// score in [0,100]. The calculator is pure: same inputs and weights version
// always produce the same score.
package salience

import (
	"math"

	"mnemo/internal/types"
)

// Weights for the five signals. They sum to 1.
const (
	weightEmotional     = 0.30
	weightNovelty       = 0.20
	weightPersonal      = 0.20
	weightSocial        = 0.15
	weightConsequential = 0.15
)

// Ambient carries the per-user signals that are not part of the features
// themselves.
type Ambient struct {
	// VocabSize is the size of the user's known vocabulary, the denominator
	// of the novelty fraction.
	VocabSize int

	// Interests are stored user interests and goals (lowercased tokens).
	Interests map[string]bool

	// CloseContacts maps entity surface names (lowercased) considered close
	// to the user.
	CloseContacts map[string]bool
}

// Signals are the five independently normalized components, each in [0,1].
type Signals struct {
	Emotional     float64 `json:"emotional"`
	Novelty       float64 `json:"novelty"`
	Personal      float64 `json:"personal"`
	Social        float64 `json:"social"`
	Consequential float64 `json:"consequential"`
}

// Calculator computes salience scores under one weights version.
type Calculator struct {
	WeightsVersion string
}

// New creates a calculator stamped with the given weights version.
func New(weightsVersion string) *Calculator {
	return &Calculator{WeightsVersion: weightsVersion}
}

// Score returns the salience in [0,100] and the component signals.
func (c *Calculator) Score(f types.Features, amb Ambient) (float64, Signals) {
	s := Signals{
		Emotional:     emotional(f),
		Novelty:       novelty(f, amb),
		Personal:      personal(f, amb),
		Social:        social(f, amb),
		Consequential: consequential(f),
	}

	total := weightEmotional*s.Emotional +
		weightNovelty*s.Novelty +
		weightPersonal*s.Personal +
		weightSocial*s.Social +
		weightConsequential*s.Consequential

	return clamp(total*100, 0, 100), s
}

// emotional is |valence| boosted by arousal from lexicon hits.
func emotional(f types.Features) float64 {
	v := math.Abs(f.Valence)
	a := math.Abs(f.Arousal)
	return clamp(v+0.5*a*(1-v), 0, 1)
}

// novelty is the fraction of novel tokens relative to the user's known
// vocabulary, saturating quickly for small vocabularies.
func novelty(f types.Features, amb Ambient) float64 {
	if len(f.Novelty) == 0 {
		return 0
	}
	denom := float64(amb.VocabSize)
	if denom < 50 {
		denom = 50
	}
	return clamp(float64(len(f.Novelty))/math.Sqrt(denom), 0, 1)
}

// personal is overlap of topics with stored interests and goals.
func personal(f types.Features, amb Ambient) float64 {
	if len(amb.Interests) == 0 || len(f.Topics) == 0 {
		return 0
	}
	var hits float64
	for _, t := range f.Topics {
		if amb.Interests[t] {
			hits++
		}
	}
	return clamp(hits/float64(len(f.Topics)), 0, 1)
}

// social scores relationship events: mentions of close contacts, sensitive
// topics, strong negative valence around people.
func social(f types.Features, amb Ambient) float64 {
	var score float64
	for _, p := range f.People {
		score += 0.25
		if amb.CloseContacts != nil && amb.CloseContacts[lower(p.Surface)] {
			score += 0.25
		}
	}
	if len(f.Sensitive) > 0 {
		score += 0.4
	}
	if len(f.People) > 0 && f.Valence < -0.5 {
		score += 0.3
	}
	return clamp(score, 0, 1)
}

// consequential scores commitments, deadlines and completions.
func consequential(f types.Features) float64 {
	var score float64
	for _, cm := range f.Commitments {
		score += 0.5
		if cm.DueHint != "" {
			score += 0.25
		}
	}
	if len(f.Completions) > 0 {
		score += 0.3
	}
	if f.Category == types.CategoryDecision {
		score += 0.3
	}
	return clamp(score, 0, 1)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package salience

import (
	"math"
	"testing"

	"mnemo/internal/types"
)

func TestScoreDeterministic(t *testing.T) {
	c := New("v1")
	f := types.Features{
		Valence: -0.8,
		Arousal: 0.6,
		People:  []types.Mention{{Surface: "Mom"}},
	}
	amb := Ambient{VocabSize: 100, CloseContacts: map[string]bool{"mom": true}}

	a, _ := c.Score(f, amb)
	b, _ := c.Score(f, amb)
	if a != b {
		t.Errorf("Same inputs scored %v then %v", a, b)
	}
	if a < 0 || a > 100 {
		t.Errorf("Score = %v, want within [0,100]", a)
	}
}

func TestEmotionalSignal(t *testing.T) {
	c := New("v1")

	flat, _ := c.Score(types.Features{}, Ambient{})
	charged, sig := c.Score(types.Features{Valence: -0.9, Arousal: 0.6}, Ambient{})
	if charged <= flat {
		t.Errorf("Charged = %v, flat = %v; emotional content must score higher", charged, flat)
	}
	want := 0.9 + 0.5*0.6*0.1
	if math.Abs(sig.Emotional-want) > 1e-9 {
		t.Errorf("Emotional = %v, want %v", sig.Emotional, want)
	}
}

func TestSocialSignal(t *testing.T) {
	c := New("v1")
	f := types.Features{People: []types.Mention{{Surface: "Mom"}}}

	_, plain := c.Score(f, Ambient{})
	_, boosted := c.Score(f, Ambient{CloseContacts: map[string]bool{"mom": true}})
	if boosted.Social <= plain.Social {
		t.Errorf("Close contact social = %v, plain = %v; want boost", boosted.Social, plain.Social)
	}

	// Bad news about a person adds the distress bonus.
	f.Valence = -0.8
	_, distress := c.Score(f, Ambient{})
	if distress.Social <= plain.Social {
		t.Error("Negative valence around people must raise the social signal")
	}
}

func TestConsequentialSignal(t *testing.T) {
	c := New("v1")

	_, none := c.Score(types.Features{}, Ambient{})
	withDue := types.Features{Commitments: []types.ProposedCommitment{
		{Polarity: types.PolarityYouOwe, Counterparty: "Sarah", DueHint: "friday"},
	}}
	_, due := c.Score(withDue, Ambient{})
	if due.Consequential != 0.75 {
		t.Errorf("Commitment with due hint = %v, want 0.75", due.Consequential)
	}
	if none.Consequential != 0 {
		t.Errorf("Empty features consequential = %v, want 0", none.Consequential)
	}
}

func TestNoveltySaturation(t *testing.T) {
	c := New("v1")
	f := types.Features{Novelty: []string{"quasar", "pulsar", "magnetar"}}

	_, small := c.Score(f, Ambient{VocabSize: 10})
	_, large := c.Score(f, Ambient{VocabSize: 10000})
	if small.Novelty <= large.Novelty {
		t.Errorf("Novelty should shrink with vocabulary: small=%v large=%v", small.Novelty, large.Novelty)
	}
}

func TestPersonalSignal(t *testing.T) {
	c := New("v1")
	f := types.Features{Topics: []string{"woodworking", "taxes"}}
	_, sig := c.Score(f, Ambient{Interests: map[string]bool{"woodworking": true}})
	if sig.Personal != 0.5 {
		t.Errorf("Personal = %v, want 0.5 (one of two topics)", sig.Personal)
	}
}

package extract

import (
	"testing"

	"mnemo/internal/types"
)

func hasPerson(f types.Features, surface string) bool {
	for _, p := range f.People {
		if p.Surface == surface {
			return true
		}
	}
	return false
}

func TestLexicalExtractCommitments(t *testing.T) {
	f := LexicalExtract("I'll send Sarah the budget by friday", nil)
	if len(f.Commitments) != 1 {
		t.Fatalf("Got %d commitments, want 1", len(f.Commitments))
	}
	c := f.Commitments[0]
	if c.Polarity != types.PolarityYouOwe {
		t.Errorf("Polarity = %s, want you_owe", c.Polarity)
	}
	if c.Counterparty != "Sarah" {
		t.Errorf("Counterparty = %q, want Sarah", c.Counterparty)
	}
	if c.DueHint != "friday" {
		t.Errorf("DueHint = %q, want friday", c.DueHint)
	}
	if f.Category != types.CategoryCommitment {
		t.Errorf("Category = %s, want commitment", f.Category)
	}
	if !hasPerson(f, "Sarah") {
		t.Error("Sarah not extracted as a person")
	}

	f = LexicalExtract("Sarah owes me forty dollars", nil)
	if len(f.Commitments) != 1 || f.Commitments[0].Polarity != types.PolarityTheyOwe {
		t.Fatalf("Expected one they_owe commitment, got %+v", f.Commitments)
	}
	if f.Commitments[0].Counterparty != "Sarah" {
		t.Errorf("Counterparty = %q, want Sarah", f.Commitments[0].Counterparty)
	}
}

func TestLexicalExtractCompletions(t *testing.T) {
	f := LexicalExtract("Finally sent Sarah the budget", nil)
	if len(f.Completions) != 1 || f.Completions[0] != "Sarah" {
		t.Errorf("Completions = %v, want [Sarah]", f.Completions)
	}
}

func TestLexicalExtractValenceAndSensitive(t *testing.T) {
	f := LexicalExtract("Mom is in the hospital", nil)
	if f.Valence >= 0 {
		t.Errorf("Valence = %v, want negative", f.Valence)
	}
	if f.Arousal <= 0 {
		t.Errorf("Arousal = %v, want positive", f.Arousal)
	}
	if len(f.Sensitive) != 1 || f.Sensitive[0] != "illness" {
		t.Errorf("Sensitive = %v, want [illness]", f.Sensitive)
	}

	f = LexicalExtract("So thrilled we got engaged", nil)
	if f.Valence <= 0.5 {
		t.Errorf("Valence = %v, want strongly positive", f.Valence)
	}
}

func TestLexicalExtractCategory(t *testing.T) {
	tests := []struct {
		text string
		want types.Category
	}{
		{"Did you pay the rent?", types.CategoryQuestion},
		{"We decided on the blue tiles", types.CategoryDecision},
		{"The invoice deadline moved", types.CategoryObservation},
		{"Nice weather this morning", types.CategoryOther},
	}
	for _, tt := range tests {
		if got := LexicalExtract(tt.text, nil).Category; got != tt.want {
			t.Errorf("Category(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestLexicalExtractNoveltyAndMentions(t *testing.T) {
	known := map[string]bool{"budget": true}
	f := LexicalExtract("budget report", known)
	if len(f.Novelty) != 1 || f.Novelty[0] != "report" {
		t.Errorf("Novelty = %v, want [report]", f.Novelty)
	}

	f = LexicalExtract("@dana can you review this", nil)
	if !hasPerson(f, "dana") {
		t.Error("@-mention not extracted as a person")
	}
}

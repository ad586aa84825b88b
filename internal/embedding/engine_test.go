package embedding

import (
	"context"
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{2, 0}, []float32{5, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLexicalEngineDeterministic(t *testing.T) {
	eng := NewLexicalEngine(DefaultLexicalDimensions)
	ctx := context.Background()

	a1, err := eng.Embed(ctx, "Sarah wants the budget report")
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	a2, err := eng.Embed(ctx, "Sarah wants the budget report")
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	if Cosine(a1, a2) < 0.999999 {
		t.Error("Same text must embed identically")
	}
	if len(a1) != DefaultLexicalDimensions {
		t.Errorf("Dimensions = %d, want %d", len(a1), DefaultLexicalDimensions)
	}

	// Unit norm.
	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Errorf("Norm^2 = %v, want 1", norm)
	}

	related, _ := eng.Embed(ctx, "the budget report for Sarah")
	unrelated, _ := eng.Embed(ctx, "quantum flux capacitor maintenance")
	if Cosine(a1, related) <= Cosine(a1, unrelated) {
		t.Errorf("Related text (%v) should beat unrelated (%v)",
			Cosine(a1, related), Cosine(a1, unrelated))
	}
}

func TestVectorArithmetic(t *testing.T) {
	m := Mean([]float32{1, 0}, []float32{0, 1})
	if m[0] != 0.5 || m[1] != 0.5 {
		t.Errorf("Mean = %v, want [0.5 0.5]", m)
	}

	wm := WeightedMean([][]float32{{1, 0}, {0, 1}}, []float64{3, 1})
	if math.Abs(float64(wm[0])-0.75) > 1e-6 || math.Abs(float64(wm[1])-0.25) > 1e-6 {
		t.Errorf("WeightedMean = %v, want [0.75 0.25]", wm)
	}

	d := Sub([]float32{1, 1}, []float32{1, 0}, 0.5)
	if math.Abs(float64(d[0])-0.5) > 1e-6 || math.Abs(float64(d[1])-1) > 1e-6 {
		t.Errorf("Sub = %v, want [0.5 1]", d)
	}
}

func TestFindTopK(t *testing.T) {
	corpus := [][]float32{{0, 1}, {1, 0}, {0.7, 0.7}}
	top := FindTopK([]float32{1, 0}, corpus, 2)
	if len(top) != 2 {
		t.Fatalf("Got %d results, want 2", len(top))
	}
	if top[0].Index != 1 {
		t.Errorf("Top index = %d, want 1", top[0].Index)
	}
	if top[1].Index != 2 {
		t.Errorf("Second index = %d, want 2", top[1].Index)
	}
}

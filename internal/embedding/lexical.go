package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultLexicalDimensions is the hash-space size of the lexical engine.
const DefaultLexicalDimensions = 256

// LexicalEngine is a deterministic, dependency-free embedding engine: each
// token (and each token bigram) is hashed into a fixed-size vector which is
// then L2-normalized. Same text always yields the same vector, so it doubles
// as the test fake and as the degraded-mode engine when no language backend
// is reachable.
type LexicalEngine struct {
	dims int
}

// NewLexicalEngine creates a lexical hash engine with the given dimension.
func NewLexicalEngine(dims int) *LexicalEngine {
	if dims <= 0 {
		dims = DefaultLexicalDimensions
	}
	return &LexicalEngine{dims: dims}
}

// Embed generates a deterministic embedding for text.
func (e *LexicalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	tokens := tokenize(text)

	for i, tok := range tokens {
		e.add(vec, tok, 1.0)
		if i+1 < len(tokens) {
			e.add(vec, tok+"_"+tokens[i+1], 0.5)
		}
	}

	// L2 normalize so cosine comparisons behave.
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		inv := float32(1 / math.Sqrt(mag))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (e *LexicalEngine) add(vec []float32, token string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()
	idx := int(sum % uint64(e.dims))
	// Use one hash bit as the sign so collisions cancel rather than pile up.
	if sum&(1<<63) != 0 {
		vec[idx] -= weight
	} else {
		vec[idx] += weight
	}
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LexicalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the hash-space size.
func (e *LexicalEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *LexicalEngine) Name() string { return "lexical-hash" }

// tokenize lowercases and splits on non-letter/digit runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

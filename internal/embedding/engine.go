// Package embedding provides vector embedding generation for semantic
// lookup. Two backends: Google GenAI (cloud) and a deterministic lexical
// hash engine used for the lexical_only backend and in tests.
package embedding

import (
	"context"
	"fmt"
	"math"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// NewEngine creates an embedding engine for the configured language backend.
// lexical_only always gets the hash engine; primary/secondary use GenAI.
func NewEngine(cfg config.Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	switch cfg.Options.LanguageBackend {
	case config.BackendLexicalOnly:
		logging.Embedding("Using lexical hash embedding engine")
		return NewLexicalEngine(DefaultLexicalDimensions), nil
	case config.BackendPrimary, config.BackendSecondary:
		logging.Embedding("Using GenAI embedding engine: model=%s", cfg.GenAI.EmbedModel)
		return NewGenAIEngine(cfg.GenAI.APIKey, cfg.GenAI.EmbedModel)
	default:
		return nil, fmt.Errorf("unsupported language backend: %s", cfg.Options.LanguageBackend)
	}
}

// Cosine calculates the cosine similarity between two vectors. Returns 0
// for mismatched dimensions or zero-magnitude vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, ma, mb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		ma += float64(a[i]) * float64(a[i])
		mb += float64(b[i]) * float64(b[i])
	}
	if ma == 0 || mb == 0 {
		return 0
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}

// SimilarityResult is one entry of a top-K similarity search.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K vectors in corpus most similar
// to query, sorted by descending similarity.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	for i, vec := range corpus {
		results = append(results, SimilarityResult{Index: i, Similarity: Cosine(query, vec)})
	}
	// Partial selection sort: only the top K positions need ordering.
	for i := 0; i < len(results) && i < k; i++ {
		best := i
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[best].Similarity {
				best = j
			}
		}
		results[i], results[best] = results[best], results[i]
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Mean returns the element-wise mean of the given vectors. Vectors with a
// mismatched dimension are skipped. Returns nil when nothing contributes.
func Mean(vecs ...[]float32) []float32 {
	return WeightedMean(vecs, nil)
}

// WeightedMean returns the weighted element-wise mean of vecs. A nil
// weights slice means uniform weights.
func WeightedMean(vecs [][]float32, weights []float64) []float32 {
	var dim int
	for _, v := range vecs {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil
	}
	sum := make([]float64, dim)
	var total float64
	for i, v := range vecs {
		if len(v) != dim {
			continue
		}
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		for j := range v {
			sum[j] += w * float64(v[j])
		}
		total += w
	}
	if total == 0 {
		return nil
	}
	out := make([]float32, dim)
	for j := range sum {
		out[j] = float32(sum[j] / total)
	}
	return out
}

// Sub returns a - scale*b, used for query refinement arithmetic.
func Sub(a, b []float32, scale float64) []float32 {
	if len(b) != len(a) {
		return a
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] - float32(scale*float64(b[i]))
	}
	return out
}

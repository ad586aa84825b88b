// Package extract turns raw memory text into structured Features. The
// primary path asks a language model for a JSON feature record under a
// strict time budget; on timeout or error it degrades to lexical-only
// extraction and marks the result partial. Repeated backend failures trip a
// circuit breaker that forces lexical mode for a cooldown period.
package extract

import (
	"context"
	"errors"
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Backend is the narrow language-model interface the extractor depends on.
type Backend interface {
	// ExtractFeatures returns model-derived features for the text.
	ExtractFeatures(ctx context.Context, text string, priorEntities []string) (types.Features, error)
	Name() string
}

// Input is one extraction request.
type Input struct {
	Text          string
	UserID        string
	PriorEntities []string        // known entity names, given to the model for resolution
	KnownVocab    map[string]bool // user's seen-token set, for the novelty signal
}

// Extractor coordinates model-backed and lexical feature extraction.
type Extractor struct {
	backend Backend // nil means lexical-only
	timeout time.Duration
	breaker *breaker
}

// New creates an Extractor. A nil backend yields permanent lexical mode.
func New(backend Backend, opts config.Options) *Extractor {
	return &Extractor{
		backend: backend,
		timeout: opts.FeatureTimeout(),
		breaker: newBreaker(5, time.Minute, 2*time.Minute),
	}
}

// Extract returns Features for the input. The error return is reserved for
// context cancellation; backend trouble degrades instead of failing.
func (e *Extractor) Extract(ctx context.Context, in Input) (types.Features, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "Extract")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return types.Features{}, err
	}

	lexical := LexicalExtract(in.Text, in.KnownVocab)

	if e.backend == nil {
		return lexical, nil
	}
	if !e.breaker.allow() {
		logging.Get(logging.CategoryExtract).Warn("circuit breaker open, lexical mode for user=%s", in.UserID)
		lexical.Partial = true
		return lexical, nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	feats, err := e.backend.ExtractFeatures(cctx, in.Text, in.PriorEntities)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return types.Features{}, ctx.Err()
		}
		e.breaker.failure()
		logging.Get(logging.CategoryExtract).Warn("backend %s failed, degrading to lexical: %v", e.backend.Name(), err)
		lexical.Partial = true
		return lexical, nil
	}
	e.breaker.success()

	// The model does not see the user's vocabulary; the novelty signal is
	// always computed lexically.
	feats.Novelty = lexical.Novelty
	if len(feats.Sensitive) == 0 {
		feats.Sensitive = lexical.Sensitive
	}
	if feats.Category == "" {
		feats.Category = lexical.Category
	}
	feats.Valence = clamp(feats.Valence, -1, 1)
	feats.Arousal = clamp(feats.Arousal, -1, 1)
	return feats, nil
}

// breaker is a sliding-window failure counter. After maxFailures failures
// within window, allow() returns false until cooldown has elapsed.
type breaker struct {
	mu          sync.Mutex
	failures    []time.Time
	maxFailures int
	window      time.Duration
	cooldown    time.Duration
	openedAt    time.Time
	now         func() time.Time
}

func newBreaker(maxFailures int, window, cooldown time.Duration) *breaker {
	return &breaker{
		maxFailures: maxFailures,
		window:      window,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.openedAt = time.Time{}
		b.failures = nil
		return true
	}
	return false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) >= b.maxFailures {
		b.openedAt = now
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

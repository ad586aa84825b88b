package engine

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/extract"
	"mnemo/internal/logging"
	"mnemo/internal/salience"
	"mnemo/internal/types"
)

// hotSalienceFloor is the creation-time salience at which a memory is
// written straight to the hot cache instead of waiting for access-driven
// promotion.
const hotSalienceFloor = 80.0

// StoreInput is one store_memory request.
type StoreInput struct {
	UserID string
	Text   string

	// Context overrides the active frame snapshot when the caller supplies
	// its own situation.
	Context *types.FrameSnapshot

	// Hints are caller-supplied retrieval hints; the hint "hot" forces the
	// memory into the hot tier.
	Hints []string

	Tags []string
}

// StoreResult is the synchronous part of an ingest: everything after the
// document-store write happens in the background.
type StoreResult struct {
	Memory   *types.Memory     `json:"memory"`
	Signals  salience.Signals  `json:"signals"`
	Loops    []*types.OpenLoop `json:"loops,omitempty"`
	Deduped  bool              `json:"deduped,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
}

// StoreMemory runs the ingest pipeline: validate, dedup, extract, score,
// write. The document-store write is the linearization point; embedding,
// loop, relationship and vocabulary updates are dispatched to a background
// group that retries transient failures and never blocks the caller.
func (e *Engine) StoreMemory(ctx context.Context, in StoreInput) (*StoreResult, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "StoreMemory")
	defer timer.Stop()

	if err := e.checkWritable("ingest.store_memory"); err != nil {
		return nil, err
	}

	// Step 1: validate. Fail fast, no side effects.
	if in.UserID == "" {
		return nil, types.Validationf("ingest.store_memory", "user_id is required")
	}
	text := types.NormalizeText(in.Text)
	if text == "" {
		return nil, types.Validationf("ingest.store_memory", "text is empty")
	}
	if n := utf8.RuneCountInString(text); n > types.MaxTextLen {
		return nil, types.Validationf("ingest.store_memory", "text is %d chars, max %d", n, types.MaxTextLen)
	}

	// Step 2: dedup on the normalized-text fingerprint. Within the window
	// this is the idempotent path; outside it the fingerprint uniqueness
	// still holds, so the existing memory is the answer either way.
	now := e.now()
	fp := types.Fingerprint(text)
	if existing, err := e.store.FindByFingerprint(in.UserID, fp); err != nil {
		return nil, err
	} else if existing != nil {
		if now.Sub(existing.CreatedAt) <= e.cfg.Options.DedupWindow() {
			logging.IngestDebug("dedup hit for user=%s fp=%s", in.UserID, fp[:12])
		}
		return &StoreResult{Memory: existing, Deduped: true}, nil
	}

	// Step 3: feature extraction, degrading to lexical on backend trouble.
	vocab, err := e.store.Vocab(in.UserID)
	if err != nil {
		return nil, err
	}
	known, err := e.store.EntityNames(in.UserID, 100)
	if err != nil {
		return nil, err
	}
	feats, err := e.extractor.Extract(ctx, extract.Input{
		Text:          text,
		UserID:        in.UserID,
		PriorEntities: known,
		KnownVocab:    vocab,
	})
	if err != nil {
		return nil, err
	}

	// Resolve mentioned people against the entity store before the write so
	// the memory row carries its entity set.
	entityIDs := make([]string, 0, len(feats.People))
	for i, p := range feats.People {
		ent, err := e.store.UpsertEntity(in.UserID, types.EntityPerson, p.Surface, now)
		if err != nil {
			return nil, err
		}
		feats.People[i].EntityID = ent.ID
		entityIDs = append(entityIDs, ent.ID)
	}

	// Step 4: salience.
	closeNames, err := e.closeContactNames(in.UserID)
	if err != nil {
		return nil, err
	}
	score, signals := e.salience.Score(feats, salience.Ambient{
		VocabSize:     len(vocab),
		CloseContacts: closeNames,
	})

	// Originating context: caller-supplied snapshot wins, else the active
	// frame (renewed, since ingest shows the situation is live).
	snapshot := in.Context
	if snapshot == nil {
		frame, err := e.frames.Active(in.UserID)
		if err != nil {
			return nil, err
		}
		if frame != nil {
			snapshot = frame.Snapshot()
			e.frames.Renew(frame)
		}
	}

	mem := &types.Memory{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Text:            text,
		Fingerprint:     fp,
		CreatedAt:       now,
		LastAccess:      now,
		State:           types.StateActive,
		Tier:            types.TierWarm,
		Features:        feats,
		Salience:        score,
		CurrentScore:    score,
		WeightsVersion:  e.salience.WeightsVersion,
		EntityIDs:       entityIDs,
		Tags:            in.Tags,
		PredictiveHints: in.Hints,
		Context:         snapshot,
		LogicalTS:       now.UnixNano(),
		SchemaVersion:   types.SchemaVersion,
	}
	if feats.Partial {
		mem.Degraded = true
		mem.DegradedReason = "feature extraction degraded to lexical"
	}
	forceHot := score >= hotSalienceFloor || hasHint(in.Hints, "hot")
	if forceHot {
		mem.Tier = types.TierHot
	}

	// Step 5: the write. This is the linearization point; a failure here
	// aborts the operation with no side effects.
	if err := e.store.InsertMemory(mem); err != nil {
		if types.IsKind(err, types.KindIntegrity) {
			// Raced with an identical concurrent ingest.
			if existing, ferr := e.store.FindByFingerprint(in.UserID, fp); ferr == nil && existing != nil {
				return &StoreResult{Memory: existing, Deduped: true}, nil
			}
		}
		e.markUnhealthy("document store write", err)
		return nil, types.E(types.KindFatal, "ingest.store_memory", "document store write failed", err)
	}
	logging.Ingest("stored %s user=%s salience=%.1f tier=%s degraded=%v",
		mem.ID, mem.UserID, mem.Salience, mem.Tier, mem.Degraded)

	// Loop consequences are computed synchronously so the caller sees the
	// loops its text opened; the remaining side effects are asynchronous.
	loopRes, err := e.loops.Apply(mem, feats)
	if err != nil {
		logging.Get(logging.CategoryIngest).Warn("loop update for %s deferred: %v", mem.ID, err)
	}

	e.dispatchSideEffects(mem, feats, forceHot)

	return &StoreResult{
		Memory:   mem,
		Signals:  signals,
		Loops:    loopRes.Opened,
		Deduped:  false,
		Degraded: mem.Degraded,
	}, nil
}

// dispatchSideEffects runs the post-write projections in the background.
// Each is idempotent and keyed by memory id; failures are retried a bounded
// number of times and then logged for the repair pass.
func (e *Engine) dispatchSideEffects(mem *types.Memory, feats types.Features, forceHot bool) {
	g := &errgroup.Group{}
	g.SetLimit(4)

	g.Go(func() error {
		err := withRetry(3, func() error { return e.projectEmbedding(mem) })
		if err != nil {
			logging.Get(logging.CategoryIngest).Error("embedding for %s deferred: %v", mem.ID, err)
		}
		return nil
	})

	g.Go(func() error {
		selfID, err := e.selfEntity(mem.UserID)
		if err == nil {
			err = e.relations.Apply(selfID, mem, feats)
		}
		if err != nil {
			logging.Get(logging.CategoryIngest).Error("relationship update for %s deferred: %v", mem.ID, err)
		}
		return nil
	})

	g.Go(func() error {
		var tokens []string
		tokens = append(tokens, feats.Novelty...)
		tokens = append(tokens, feats.Topics...)
		if err := e.store.AddVocab(mem.UserID, tokens); err != nil {
			logging.Get(logging.CategoryIngest).Warn("vocab update for %s: %v", mem.ID, err)
		}
		return nil
	})

	if forceHot {
		g.Go(func() error {
			if _, err := e.hot.Put(mem); err != nil {
				logging.Get(logging.CategoryIngest).Warn("hot write for %s: %v", mem.ID, err)
			}
			return nil
		})
	}

	// Fire and forget: the group is not waited on by the request path.
	go func() { _ = g.Wait() }()
}

// projectEmbedding embeds the memory text and writes the vector projection.
// Stale writes (an older logical timestamp than the stored row) are
// discarded by the store.
func (e *Engine) projectEmbedding(mem *types.Memory) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Options.LLMTimeout())
	defer cancel()

	vec, err := e.embedder.Embed(ctx, mem.Text)
	if err != nil {
		return err
	}
	_, err = e.store.UpsertEmbedding(mem.ID, mem.UserID, vec, mem.LogicalTS)
	return err
}

func (e *Engine) closeContactNames(userID string) (map[string]bool, error) {
	circle, err := e.store.CareCircleEntities(userID)
	if err != nil {
		return nil, err
	}
	if len(circle) == 0 {
		return nil, nil
	}
	names := make(map[string]bool, len(circle))
	for _, ent := range circle {
		names[lower(ent.Name)] = true
	}
	return names, nil
}

func withRetry(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return err
}

func hasHint(hints []string, want string) bool {
	for _, h := range hints {
		if h == want {
			return true
		}
	}
	return false
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

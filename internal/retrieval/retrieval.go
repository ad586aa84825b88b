// Package retrieval is the read path: semantic search fused with salience
// and recency, filtered through the context gate, served hot-tier-first.
// Reads feed back into the engine: every returned memory counts as an
// access, which drives tier promotion and the temporal access log.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/embedding"
	"mnemo/internal/hotcache"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/tier"
	"mnemo/internal/types"
)

const (
	// Fusion weights: semantic similarity dominates, salience-times-recency
	// keeps old-but-important memories reachable.
	weightSemantic = 0.6
	weightSalience = 0.4

	// recencyHalfLife halves the recency factor every two weeks.
	recencyHalfLife = 14 * 24 * time.Hour

	// gateSteepness shapes the sigmoid around the threshold.
	gateSteepness = 10.0
)

// Result is one retrieved memory with its score breakdown.
type Result struct {
	Memory   *types.Memory `json:"memory"`
	Score    float64       `json:"score"`
	Semantic float64       `json:"semantic"`
	Gate     float64       `json:"gate"`
	FromHot  bool          `json:"from_hot,omitempty"`

	// Branch carries the memory id of the spark vote that opened the
	// lateral query this result came from. Empty for main-line results.
	Branch string `json:"branch,omitempty"`
}

// Retriever executes queries.
type Retriever struct {
	store  *store.Store
	engine embedding.Engine
	hot    *hotcache.Cache
	tiers  *tier.Manager
	opts   config.Options

	now func() time.Time
}

// New creates a retriever.
func New(st *store.Store, eng embedding.Engine, hot *hotcache.Cache, tiers *tier.Manager, opts config.Options) *Retriever {
	return &Retriever{store: st, engine: eng, hot: hot, tiers: tiers, opts: opts, now: time.Now}
}

// Query is one retrieval request.
type Query struct {
	UserID string
	Text   string
	Limit  int

	// ContextKey selects the learned per-context score adjustments.
	ContextKey string

	// FrameVec is the active frame's aggregated context embedding. When
	// set, candidates pass through the context gate: a sigmoid on their
	// cosine similarity to the frame, centered at gate_threshold. Below
	// gate_min they are suppressed; the rest are re-ranked by score*gate.
	FrameVec []float32

	// IncludeSuppressed widens the state filter to suppressed memories.
	// Deleted memories are never retrievable.
	IncludeSuppressed bool

	// States narrows the search to the given lifecycle states. Deleted is
	// never searched and suppressed still requires IncludeSuppressed.
	States []types.LifecycleState

	// Tags keeps only memories carrying at least one of these tags.
	Tags []string
}

// Search embeds the query text and returns gated, fused results.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if q.Limit <= 0 {
		q.Limit = 10
	}
	vctx, cancel := context.WithTimeout(ctx, r.opts.VectorTimeout())
	defer cancel()
	vec, err := r.engine.Embed(vctx, q.Text)
	if err != nil {
		return nil, types.E(types.KindTransient, "retrieval.Search", "embed query", err)
	}
	return r.SearchVector(ctx, q, vec)
}

// SearchVector runs retrieval for an already-embedded query.
func (r *Retriever) SearchVector(ctx context.Context, q Query, vec []float32) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	var states []types.LifecycleState
	if len(q.States) > 0 {
		for _, st := range q.States {
			if st == types.StateDeleted || (st == types.StateSuppressed && !q.IncludeSuppressed) {
				continue
			}
			states = append(states, st)
		}
		if len(states) == 0 {
			return nil, nil
		}
	} else {
		states = []types.LifecycleState{types.StateActive, types.StateArchived}
		if q.IncludeSuppressed {
			states = append(states, types.StateSuppressed)
		}
	}

	// Overfetch so gating and state filtering don't starve the result set.
	fetch := q.Limit * r.opts.RetrievalOverfetchFactor
	sims, err := r.store.SearchSimilar(q.UserID, vec, fetch, states)
	if err != nil {
		return nil, err
	}

	var weights map[string]float64
	if q.ContextKey != "" {
		weights, err = r.store.ContextWeights(q.UserID, q.ContextKey)
		if err != nil {
			return nil, err
		}
	}

	now := r.now()
	results := make([]Result, 0, len(sims))
	for _, sm := range sims {
		if !HasAnyTag(sm.Memory.Tags, q.Tags) {
			continue
		}
		score := r.Fuse(sm.Similarity, sm.Memory, now) + weights[sm.Memory.ID]
		gate := 1.0
		if len(q.FrameVec) > 0 {
			gate = Gate(embedding.Cosine(q.FrameVec, sm.Vec), r.opts.GateThreshold)
			if gate < r.opts.GateMin {
				continue
			}
			score *= gate
		}
		results = append(results, Result{
			Memory:   sm.Memory,
			Score:    score,
			Semantic: sm.Similarity,
			Gate:     gate,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}

	r.recordAccess(results)
	logging.RetrievalDebug("user=%s fetched=%d returned=%d", q.UserID, len(sims), len(results))
	return results, nil
}

// Salient is the no-query fallback: most salient recent memories, gated
// only by state.
func (r *Retriever) Salient(userID string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	mems, err := r.store.MostSalient(userID, limit)
	if err != nil {
		return nil, err
	}
	now := r.now()
	results := make([]Result, 0, len(mems))
	for _, m := range mems {
		results = append(results, Result{Memory: m, Score: r.Fuse(0, m, now), Gate: 1})
	}
	r.recordAccess(results)
	return results, nil
}

// Get serves a single memory hot-tier-first: cache hit counts as an access
// and refreshes the TTL; a miss falls through to the document store and a
// cold hit revives the memory to warm.
func (r *Retriever) Get(userID, memoryID string) (*types.Memory, bool, error) {
	if cached, err := r.hot.Get(userID, memoryID); err == nil && cached != nil {
		r.tiers.OnAccess(cached)
		if err := r.store.TouchMemoryAccess(memoryID, r.now()); err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("touch %s: %v", memoryID, err)
		}
		r.logAccess(userID, memoryID)
		return cached, true, nil
	}

	m, err := r.store.GetUserMemory(userID, memoryID)
	if err != nil {
		return nil, false, err
	}
	if m.State == types.StateDeleted {
		return nil, false, types.NotFoundf("retrieval.Get", "memory %s", memoryID)
	}
	r.noteRead(m)
	return m, false, nil
}

// Fuse combines semantic similarity with salience decayed by recency.
func (r *Retriever) Fuse(semantic float64, m *types.Memory, now time.Time) float64 {
	age := now.Sub(m.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp2(-float64(age) / float64(recencyHalfLife))
	salience := m.Salience
	if m.CurrentScore > 0 {
		salience = m.CurrentScore
	}
	return weightSemantic*semantic + weightSalience*(salience/100)*recency
}

// Gate maps a frame-to-candidate cosine similarity through a sigmoid
// centered on the threshold, yielding a pass weight in (0,1).
func Gate(similarity, threshold float64) float64 {
	return 1 / (1 + math.Exp(-gateSteepness*(similarity-threshold)))
}

// HasAnyTag reports whether have carries at least one of the wanted tags.
// An empty want set matches everything.
func HasAnyTag(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (r *Retriever) recordAccess(results []Result) {
	for i := range results {
		m := results[i].Memory
		if m.Tier == types.TierHot {
			results[i].FromHot = true
		}
		r.noteRead(m)
	}
}

// noteRead applies the side effects of serving one memory: access counter,
// tier bookkeeping, hourly access log.
func (r *Retriever) noteRead(m *types.Memory) {
	now := r.now()
	if err := r.store.TouchMemoryAccess(m.ID, now); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("touch %s: %v", m.ID, err)
	}
	if m.Tier == types.TierCold {
		r.tiers.Revive(m)
	} else {
		r.tiers.OnAccess(m)
	}
	r.logAccess(m.UserID, m.ID)
}

func (r *Retriever) logAccess(userID, memoryID string) {
	if err := r.store.RecordAccess(userID, memoryID, r.now()); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("access log %s: %v", memoryID, err)
	}
}

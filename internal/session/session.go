// Package session implements recall refinement: an interactive "on second
// thought" loop where the caller votes on candidates and the query vector
// is re-aimed by vector arithmetic. Hot and warm votes pull the query
// toward what resonated, cold and wrong votes push it away, and a spark
// vote opens a lateral branch that is searched alongside the refined main
// query and merged, labelled, into the round. Sessions are ephemeral and
// expire unresolved.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/retrieval"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

const (
	// TTL is how long an unresolved session stays usable.
	TTL = 5 * time.Minute

	// suppressScale is how hard cold/wrong votes push the query away.
	suppressScale = 0.3

	// Vote weights for the anchor mean.
	anchorWeightHot  = 1.0
	anchorWeightWarm = 0.4
)

// Learned per-context score deltas applied at Resolve.
var voteDeltas = map[types.Vote]float64{
	types.VoteHot:   0.05,
	types.VoteWarm:  0.02,
	types.VoteCold:  -0.02,
	types.VoteWrong: -0.05,
}

// Manager runs recall sessions.
type Manager struct {
	store     *store.Store
	engine    embedding.Engine
	retriever *retrieval.Retriever
	now       func() time.Time
}

// New creates a session manager.
func New(st *store.Store, eng embedding.Engine, ret *retrieval.Retriever) *Manager {
	return &Manager{store: st, engine: eng, retriever: ret, now: time.Now}
}

// Start opens a session with an initial ungated retrieval round.
func (m *Manager) Start(ctx context.Context, userID, queryText string, limit int) (*types.RecallSession, []retrieval.Result, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := m.engine.Embed(ctx, queryText)
	if err != nil {
		return nil, nil, types.E(types.KindTransient, "session.Start", "embed query", err)
	}

	// Sessions refine instead of gating, so no frame vector is passed.
	results, err := m.retriever.SearchVector(ctx, retrieval.Query{
		UserID: userID,
		Limit:  limit,
	}, vec)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	sess := &types.RecallSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Query:     vec,
		Rounds:    []types.RecallRound{{Query: vec, Candidates: candidateIDs(results)}},
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}
	if err := m.store.PutSession(sess); err != nil {
		return nil, nil, err
	}
	logging.Get(logging.CategorySession).Info("session %s started for user=%s (%d candidates)",
		sess.ID, userID, len(results))
	return sess, results, nil
}

// Vote records judgements on the current round's candidates, refines the
// query and returns the next round of candidates. Voting on a resolved or
// expired session is an error.
func (m *Manager) Vote(ctx context.Context, userID, sessionID string, votes map[string]types.Vote) (*types.RecallSession, []retrieval.Result, error) {
	sess, err := m.store.GetSession(userID, sessionID, m.now())
	if err != nil {
		return nil, nil, err
	}
	if sess.Resolved {
		return nil, nil, types.Semanticf("session.Vote", "session %s is resolved", sessionID)
	}
	if len(sess.Rounds) == 0 {
		return nil, nil, types.Semanticf("session.Vote", "session %s has no round to vote on", sessionID)
	}

	round := &sess.Rounds[len(sess.Rounds)-1]
	shown := make(map[string]bool)
	for _, r := range sess.Rounds {
		for _, id := range r.Candidates {
			shown[id] = true
		}
	}
	round.Votes = make(map[string]types.Vote, len(votes))
	for id, v := range votes {
		if !contains(round.Candidates, id) {
			return nil, nil, types.Validationf("session.Vote", "%s is not a candidate of the current round", id)
		}
		round.Votes[id] = v
	}

	refined, sparks, err := m.refine(round.Query, round.Votes)
	if err != nil {
		return nil, nil, err
	}

	// Overfetch, then drop everything already shown this session.
	size := len(round.Candidates)
	results, err := m.retriever.SearchVector(ctx, retrieval.Query{
		UserID: userID,
		Limit:  size + len(shown),
	}, refined)
	if err != nil {
		return nil, nil, err
	}
	var fresh []retrieval.Result
	taken := make(map[string]bool)
	for _, r := range results {
		if shown[r.Memory.ID] {
			continue
		}
		fresh = append(fresh, r)
		taken[r.Memory.ID] = true
		if len(fresh) >= size {
			break
		}
	}

	// Each spark opens a lateral query; its hits merge into the round
	// labelled with the spark that opened them.
	for sparkID, vec := range sparks {
		lateral, err := m.retriever.SearchVector(ctx, retrieval.Query{
			UserID: userID,
			Limit:  size + len(shown) + len(taken),
		}, vec)
		if err != nil {
			return nil, nil, err
		}
		branched := 0
		for _, r := range lateral {
			if shown[r.Memory.ID] || taken[r.Memory.ID] {
				continue
			}
			r.Branch = sparkID
			fresh = append(fresh, r)
			taken[r.Memory.ID] = true
			if branched++; branched >= size {
				break
			}
		}
	}

	sess.Rounds = append(sess.Rounds, types.RecallRound{
		Query:      refined,
		Candidates: candidateIDs(fresh),
	})
	sess.ExpiresAt = m.now().Add(TTL)
	if err := m.store.PutSession(sess); err != nil {
		return nil, nil, err
	}
	logging.Get(logging.CategorySession).Debug("session %s round %d: %d fresh candidates",
		sess.ID, len(sess.Rounds), len(fresh))
	return sess, fresh, nil
}

// refine re-aims the query vector from the votes:
//
//	anchor  = weighted mean of hot (1.0) and warm (0.4) vectors
//	suppress = mean of cold and wrong vectors
//	refined = anchor - 0.3 * suppress
//
// With nothing to anchor on, the previous query carries forward (minus any
// suppression). Spark votes never move the main aim; their vectors come
// back keyed by memory id so each can open its own lateral query.
func (m *Manager) refine(query []float32, votes map[string]types.Vote) ([]float32, map[string][]float32, error) {
	var anchorVecs, suppressVecs [][]float32
	var anchorWeights []float64
	sparks := make(map[string][]float32)

	for id, v := range votes {
		vec, err := m.store.GetEmbedding(id)
		if err != nil {
			return nil, nil, err
		}
		if vec == nil {
			continue
		}
		switch v {
		case types.VoteHot:
			anchorVecs = append(anchorVecs, vec)
			anchorWeights = append(anchorWeights, anchorWeightHot)
		case types.VoteWarm:
			anchorVecs = append(anchorVecs, vec)
			anchorWeights = append(anchorWeights, anchorWeightWarm)
		case types.VoteCold, types.VoteWrong:
			suppressVecs = append(suppressVecs, vec)
		case types.VoteSpark:
			sparks[id] = vec
		}
	}

	refined := query
	if len(anchorVecs) > 0 {
		refined = embedding.WeightedMean(anchorVecs, anchorWeights)
	}
	if len(suppressVecs) > 0 {
		refined = embedding.Sub(refined, embedding.Mean(suppressVecs...), suppressScale)
	}
	return refined, sparks, nil
}

// Resolve closes the session and writes the learned per-context score
// adjustments from every round's votes. contextKey comes from the frame
// that was active when recall happened.
func (m *Manager) Resolve(userID, sessionID, contextKey string) (*types.RecallSession, error) {
	sess, err := m.store.GetSession(userID, sessionID, m.now())
	if err != nil {
		return nil, err
	}
	if sess.Resolved {
		return nil, types.Semanticf("session.Resolve", "session %s is already resolved", sessionID)
	}

	if contextKey == "" {
		contextKey = "global"
	}
	for _, round := range sess.Rounds {
		for id, v := range round.Votes {
			delta, ok := voteDeltas[v]
			if !ok {
				continue
			}
			if err := m.store.AddContextWeight(userID, contextKey, id, delta); err != nil {
				return nil, err
			}
		}
	}

	sess.Resolved = true
	if err := m.store.PutSession(sess); err != nil {
		return nil, err
	}
	logging.Get(logging.CategorySession).Info("session %s resolved (%d rounds, context=%s)",
		sess.ID, len(sess.Rounds), contextKey)
	return sess, nil
}

func candidateIDs(results []retrieval.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	return ids
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

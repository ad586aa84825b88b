package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/embedding"
	"mnemo/internal/hotcache"
	"mnemo/internal/retrieval"
	"mnemo/internal/store"
	"mnemo/internal/tier"
	"mnemo/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, embedding.Engine) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hot, err := hotcache.New(hotcache.Options{InMemory: true, TTL: time.Hour, Capacity: 64})
	if err != nil {
		t.Fatalf("Failed to open hot cache: %v", err)
	}
	t.Cleanup(func() { hot.Close() })

	opts := config.DefaultOptions()
	eng := embedding.NewLexicalEngine(embedding.DefaultLexicalDimensions)
	ret := retrieval.New(st, eng, hot, tier.New(st, hot, opts), opts)
	return New(st, eng, ret), st, eng
}

func seedEmbedded(t *testing.T, st *store.Store, eng embedding.Engine, text string) *types.Memory {
	t.Helper()
	now := time.Now()
	m := &types.Memory{
		ID:           uuid.NewString(),
		UserID:       "alice",
		Text:         text,
		Fingerprint:  types.Fingerprint(text),
		CreatedAt:    now,
		LastAccess:   now,
		State:        types.StateActive,
		Tier:         types.TierWarm,
		Salience:     50,
		CurrentScore: 50,
	}
	if err := st.InsertMemory(m); err != nil {
		t.Fatalf("Failed to insert memory: %v", err)
	}
	vec, err := eng.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	if _, err := st.UpsertEmbedding(m.ID, "alice", vec, 1); err != nil {
		t.Fatalf("Failed to upsert embedding: %v", err)
	}
	return m
}

func TestStartVoteResolve(t *testing.T) {
	m, st, eng := newTestManager(t)
	ctx := context.Background()

	seedEmbedded(t, st, eng, "quarterly budget review with Sarah")
	seedEmbedded(t, st, eng, "budget spreadsheet for the quarter")
	seedEmbedded(t, st, eng, "weekend hiking trip to the ridge")

	sess, results, err := m.Start(ctx, "alice", "budget", 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Got %d candidates, want 2", len(results))
	}
	if len(sess.Rounds) != 1 {
		t.Fatalf("Rounds = %d, want 1", len(sess.Rounds))
	}

	// Vote and get a fresh round; already-shown candidates never repeat.
	shown := map[string]bool{results[0].Memory.ID: true, results[1].Memory.ID: true}
	sess, next, err := m.Vote(ctx, "alice", sess.ID, map[string]types.Vote{
		results[0].Memory.ID: types.VoteHot,
		results[1].Memory.ID: types.VoteCold,
	})
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}
	if len(sess.Rounds) != 2 {
		t.Fatalf("Rounds after vote = %d, want 2", len(sess.Rounds))
	}
	for _, r := range next {
		if shown[r.Memory.ID] {
			t.Errorf("Candidate %q repeated across rounds", r.Memory.Text)
		}
	}

	resolved, err := m.Resolve("alice", sess.ID, "office/planning")
	if err != nil {
		t.Fatalf("Failed to resolve: %v", err)
	}
	if !resolved.Resolved {
		t.Fatal("Session not marked resolved")
	}

	// The votes became per-context score adjustments.
	weights, err := st.ContextWeights("alice", "office/planning")
	if err != nil {
		t.Fatalf("Failed to read context weights: %v", err)
	}
	var hotID, coldID string
	for id, v := range sess.Rounds[0].Votes {
		if v == types.VoteHot {
			hotID = id
		} else {
			coldID = id
		}
	}
	if weights[hotID] != 0.05 {
		t.Errorf("Hot vote weight = %v, want 0.05", weights[hotID])
	}
	if weights[coldID] != -0.02 {
		t.Errorf("Cold vote weight = %v, want -0.02", weights[coldID])
	}

	// Resolved sessions reject further votes and resolves.
	if _, _, err := m.Vote(ctx, "alice", sess.ID, nil); !types.IsKind(err, types.KindSemantic) {
		t.Errorf("Vote on resolved session: err = %v, want semantic", err)
	}
	if _, err := m.Resolve("alice", sess.ID, ""); !types.IsKind(err, types.KindSemantic) {
		t.Errorf("Second resolve: err = %v, want semantic", err)
	}
}

func TestVoteValidation(t *testing.T) {
	m, st, eng := newTestManager(t)
	ctx := context.Background()

	seedEmbedded(t, st, eng, "some memory about gardening")
	sess, _, err := m.Start(ctx, "alice", "gardening", 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	_, _, err = m.Vote(ctx, "alice", sess.ID, map[string]types.Vote{"not-a-candidate": types.VoteHot})
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("Vote on non-candidate: err = %v, want validation", err)
	}

	if _, _, err := m.Vote(ctx, "alice", "no-such-session", nil); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Vote on unknown session: err = %v, want not_found", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	m, st, eng := newTestManager(t)
	ctx := context.Background()

	seedEmbedded(t, st, eng, "a note to self")
	sess, _, err := m.Start(ctx, "alice", "note", 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	// Ten minutes later the session has expired.
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if _, _, err := m.Vote(ctx, "alice", sess.ID, nil); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("Vote on expired session: err = %v, want not_found", err)
	}
}

func TestSparkKeepsAnchorAim(t *testing.T) {
	m, st, eng := newTestManager(t)
	ctx := context.Background()

	seedEmbedded(t, st, eng, "budget spreadsheet for the quarter")
	seedEmbedded(t, st, eng, "quarterly budget review with Sarah")
	seedEmbedded(t, st, eng, "weekend hiking trip to the ridge")

	sess, results, err := m.Start(ctx, "alice", "budget planning", 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Got %d candidates, want 2", len(results))
	}
	hotID, sparkID := results[0].Memory.ID, results[1].Memory.ID

	// A spark in the same round must not hijack the anchored main aim.
	sess, _, err = m.Vote(ctx, "alice", sess.ID, map[string]types.Vote{
		hotID:   types.VoteHot,
		sparkID: types.VoteSpark,
	})
	if err != nil {
		t.Fatalf("Failed to vote: %v", err)
	}

	hotVec, err := st.GetEmbedding(hotID)
	if err != nil {
		t.Fatalf("Failed to get hot embedding: %v", err)
	}
	sparkVec, err := st.GetEmbedding(sparkID)
	if err != nil {
		t.Fatalf("Failed to get spark embedding: %v", err)
	}
	newQuery := sess.Rounds[len(sess.Rounds)-1].Query
	cosHot := embedding.Cosine(newQuery, hotVec)
	cosSpark := embedding.Cosine(newQuery, sparkVec)
	if cosHot < 0.999 {
		t.Errorf("Refined query cosine to the hot anchor = %v, want ~1", cosHot)
	}
	if cosSpark >= cosHot {
		t.Errorf("Refined query follows the spark (%v) over the anchor (%v)", cosSpark, cosHot)
	}
}

func TestSparkOpensLabelledBranch(t *testing.T) {
	m, st, eng := newTestManager(t)
	ctx := context.Background()

	spark := seedEmbedded(t, st, eng, "budget spreadsheet for the quarter")
	lateral := seedEmbedded(t, st, eng, "weekend hiking trip to the ridge")
	main := seedEmbedded(t, st, eng, "budget review notes for the quarter")

	sess, results, err := m.Start(ctx, "alice", "budget spreadsheet quarter", 1)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != spark.ID {
		t.Fatalf("First round = %v, want the spreadsheet memory", results)
	}

	_, next, err := m.Vote(ctx, "alice", sess.ID, map[string]types.Vote{spark.ID: types.VoteSpark})
	if err != nil {
		t.Fatalf("Failed to vote spark: %v", err)
	}

	// The main line continues from the original aim; the spark's lateral
	// query merges in, labelled with the spark that opened it.
	if len(next) != 2 {
		t.Fatalf("Got %d merged results, want main + branch", len(next))
	}
	if next[0].Memory.ID != main.ID || next[0].Branch != "" {
		t.Errorf("Main result = %s branch %q, want the review memory unlabelled", next[0].Memory.ID, next[0].Branch)
	}
	if next[1].Memory.ID != lateral.ID || next[1].Branch != spark.ID {
		t.Errorf("Branch result = %s branch %q, want the hiking memory labelled %s", next[1].Memory.ID, next[1].Branch, spark.ID)
	}
}

package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/frames"
	"mnemo/internal/logging"
	"mnemo/internal/pattern"
	"mnemo/internal/retrieval"
	"mnemo/internal/types"
)

// restoreGrace is how long a deleted memory can still be restored.
const restoreGrace = 7 * 24 * time.Hour

// RecallInput is one recall request.
type RecallInput struct {
	UserID string
	Query  string
	Limit  int

	// States and Tags narrow the result set. Deleted is never a valid
	// state filter.
	States []string
	Tags   []string

	// IncludeSuppressed is owner-only; the tool adapter never sets it for
	// third-party callers.
	IncludeSuppressed bool
}

// Recall returns ranked memories for a query. An empty query falls back to
// the most salient items in the user's current context.
func (e *Engine) Recall(ctx context.Context, in RecallInput) ([]retrieval.Result, error) {
	if in.UserID == "" {
		return nil, types.Validationf("recall", "user_id is required")
	}
	states, err := recallStates(in.States)
	if err != nil {
		return nil, err
	}
	if in.Query == "" {
		results, err := e.retriever.Salient(in.UserID, in.Limit)
		if err != nil {
			return nil, err
		}
		if len(in.Tags) > 0 {
			filtered := results[:0]
			for _, r := range results {
				if retrieval.HasAnyTag(r.Memory.Tags, in.Tags) {
					filtered = append(filtered, r)
				}
			}
			results = filtered
		}
		return results, nil
	}

	frame, err := e.frames.Active(in.UserID)
	if err != nil {
		return nil, err
	}
	q := retrieval.Query{
		UserID:            in.UserID,
		Text:              in.Query,
		Limit:             in.Limit,
		ContextKey:        frames.Key(frame),
		States:            states,
		Tags:              in.Tags,
		IncludeSuppressed: in.IncludeSuppressed,
	}
	if frame != nil {
		if vec, err := e.frameVec(ctx, frame); err == nil {
			q.FrameVec = vec
		}
	}
	return e.retriever.Search(ctx, q)
}

// recallStates parses state filter names. Deleted memories are never
// retrievable, so "deleted" is rejected along with anything unknown.
func recallStates(names []string) ([]types.LifecycleState, error) {
	var states []types.LifecycleState
	for _, name := range names {
		switch st := types.LifecycleState(name); st {
		case types.StateActive, types.StateArchived, types.StateSuppressed:
			states = append(states, st)
		default:
			return nil, types.Validationf("recall", "cannot filter on state %q", name)
		}
	}
	return states, nil
}

// Relevant is the whats_relevant response: ranked memories for the active
// context plus open loops and a context summary.
type Relevant struct {
	Frame    *types.ContextFrame `json:"frame,omitempty"`
	Memories []retrieval.Result  `json:"memories"`
	Loops    []*types.OpenLoop   `json:"loops"`
}

// WhatsRelevant synthesizes a query from the active frame and retrieves.
// Without an active frame it degrades to the salience fallback.
func (e *Engine) WhatsRelevant(ctx context.Context, userID string, limit int) (*Relevant, error) {
	if userID == "" {
		return nil, types.Validationf("whats_relevant", "user_id is required")
	}

	frame, err := e.frames.Active(userID)
	if err != nil {
		return nil, err
	}
	open, err := e.loops.ListOpen(userID, 20)
	if err != nil {
		return nil, err
	}

	out := &Relevant{Frame: frame, Loops: open}
	if frame == nil {
		out.Memories, err = e.retriever.Salient(userID, limit)
		return out, err
	}

	queryText := frames.QueryText(frame, e.peopleNames(frame.PeopleIDs))
	vec, err := e.frameVec(ctx, frame)
	if err != nil {
		return nil, err
	}
	out.Memories, err = e.retriever.Search(ctx, retrieval.Query{
		UserID:     userID,
		Text:       queryText,
		Limit:      limit,
		ContextKey: frames.Key(frame),
		FrameVec:   vec,
	})
	return out, err
}

// Briefing is the get_briefing response for one person.
type Briefing struct {
	Person        *types.Entity       `json:"person"`
	Relationship  *types.Relationship `json:"relationship,omitempty"`
	YouOwe        []*types.OpenLoop   `json:"you_owe"`
	TheyOwe       []*types.OpenLoop   `json:"they_owe"`
	Upcoming      []*types.OpenLoop   `json:"upcoming"`
	Sensitivities []string            `json:"sensitivities,omitempty"`
}

// GetBriefing assembles everything known about a person: relationship
// state, loops in both directions, dated loops coming up, topics to tread
// carefully around.
func (e *Engine) GetBriefing(userID, personID string) (*Briefing, error) {
	ent, err := e.store.GetEntity(personID)
	if err != nil {
		return nil, err
	}
	if ent.UserID != userID {
		return nil, types.NotFoundf("get_briefing", "entity %s", personID)
	}

	selfID, err := e.selfEntity(userID)
	if err != nil {
		return nil, err
	}
	rel, err := e.store.GetRelationship(userID, selfID, personID)
	if err != nil {
		return nil, err
	}

	loops, err := e.loops.ForCounterparty(userID, personID)
	if err != nil {
		return nil, err
	}

	b := &Briefing{Person: ent, Relationship: rel}
	now := e.now()
	for _, l := range loops {
		switch l.Type {
		case types.LoopTheyOweYou:
			b.TheyOwe = append(b.TheyOwe, l)
		default:
			b.YouOwe = append(b.YouOwe, l)
		}
		if l.DueAt != nil && l.DueAt.After(now) {
			b.Upcoming = append(b.Upcoming, l)
		}
	}
	if rel != nil {
		b.Sensitivities = rel.Sensitivities
	}
	return b, nil
}

// SetContext installs a new active frame.
func (e *Engine) SetContext(userID string, in frames.Input) (*types.ContextFrame, error) {
	if err := e.checkWritable("set_context"); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, types.Validationf("set_context", "user_id is required")
	}
	return e.frames.Set(userID, in)
}

// ClearContext closes the active frame.
func (e *Engine) ClearContext(userID string) error {
	return e.frames.Clear(userID)
}

// ActiveContext returns the current frame, nil when none.
func (e *Engine) ActiveContext(userID string) (*types.ContextFrame, error) {
	return e.frames.Active(userID)
}

// ListLoops lists the user's loops, open by default.
func (e *Engine) ListLoops(userID string, state types.LoopState, counterpartyID string) ([]*types.OpenLoop, error) {
	if userID == "" {
		return nil, types.Validationf("list_loops", "user_id is required")
	}
	return e.loops.List(userID, state, counterpartyID)
}

// CloseLoop transitions a loop to done or cancelled.
func (e *Engine) CloseLoop(userID, loopID string, to types.LoopState) (*types.OpenLoop, error) {
	if err := e.checkWritable("close_loop"); err != nil {
		return nil, err
	}
	if to == "" {
		to = types.LoopDone
	}
	return e.loops.Close(userID, loopID, to)
}

// ForgetMode selects how far forget goes.
type ForgetMode string

const (
	ForgetSuppress ForgetMode = "suppress"
	ForgetArchive  ForgetMode = "archive"
	ForgetDelete   ForgetMode = "delete"
)

// Forget transitions a memory out of the active state. Suppressed and
// archived memories can always be restored; deleted ones only within the
// grace window, after which the purge worker removes the row.
func (e *Engine) Forget(userID, memoryID string, mode ForgetMode) error {
	if err := e.checkWritable("forget"); err != nil {
		return err
	}
	var to types.LifecycleState
	switch mode {
	case ForgetSuppress:
		to = types.StateSuppressed
	case ForgetArchive:
		to = types.StateArchived
	case ForgetDelete:
		to = types.StateDeleted
	default:
		return types.Validationf("forget", "mode must be suppress|archive|delete, got %q", mode)
	}

	from := []types.LifecycleState{types.StateActive, types.StateSuppressed, types.StateArchived}
	if err := e.store.UpdateMemoryState(userID, memoryID, from, to, e.now()); err != nil {
		return err
	}
	if err := e.hot.Remove(userID, memoryID); err != nil {
		logging.Get(logging.CategoryStore).Warn("drop %s from hot: %v", memoryID, err)
	}
	logging.Store("forget %s mode=%s", memoryID, mode)
	return nil
}

// Restore returns a memory to the active state. Deleted memories restore
// only within the grace window.
func (e *Engine) Restore(userID, memoryID string) (*types.Memory, error) {
	if err := e.checkWritable("restore"); err != nil {
		return nil, err
	}
	m, err := e.store.GetUserMemory(userID, memoryID)
	if err != nil {
		return nil, err
	}
	switch m.State {
	case types.StateActive:
		return m, nil
	case types.StateDeleted:
		changed, err := e.store.StateChangedAt(memoryID)
		if err != nil {
			return nil, err
		}
		if e.now().Sub(changed) > restoreGrace {
			return nil, types.Semanticf("restore", "memory %s deleted more than %v ago", memoryID, restoreGrace)
		}
	}

	from := []types.LifecycleState{types.StateSuppressed, types.StateArchived, types.StateDeleted}
	if err := e.store.UpdateMemoryState(userID, memoryID, from, types.StateActive, e.now()); err != nil {
		return nil, err
	}
	m.State = types.StateActive
	logging.Store("restored %s", memoryID)
	return m, nil
}

// EntityOp adds or removes one entity association.
type EntityOp struct {
	Op       string `json:"op"` // add | remove
	EntityID string `json:"entity_id"`
}

// Reassociate mutates a memory's entity set and records an audit
// notification. The memory text and features stay untouched.
func (e *Engine) Reassociate(userID, memoryID string, ops []EntityOp) (*types.Memory, error) {
	if err := e.checkWritable("reassociate"); err != nil {
		return nil, err
	}
	m, err := e.store.GetUserMemory(userID, memoryID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(m.EntityIDs))
	for _, id := range m.EntityIDs {
		set[id] = true
	}
	for _, op := range ops {
		switch op.Op {
		case "add":
			if _, err := e.store.GetEntity(op.EntityID); err != nil {
				return nil, err
			}
			set[op.EntityID] = true
		case "remove":
			delete(set, op.EntityID)
		default:
			return nil, types.Validationf("reassociate", "op must be add|remove, got %q", op.Op)
		}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	if err := e.store.SetMemoryEntities(userID, memoryID, ids); err != nil {
		return nil, err
	}
	m.EntityIDs = ids

	audit := &types.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      "audit",
		MemoryID:  memoryID,
		Payload:   "reassociate",
		Status:    "recorded",
		CreatedAt: e.now(),
	}
	if err := e.store.InsertNotification(audit); err != nil {
		logging.Get(logging.CategoryStore).Warn("audit record for %s: %v", memoryID, err)
	}
	return m, nil
}

// Export streams canonical NDJSON records to w.
func (e *Engine) Export(w io.Writer, userID string, since time.Time) (int, error) {
	if userID == "" {
		return 0, types.Validationf("export_memories", "user_id is required")
	}
	return e.store.Export(w, userID, since)
}

// Import reads canonical NDJSON records back in.
func (e *Engine) Import(r io.Reader) (inserted, skipped int, err error) {
	if err := e.checkWritable("import_memories"); err != nil {
		return 0, 0, err
	}
	return e.store.Import(r)
}

// RecallSessionStart opens a refinement session.
func (e *Engine) RecallSessionStart(ctx context.Context, userID, query string, limit int) (*types.RecallSession, []retrieval.Result, error) {
	if userID == "" || query == "" {
		return nil, nil, types.Validationf("recall_session_start", "user_id and query are required")
	}
	return e.sessions.Start(ctx, userID, query, limit)
}

// RecallVote records votes and returns the refined next round.
func (e *Engine) RecallVote(ctx context.Context, userID, sessionID string, votes map[string]types.Vote) (*types.RecallSession, []retrieval.Result, error) {
	return e.sessions.Vote(ctx, userID, sessionID, votes)
}

// RecallResolve closes a session, applying per-context weight deltas keyed
// to the frame active at resolution.
func (e *Engine) RecallResolve(userID, sessionID string) (*types.RecallSession, error) {
	frame, err := e.frames.Active(userID)
	if err != nil {
		return nil, err
	}
	return e.sessions.Resolve(userID, sessionID, frames.Key(frame))
}

// Anticipate runs the prefetcher now and reports what was warmed.
func (e *Engine) Anticipate(userID string) ([]pattern.Prediction, error) {
	if userID == "" {
		return nil, types.Validationf("anticipate", "user_id is required")
	}
	return e.prefetch.Run(userID)
}

// GetPredictions reports the current pattern summary and the next peak's
// candidate set without warming anything.
type Predictions struct {
	Pattern    *types.TemporalPattern `json:"pattern,omitempty"`
	Candidates []pattern.Prediction   `json:"candidates,omitempty"`
}

// GetPredictions returns the user's detected pattern and candidates.
func (e *Engine) GetPredictions(userID string) (*Predictions, error) {
	pat, err := e.store.GetPattern(userID)
	if err != nil {
		return nil, err
	}
	cands, err := e.prefetch.Predict(userID)
	if err != nil {
		return nil, err
	}
	return &Predictions{Pattern: pat, Candidates: cands}, nil
}

// Notifications lists recent care-pressure and audit records, newest
// first.
func (e *Engine) Notifications(userID string, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.store.ListNotifications(userID, limit)
}

// SetCareCircle flags an entity as a care-circle member for the pressure
// worker.
func (e *Engine) SetCareCircle(userID, entityID string, member bool) error {
	return e.store.SetCareCircle(userID, entityID, member)
}

// frameVec aggregates the active frame into a context embedding.
func (e *Engine) frameVec(ctx context.Context, frame *types.ContextFrame) ([]float32, error) {
	text := frames.QueryText(frame, e.peopleNames(frame.PeopleIDs))
	if text == "" {
		return nil, nil
	}
	vctx, cancel := context.WithTimeout(ctx, e.cfg.Options.VectorTimeout())
	defer cancel()
	return e.embedder.Embed(vctx, text)
}

func (e *Engine) peopleNames(ids []string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if ent, err := e.store.GetEntity(id); err == nil {
			names = append(names, ent.Name)
		}
	}
	return names
}

// Package tools is the agent-facing contract: every engine operation
// exposed as a named tool with a JSON argument envelope. The adapter is the
// trust boundary; owner-only switches (include_suppressed) are stripped for
// untrusted callers, and engine errors are mapped to the typed wire codes
// before anything reaches the caller.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mnemo/internal/engine"
	"mnemo/internal/frames"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Handler executes one tool call with decoded arguments.
type Handler func(ctx context.Context, call Call) (any, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string

	// Mutating tools are refused when the engine is unhealthy; the check
	// itself lives in the engine, the flag is documentation for schemas.
	Mutating bool

	Handle Handler
}

// Call is a decoded request as seen by a handler.
type Call struct {
	UserID  string
	Args    json.RawMessage
	Trusted bool
}

// Bind decodes the call arguments into dst.
func (c Call) Bind(dst any) error {
	if len(c.Args) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(c.Args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return types.Validationf("tools", "bad arguments: %v", err)
	}
	return nil
}

// Request is the wire envelope of one tool call.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Tool   string          `json:"tool"`
	UserID string          `json:"user_id"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response is the wire envelope of one result.
type Response struct {
	ID     string     `json:"id,omitempty"`
	Tool   string     `json:"tool"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError carries the typed failure to the caller.
type WireError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Adapter binds the tool registry to one engine.
type Adapter struct {
	engine *engine.Engine

	// Trusted marks the caller as the memory owner. Untrusted callers
	// never see suppressed memories regardless of what they ask for.
	Trusted bool

	mu    sync.RWMutex
	tools map[string]*Tool
}

// New builds an adapter with the full tool set registered.
func New(eng *engine.Engine) *Adapter {
	a := &Adapter{engine: eng, tools: make(map[string]*Tool)}
	a.registerAll()
	return a
}

func (a *Adapter) register(t *Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tools[t.Name]; exists {
		panic(fmt.Sprintf("tool %s registered twice", t.Name))
	}
	a.tools[t.Name] = t
}

// Names lists the registered tools, sorted.
func (a *Adapter) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch executes one request and never returns a Go error: every
// failure becomes a typed wire error in the response.
func (a *Adapter) Dispatch(ctx context.Context, req Request) Response {
	timer := logging.StartTimer(logging.CategoryTools, req.Tool)
	defer timer.Stop()

	a.mu.RLock()
	t := a.tools[req.Tool]
	a.mu.RUnlock()

	resp := Response{ID: req.ID, Tool: req.Tool}
	if t == nil {
		resp.Error = &WireError{Kind: string(types.KindValidation), Reason: fmt.Sprintf("unknown tool %q", req.Tool)}
		return resp
	}

	result, err := t.Handle(ctx, Call{UserID: req.UserID, Args: req.Args, Trusted: a.Trusted})
	if err != nil {
		logging.Get(logging.CategoryTools).Warn("%s failed: %v", req.Tool, err)
		resp.Error = wireError(err)
		return resp
	}
	resp.OK = true
	resp.Result = result
	return resp
}

// wireError flattens an engine error to its kind and the human-readable
// reason, dropping internal cause chains.
func wireError(err error) *WireError {
	kind := types.KindOf(err)
	reason := err.Error()
	var te *types.Error
	if e, ok := err.(*types.Error); ok {
		te = e
	}
	if te != nil {
		reason = te.Reason
	}
	return &WireError{Kind: string(kind), Reason: reason}
}

func (a *Adapter) registerAll() {
	a.register(&Tool{
		Name:        "store_memory",
		Description: "Ingest one memory: dedup, extract, score, store.",
		Mutating:    true,
		Handle:      a.storeMemory,
	})
	a.register(&Tool{
		Name:        "recall",
		Description: "Retrieve memories for a query; empty query returns the most salient.",
		Handle:      a.recall,
	})
	a.register(&Tool{
		Name:        "whats_relevant",
		Description: "What matters right now, from the active context frame.",
		Handle:      a.whatsRelevant,
	})
	a.register(&Tool{
		Name:        "get_briefing",
		Description: "Everything known about one person: loops, trend, sensitivities.",
		Handle:      a.getBriefing,
	})
	a.register(&Tool{
		Name:        "set_context",
		Description: "Install the active context frame.",
		Mutating:    true,
		Handle:      a.setContext,
	})
	a.register(&Tool{
		Name:        "clear_context",
		Description: "Close the active context frame.",
		Mutating:    true,
		Handle:      a.clearContext,
	})
	a.register(&Tool{
		Name:        "show_context",
		Description: "Show the active context frame, if any.",
		Handle:      a.showContext,
	})
	a.register(&Tool{
		Name:        "list_loops",
		Description: "List open (or filtered) commitments.",
		Handle:      a.listLoops,
	})
	a.register(&Tool{
		Name:        "close_loop",
		Description: "Mark a commitment done or cancelled.",
		Mutating:    true,
		Handle:      a.closeLoop,
	})
	a.register(&Tool{
		Name:        "forget",
		Description: "Suppress, archive or delete a memory.",
		Mutating:    true,
		Handle:      a.forget,
	})
	a.register(&Tool{
		Name:        "restore",
		Description: "Return a forgotten memory to active, within the grace window.",
		Mutating:    true,
		Handle:      a.restore,
	})
	a.register(&Tool{
		Name:        "export_memories",
		Description: "Stream the user's memories as canonical export records.",
		Handle:      a.exportMemories,
	})
	a.register(&Tool{
		Name:        "reassociate",
		Description: "Correct a memory's entity associations.",
		Mutating:    true,
		Handle:      a.reassociate,
	})
	a.register(&Tool{
		Name:        "recall_session_start",
		Description: "Start an interactive recall refinement session.",
		Handle:      a.sessionStart,
	})
	a.register(&Tool{
		Name:        "recall_vote",
		Description: "Vote on recall candidates and get the refined round.",
		Handle:      a.sessionVote,
	})
	a.register(&Tool{
		Name:        "recall_resolve",
		Description: "Resolve a recall session, committing learned context weights.",
		Mutating:    true,
		Handle:      a.sessionResolve,
	})
	a.register(&Tool{
		Name:        "anticipate",
		Description: "Warm the cache for the upcoming predicted access window.",
		Handle:      a.anticipate,
	})
	a.register(&Tool{
		Name:        "get_predictions",
		Description: "Show the detected temporal pattern and predicted reads.",
		Handle:      a.getPredictions,
	})
	a.register(&Tool{
		Name:        "notifications",
		Description: "List recent care-pressure and audit records.",
		Handle:      a.notifications,
	})
	a.register(&Tool{
		Name:        "set_care_circle",
		Description: "Mark a person as care-circle for pressure monitoring.",
		Mutating:    true,
		Handle:      a.setCareCircle,
	})
}

func (a *Adapter) storeMemory(ctx context.Context, call Call) (any, error) {
	var args struct {
		Text    string               `json:"text"`
		Context *types.FrameSnapshot `json:"context,omitempty"`
		Hints   []string             `json:"hints,omitempty"`
		Tags    []string             `json:"tags,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.StoreMemory(ctx, engine.StoreInput{
		UserID:  call.UserID,
		Text:    args.Text,
		Context: args.Context,
		Hints:   args.Hints,
		Tags:    args.Tags,
	})
}

func (a *Adapter) recall(ctx context.Context, call Call) (any, error) {
	var args struct {
		Query             string `json:"query"`
		Limit             int    `json:"limit,omitempty"`
		IncludeSuppressed bool   `json:"include_suppressed,omitempty"`
		Filters           *struct {
			States []string `json:"states,omitempty"`
			Tags   []string `json:"tags,omitempty"`
		} `json:"filters,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	in := engine.RecallInput{
		UserID:            call.UserID,
		Query:             args.Query,
		Limit:             args.Limit,
		IncludeSuppressed: args.IncludeSuppressed && call.Trusted,
	}
	if args.Filters != nil {
		in.States = args.Filters.States
		in.Tags = args.Filters.Tags
	}
	return a.engine.Recall(ctx, in)
}

func (a *Adapter) whatsRelevant(ctx context.Context, call Call) (any, error) {
	var args struct {
		Limit int `json:"limit,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.WhatsRelevant(ctx, call.UserID, args.Limit)
}

func (a *Adapter) getBriefing(_ context.Context, call Call) (any, error) {
	var args struct {
		PersonID string `json:"person_id"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.GetBriefing(call.UserID, args.PersonID)
}

func (a *Adapter) setContext(_ context.Context, call Call) (any, error) {
	var args struct {
		Location        string   `json:"location,omitempty"`
		People          []string `json:"people,omitempty"`
		Activity        string   `json:"activity,omitempty"`
		Project         string   `json:"project,omitempty"`
		Tags            []string `json:"tags,omitempty"`
		LifetimeSeconds int      `json:"lifetime_seconds,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.SetContext(call.UserID, frames.Input{
		Location: args.Location,
		People:   args.People,
		Activity: args.Activity,
		Project:  args.Project,
		Tags:     args.Tags,
		Lifetime: time.Duration(args.LifetimeSeconds) * time.Second,
	})
}

func (a *Adapter) clearContext(_ context.Context, call Call) (any, error) {
	return map[string]bool{"cleared": true}, a.engine.ClearContext(call.UserID)
}

func (a *Adapter) showContext(_ context.Context, call Call) (any, error) {
	return a.engine.ActiveContext(call.UserID)
}

func (a *Adapter) listLoops(_ context.Context, call Call) (any, error) {
	var args struct {
		State          string `json:"state,omitempty"`
		CounterpartyID string `json:"counterparty_id,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.ListLoops(call.UserID, types.LoopState(args.State), args.CounterpartyID)
}

func (a *Adapter) closeLoop(_ context.Context, call Call) (any, error) {
	var args struct {
		LoopID string `json:"loop_id"`
		State  string `json:"state,omitempty"` // done (default) or cancelled
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.CloseLoop(call.UserID, args.LoopID, types.LoopState(args.State))
}

func (a *Adapter) forget(_ context.Context, call Call) (any, error) {
	var args struct {
		MemoryID string `json:"memory_id"`
		Mode     string `json:"mode"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if err := a.engine.Forget(call.UserID, args.MemoryID, engine.ForgetMode(args.Mode)); err != nil {
		return nil, err
	}
	return map[string]string{"memory_id": args.MemoryID, "mode": args.Mode}, nil
}

func (a *Adapter) restore(_ context.Context, call Call) (any, error) {
	var args struct {
		MemoryID string `json:"memory_id"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.Restore(call.UserID, args.MemoryID)
}

func (a *Adapter) exportMemories(_ context.Context, call Call) (any, error) {
	var args struct {
		Since *time.Time `json:"since,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	var since time.Time
	if args.Since != nil {
		since = *args.Since
	}

	var buf bytes.Buffer
	count, err := a.engine.Export(&buf, call.UserID, since)
	if err != nil {
		return nil, err
	}
	records := make([]json.RawMessage, 0, count)
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	}
	return map[string]any{"count": count, "records": records}, nil
}

func (a *Adapter) reassociate(_ context.Context, call Call) (any, error) {
	var args struct {
		MemoryID string            `json:"memory_id"`
		Ops      []engine.EntityOp `json:"ops"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.Reassociate(call.UserID, args.MemoryID, args.Ops)
}

func (a *Adapter) sessionStart(ctx context.Context, call Call) (any, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	sess, results, err := a.engine.RecallSessionStart(ctx, call.UserID, args.Query, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.ID, "expires_at": sess.ExpiresAt, "candidates": results}, nil
}

func (a *Adapter) sessionVote(ctx context.Context, call Call) (any, error) {
	var args struct {
		SessionID string                `json:"session_id"`
		Votes     map[string]types.Vote `json:"votes"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	sess, results, err := a.engine.RecallVote(ctx, call.UserID, args.SessionID, args.Votes)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.ID, "round": len(sess.Rounds), "candidates": results}, nil
}

func (a *Adapter) sessionResolve(_ context.Context, call Call) (any, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	sess, err := a.engine.RecallResolve(call.UserID, args.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sess.ID, "rounds": len(sess.Rounds), "resolved": sess.Resolved}, nil
}

func (a *Adapter) anticipate(_ context.Context, call Call) (any, error) {
	return a.engine.Anticipate(call.UserID)
}

func (a *Adapter) getPredictions(_ context.Context, call Call) (any, error) {
	return a.engine.GetPredictions(call.UserID)
}

func (a *Adapter) notifications(_ context.Context, call Call) (any, error) {
	var args struct {
		Limit int `json:"limit,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	return a.engine.Notifications(call.UserID, args.Limit)
}

func (a *Adapter) setCareCircle(_ context.Context, call Call) (any, error) {
	var args struct {
		EntityID string `json:"entity_id"`
		Member   *bool  `json:"member,omitempty"`
	}
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	member := true
	if args.Member != nil {
		member = *args.Member
	}
	if err := a.engine.SetCareCircle(call.UserID, args.EntityID, member); err != nil {
		return nil, err
	}
	return map[string]any{"entity_id": args.EntityID, "care_circle": member}, nil
}

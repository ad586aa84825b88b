package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"mnemo/internal/config"
	"mnemo/internal/engine"
	"mnemo/internal/retrieval"
	"mnemo/internal/types"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	eng, err := engine.NewInMemory(config.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return New(eng)
}

func dispatch(t *testing.T, a *Adapter, tool, userID, args string) Response {
	t.Helper()
	req := Request{Tool: tool, UserID: userID}
	if args != "" {
		req.Args = json.RawMessage(args)
	}
	return a.Dispatch(context.Background(), req)
}

func TestDispatchStoreAndRecall(t *testing.T) {
	a := newTestAdapter(t)

	resp := dispatch(t, a, "store_memory", "alice", `{"text":"Mom is in the hospital"}`)
	if !resp.OK {
		t.Fatalf("store_memory failed: %+v", resp.Error)
	}
	res, ok := resp.Result.(*engine.StoreResult)
	if !ok {
		t.Fatalf("Result type = %T, want *engine.StoreResult", resp.Result)
	}
	if res.Memory.State != types.StateActive {
		t.Errorf("State = %s, want active", res.Memory.State)
	}

	resp = dispatch(t, a, "recall", "alice", `{"limit":5}`)
	if !resp.OK {
		t.Fatalf("recall failed: %+v", resp.Error)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	a := newTestAdapter(t)
	resp := dispatch(t, a, "read_minds", "alice", "")
	if resp.OK || resp.Error == nil {
		t.Fatal("Unknown tool did not fail")
	}
	if resp.Error.Kind != string(types.KindValidation) {
		t.Errorf("Error kind = %s, want validation", resp.Error.Kind)
	}
}

func TestDispatchErrorMapping(t *testing.T) {
	a := newTestAdapter(t)

	// Unknown arguments are a validation error, not a silent ignore.
	resp := dispatch(t, a, "recall", "alice", `{"qurey":"typo"}`)
	if resp.OK || resp.Error.Kind != string(types.KindValidation) {
		t.Errorf("Unknown field: error = %+v, want validation", resp.Error)
	}

	// Engine errors flatten to kind plus reason, no Go error chains.
	resp = dispatch(t, a, "restore", "alice", `{"memory_id":"missing"}`)
	if resp.OK || resp.Error.Kind != string(types.KindNotFound) {
		t.Errorf("Restore of missing memory: error = %+v, want not_found", resp.Error)
	}
	if strings.Contains(resp.Error.Reason, "store.") {
		t.Errorf("Reason leaks internal op names: %q", resp.Error.Reason)
	}
}

func TestSuppressedHiddenFromUntrusted(t *testing.T) {
	a := newTestAdapter(t)

	resp := dispatch(t, a, "store_memory", "alice", `{"text":"a private note about the move"}`)
	if !resp.OK {
		t.Fatalf("store_memory failed: %+v", resp.Error)
	}
	id := resp.Result.(*engine.StoreResult).Memory.ID
	if resp = dispatch(t, a, "forget", "alice", `{"memory_id":"`+id+`","mode":"suppress"}`); !resp.OK {
		t.Fatalf("forget failed: %+v", resp.Error)
	}

	// An untrusted caller asking for suppressed memories is quietly scoped
	// down; the call itself still succeeds.
	resp = dispatch(t, a, "recall", "alice", `{"query":"private note move","include_suppressed":true}`)
	if !resp.OK {
		t.Fatalf("recall failed: %+v", resp.Error)
	}
	if hasMemory(t, resp.Result, id) {
		t.Error("Untrusted caller saw a suppressed memory")
	}
}

func hasMemory(t *testing.T, result any, id string) bool {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	return bytes.Contains(raw, []byte(id))
}

func TestContextTools(t *testing.T) {
	a := newTestAdapter(t)

	resp := dispatch(t, a, "set_context", "alice", `{"location":"kitchen","activity":"cooking","lifetime_seconds":3600}`)
	if !resp.OK {
		t.Fatalf("set_context failed: %+v", resp.Error)
	}
	resp = dispatch(t, a, "show_context", "alice", "")
	if !resp.OK {
		t.Fatalf("show_context failed: %+v", resp.Error)
	}
	frame, ok := resp.Result.(*types.ContextFrame)
	if !ok || frame == nil || frame.Location != "kitchen" {
		t.Fatalf("show_context = %v, want the kitchen frame", resp.Result)
	}

	resp = dispatch(t, a, "clear_context", "alice", "")
	if !resp.OK {
		t.Fatalf("clear_context failed: %+v", resp.Error)
	}
}

func TestNamesSorted(t *testing.T) {
	a := newTestAdapter(t)
	names := a.Names()
	if len(names) != 20 {
		t.Fatalf("Registered %d tools, want 20", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("Names not sorted: %v", names)
		}
	}
}

func TestExportMemoriesTool(t *testing.T) {
	a := newTestAdapter(t)

	for _, text := range []string{"first thing to keep", "second thing to keep"} {
		if resp := dispatch(t, a, "store_memory", "alice", `{"text":"`+text+`"}`); !resp.OK {
			t.Fatalf("store_memory failed: %+v", resp.Error)
		}
	}

	resp := dispatch(t, a, "export_memories", "alice", "")
	if !resp.OK {
		t.Fatalf("export_memories failed: %+v", resp.Error)
	}
	out, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result type = %T, want map", resp.Result)
	}
	if out["count"] != 2 {
		t.Errorf("count = %v, want 2", out["count"])
	}
	records, ok := out["records"].([]json.RawMessage)
	if !ok || len(records) != 2 {
		t.Fatalf("records = %v, want 2 canonical records", out["records"])
	}
	var rec struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
		Text   string `json:"text"`
	}
	if err := json.Unmarshal(records[0], &rec); err != nil {
		t.Fatalf("Record not valid JSON: %v", err)
	}
	if rec.UserID != "alice" || rec.ID == "" || rec.Text == "" {
		t.Errorf("Record = %+v, want a populated canonical record", rec)
	}

	// A future since bound excludes everything.
	resp = dispatch(t, a, "export_memories", "alice", `{"since":"2100-01-01T00:00:00Z"}`)
	if !resp.OK {
		t.Fatalf("export_memories with since failed: %+v", resp.Error)
	}
	if got := resp.Result.(map[string]any)["count"]; got != 0 {
		t.Errorf("count since 2100 = %v, want 0", got)
	}
}

func TestRecallFilters(t *testing.T) {
	a := newTestAdapter(t)

	resp := dispatch(t, a, "store_memory", "alice", `{"text":"weekly budget numbers for the team","tags":["work"]}`)
	if !resp.OK {
		t.Fatalf("store_memory failed: %+v", resp.Error)
	}
	taggedID := resp.Result.(*engine.StoreResult).Memory.ID
	if resp = dispatch(t, a, "store_memory", "alice", `{"text":"weekly grocery run and errands"}`); !resp.OK {
		t.Fatalf("store_memory failed: %+v", resp.Error)
	}

	resp = dispatch(t, a, "recall", "alice", `{"query":"weekly numbers","filters":{"tags":["work"]}}`)
	if !resp.OK {
		t.Fatalf("recall failed: %+v", resp.Error)
	}
	results, ok := resp.Result.([]retrieval.Result)
	if !ok {
		t.Fatalf("Result type = %T, want []retrieval.Result", resp.Result)
	}
	if len(results) != 1 || results[0].Memory.ID != taggedID {
		t.Errorf("Tag filter returned %d results, want only the work memory", len(results))
	}

	// Deleted is never a valid state filter.
	resp = dispatch(t, a, "recall", "alice", `{"query":"weekly","filters":{"states":["deleted"]}}`)
	if resp.OK || resp.Error.Kind != string(types.KindValidation) {
		t.Errorf("Deleted state filter: error = %+v, want validation", resp.Error)
	}
}

func TestServeLoop(t *testing.T) {
	a := newTestAdapter(t)

	var in bytes.Buffer
	in.WriteString(`{"id":"1","tool":"store_memory","user_id":"alice","args":{"text":"remember the gate code"}}` + "\n")
	in.WriteString("not json at all\n")
	in.WriteString(`{"id":"2","tool":"recall","user_id":"alice","args":{"limit":3}}` + "\n")

	var out bytes.Buffer
	if err := a.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	var responses []Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r Response
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("Response line not valid JSON: %v", err)
		}
		responses = append(responses, r)
	}
	if len(responses) != 3 {
		t.Fatalf("Got %d responses, want 3 (one per line)", len(responses))
	}
	if !responses[0].OK || responses[0].ID != "1" {
		t.Errorf("First response = %+v, want ok with id 1", responses[0])
	}
	if responses[1].OK || responses[1].Error.Kind != string(types.KindValidation) {
		t.Errorf("Malformed line response = %+v, want validation error", responses[1])
	}
	if !responses[2].OK || responses[2].ID != "2" {
		t.Errorf("Third response = %+v, want ok with id 2", responses[2])
	}
}

package loops

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// 2026-08-25 is a Tuesday.
var tuesday = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tr := New(st, config.DefaultOptions())
	tr.loc = time.UTC
	tr.now = func() time.Time { return tuesday }
	return tr, st
}

func loopMemory(userID, text string) *types.Memory {
	return &types.Memory{
		ID:          uuid.NewString(),
		UserID:      userID,
		Text:        text,
		Fingerprint: types.Fingerprint(text),
	}
}

func TestParseDueHint(t *testing.T) {
	day := func(y int, m time.Month, d int) *time.Time {
		v := time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
		return &v
	}
	tests := []struct {
		hint string
		now  time.Time
		want *time.Time
	}{
		{"today", tuesday, day(2026, 8, 25)},
		{"tonight", tuesday, day(2026, 8, 25)},
		{"tomorrow", tuesday, day(2026, 8, 26)},
		{"friday", tuesday, day(2026, 8, 28)},
		// Today's own weekday means next week's.
		{"tuesday", tuesday, day(2026, 9, 1)},
		{"end of week", tuesday, day(2026, 8, 30)},
		// Week ends Sunday; eow on a Sunday is that same day.
		{"eow", time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC), day(2026, 8, 30)},
		{"end of month", tuesday, day(2026, 8, 31)},
		{"Friday", tuesday, day(2026, 8, 28)}, // case-insensitive
		{"whenever", tuesday, nil},
		{"", tuesday, nil},
	}
	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			got := ParseDueHint(tt.hint, tt.now, time.UTC)
			switch {
			case got == nil && tt.want == nil:
			case got == nil || tt.want == nil:
				t.Errorf("ParseDueHint(%q) = %v, want %v", tt.hint, got, tt.want)
			case !got.Equal(*tt.want):
				t.Errorf("ParseDueHint(%q) = %v, want %v", tt.hint, got, tt.want)
			}
		})
	}
}

func TestApplyOpensLoop(t *testing.T) {
	tr, st := newTestTracker(t)
	mem := loopMemory("alice", "I'll send Sarah the budget by friday")
	feats := types.Features{Commitments: []types.ProposedCommitment{{
		Polarity:     types.PolarityYouOwe,
		Counterparty: "Sarah",
		Description:  "i'll send sarah the budget by friday",
		DueHint:      "friday",
	}}}

	res, err := tr.Apply(mem, feats)
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if len(res.Opened) != 1 {
		t.Fatalf("Opened %d loops, want 1", len(res.Opened))
	}
	loop := res.Opened[0]
	if loop.Type != types.LoopYouOweThem {
		t.Errorf("Type = %s, want you_owe_them", loop.Type)
	}
	if loop.DueAt == nil || loop.DueAt.Day() != 28 {
		t.Errorf("DueAt = %v, want end of Friday the 28th", loop.DueAt)
	}
	ent, err := st.FindEntityByName("alice", "Sarah")
	if err != nil || ent == nil {
		t.Fatalf("Counterparty entity not created: %v", err)
	}
	if loop.CounterpartyID != ent.ID {
		t.Errorf("CounterpartyID = %s, want %s", loop.CounterpartyID, ent.ID)
	}

	// The same obligation mentioned again refreshes instead of duplicating.
	res, err = tr.Apply(loopMemory("alice", "I'll send Sarah the budget by friday"), feats)
	if err != nil {
		t.Fatalf("Failed to re-apply: %v", err)
	}
	if len(res.Opened) != 0 || res.Touched != 1 {
		t.Errorf("Re-apply opened %d, touched %d; want 0, 1", len(res.Opened), res.Touched)
	}
}

func TestCompletionClosesOldest(t *testing.T) {
	tr, _ := newTestTracker(t)
	clock := tuesday
	tr.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	open := func(desc string) *types.OpenLoop {
		res, err := tr.Apply(loopMemory("alice", desc), types.Features{
			Commitments: []types.ProposedCommitment{{
				Polarity: types.PolarityYouOwe, Counterparty: "Sarah", Description: desc,
			}},
		})
		if err != nil || len(res.Opened) != 1 {
			t.Fatalf("Failed to open loop %q: %v", desc, err)
		}
		return res.Opened[0]
	}
	first := open("send sarah the budget")
	second := open("return sarah's ladder")

	res, err := tr.Apply(loopMemory("alice", "Sent Sarah the budget"), types.Features{
		Completions: []string{"Sarah"},
	})
	if err != nil {
		t.Fatalf("Failed to apply completion: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0].ID != first.ID {
		t.Fatalf("Closed %v, want the oldest loop %s", res.Closed, first.ID)
	}

	remaining, err := tr.ForCounterparty("alice", first.CounterpartyID)
	if err != nil {
		t.Fatalf("Failed to list open loops: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != second.ID {
		t.Errorf("Remaining = %v, want only the second loop", remaining)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	tr, _ := newTestTracker(t)
	res, err := tr.Apply(loopMemory("alice", "I owe Sam lunch"), types.Features{
		Commitments: []types.ProposedCommitment{{Polarity: types.PolarityYouOwe, Counterparty: "Sam"}},
	})
	if err != nil || len(res.Opened) != 1 {
		t.Fatalf("Failed to open loop: %v", err)
	}
	id := res.Opened[0].ID

	if _, err := tr.Close("alice", id, types.LoopOpen); !types.IsKind(err, types.KindValidation) {
		t.Errorf("Close to open: err = %v, want validation", err)
	}

	loop, err := tr.Close("alice", id, types.LoopCancelled)
	if err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if loop.State != types.LoopCancelled {
		t.Errorf("State = %s, want cancelled", loop.State)
	}

	if _, err := tr.Close("alice", id, types.LoopDone); !types.IsKind(err, types.KindSemantic) {
		t.Errorf("Re-close: err = %v, want semantic", err)
	}
}

func TestSweepExpired(t *testing.T) {
	tr, st := newTestTracker(t)

	insert := func(desc string, due time.Time) *types.OpenLoop {
		l := &types.OpenLoop{
			ID:              uuid.NewString(),
			UserID:          "alice",
			Type:            types.LoopYouOweThem,
			CounterpartyID:  "e1",
			Description:     desc,
			DescFingerprint: types.Fingerprint(desc),
			DueAt:           &due,
			State:           types.LoopOpen,
			CreatedAt:       tuesday,
			UpdatedAt:       tuesday,
			LastMention:     tuesday,
		}
		if err := st.InsertLoop(l); err != nil {
			t.Fatalf("Failed to insert loop: %v", err)
		}
		return l
	}

	// Grace is 7 days: one loop just inside it, one just past it.
	kept := insert("inside grace", tuesday.Add(-7*24*time.Hour+time.Hour))
	gone := insert("past grace", tuesday.Add(-7*24*time.Hour-time.Hour))

	n, err := tr.SweepExpired(100)
	if err != nil {
		t.Fatalf("Failed to sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expired %d loops, want 1", n)
	}

	for id, want := range map[string]types.LoopState{kept.ID: types.LoopOpen, gone.ID: types.LoopExpired} {
		l, err := st.GetLoop("alice", id)
		if err != nil {
			t.Fatalf("Failed to get loop: %v", err)
		}
		if l.State != want {
			t.Errorf("Loop %q state = %s, want %s", l.Description, l.State, want)
		}
	}
}

package frames

import (
	"testing"
	"time"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *time.Time) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	m := New(st)
	m.now = func() time.Time { return clock }
	return m, st, &clock
}

func TestSetAndActive(t *testing.T) {
	m, st, _ := newTestManager(t)

	f, err := m.Set("alice", Input{
		Location: "kitchen",
		Activity: "cooking",
		People:   []string{"Sarah"},
	})
	if err != nil {
		t.Fatalf("Failed to set frame: %v", err)
	}
	if len(f.PeopleIDs) != 1 {
		t.Fatalf("PeopleIDs = %v, want one resolved entity", f.PeopleIDs)
	}
	ent, err := st.GetEntity(f.PeopleIDs[0])
	if err != nil || ent.Name != "Sarah" {
		t.Errorf("Resolved entity = %v, %v; want Sarah", ent, err)
	}

	active, err := m.Active("alice")
	if err != nil {
		t.Fatalf("Failed to read active frame: %v", err)
	}
	if active == nil || active.ID != f.ID {
		t.Fatalf("Active = %v, want frame %s", active, f.ID)
	}

	// A new frame displaces the old one.
	g, err := m.Set("alice", Input{Location: "office", Activity: "standup"})
	if err != nil {
		t.Fatalf("Failed to set second frame: %v", err)
	}
	active, _ = m.Active("alice")
	if active == nil || active.ID != g.ID {
		t.Errorf("Active = %v, want the newer frame", active)
	}

	if err := m.Clear("alice"); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	active, _ = m.Active("alice")
	if active != nil {
		t.Errorf("Active after clear = %v, want nil", active)
	}
	// Clearing again is a no-op.
	if err := m.Clear("alice"); err != nil {
		t.Errorf("Second clear failed: %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	m, _, clock := newTestManager(t)

	if _, err := m.Set("alice", Input{Location: "gym", Lifetime: time.Hour}); err != nil {
		t.Fatalf("Failed to set frame: %v", err)
	}

	*clock = clock.Add(30 * time.Minute)
	if f, _ := m.Active("alice"); f == nil {
		t.Fatal("Frame expired early")
	}

	*clock = clock.Add(time.Hour)
	f, err := m.Active("alice")
	if err != nil {
		t.Fatalf("Failed to read active frame: %v", err)
	}
	if f != nil {
		t.Errorf("Active = %v, want nil past expiry", f)
	}
}

func TestRenewExtends(t *testing.T) {
	m, _, clock := newTestManager(t)

	f, err := m.Set("alice", Input{Location: "desk", Lifetime: time.Hour})
	if err != nil {
		t.Fatalf("Failed to set frame: %v", err)
	}

	*clock = clock.Add(50 * time.Minute)
	m.Renew(f)

	*clock = clock.Add(30 * time.Minute) // past the original expiry
	if got, _ := m.Active("alice"); got == nil {
		t.Error("Renewed frame expired at the original deadline")
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name  string
		frame *types.ContextFrame
		want  string
	}{
		{"nil frame", nil, "global"},
		{"both parts", &types.ContextFrame{Location: "Kitchen", Activity: "Cooking"}, "kitchen/cooking"},
		{"location only", &types.ContextFrame{Location: "gym"}, "gym/"},
		{"empty frame", &types.ContextFrame{}, "global"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.frame); got != tt.want {
				t.Errorf("Key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryText(t *testing.T) {
	f := &types.ContextFrame{
		Location: "kitchen",
		Activity: "cooking",
		Project:  "dinner party",
		Tags:     []string{"weekend"},
	}
	got := QueryText(f, []string{"Sarah"})
	want := "cooking dinner party kitchen Sarah weekend"
	if got != want {
		t.Errorf("QueryText = %q, want %q", got, want)
	}
	if QueryText(nil, nil) != "" {
		t.Error("Nil frame must yield an empty query")
	}
}

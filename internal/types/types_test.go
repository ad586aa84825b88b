package types

import "testing"

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims and lowercases", "  Call Mom  ", "call mom"},
		{"collapses inner whitespace", "call\t\n  mom", "call mom"},
		{"already normal", "call mom", "call mom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.in); got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Pay the rent by Friday")
	b := Fingerprint("  pay the RENT  by friday ")
	if a != b {
		t.Errorf("Equivalent texts hash differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Fingerprint length = %d, want 64 hex chars", len(a))
	}
	if a == Fingerprint("pay the rent by Saturday") {
		t.Error("Distinct texts share a fingerprint")
	}
}

func TestLoopStateTerminal(t *testing.T) {
	if LoopOpen.Terminal() {
		t.Error("open must not be terminal")
	}
	for _, s := range []LoopState{LoopDone, LoopExpired, LoopCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

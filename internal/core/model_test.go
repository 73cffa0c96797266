package core

import "testing"

func TestParseTier(t *testing.T) {
	t.Parallel()

	tests := map[string]Tier{
		"low":      TierLow,
		"Normal":   TierNormal,
		"medium":   TierNormal,
		"HIGH":     TierHigh,
		"critical": TierCritical,
	}
	for in, want := range tests {
		got, err := ParseTier(in)
		if err != nil {
			t.Errorf("ParseTier(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseTier(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseTier("bogus"); err == nil {
		t.Error("ParseTier(bogus) should fail")
	}
}

func TestTierOrdering(t *testing.T) {
	t.Parallel()

	if !(TierCritical > TierHigh && TierHigh > TierNormal && TierNormal > TierLow) {
		t.Fatal("tier ordering broken")
	}
	if MaxTier(TierLow, TierHigh) != TierHigh {
		t.Error("MaxTier(low, high) != high")
	}
}

func TestSenderAddress(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Boss <Boss@Co.com>":   "boss@co.com",
		"boss@co.com":          "boss@co.com",
		"\"Odd, Name\" <a@b.c>": "a@b.c",
		"broken <x@y.z":        "broken <x@y.z",
	}
	for in, want := range tests {
		m := &Message{From: in}
		if got := m.SenderAddress(); got != want {
			t.Errorf("SenderAddress(%q) = %q, want %q", in, got, want)
		}
	}
	if d := (&Message{From: "A <a@b.com>"}).SenderDomain(); d != "b.com" {
		t.Errorf("SenderDomain = %q, want b.com", d)
	}
}

func TestLabelSet(t *testing.T) {
	t.Parallel()

	got := LabelSet([]string{"b", "a"}, []string{"a", "", "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("LabelSet = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("LabelSet[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

package rules

import "testing"

func TestIsVIP(t *testing.T) {
	t.Parallel()

	m := NewMatcher([]string{"Boss@Co.com", "@partner.io", "family.net", " "}, nil, nil)
	tests := []struct {
		from string
		want bool
	}{
		{"boss@co.com", true},
		{"The Boss <BOSS@co.com>", true},
		{"intern@co.com", false},
		{"anyone@partner.io", true},
		{"mom@family.net", true},
		{"mom@family.net.evil.com", false},
		{"not-an-address", false},
	}
	for _, tt := range tests {
		if got := m.IsVIP(tt.from); got != tt.want {
			t.Errorf("IsVIP(%q) = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestMatchKeywords(t *testing.T) {
	t.Parallel()

	m := NewMatcher(nil, []string{"Invoice", "deadline", "Quarterly Report"}, nil)
	got := m.MatchKeywords("Re: INVOICE #42", "the deadline is friday for the quarterly REPORT")
	want := []string{"invoice", "deadline", "quarterly report"}
	if len(got) != len(want) {
		t.Fatalf("MatchKeywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MatchKeywords[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := m.MatchKeywords("nothing here"); len(got) != 0 {
		t.Errorf("MatchKeywords = %v, want none", got)
	}
}

func TestNilMatcher(t *testing.T) {
	t.Parallel()

	var m *Matcher
	if m.IsVIP("a@b.c") {
		t.Error("nil matcher should not match VIP")
	}
	if len(m.MatchKeywords("x")) != 0 {
		t.Error("nil matcher should not match keywords")
	}
}

package display

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer subject line", 10, "a longe..."},
		{"héllo wörld", 8, "héllo..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	results := []scheduler.DryRunResult{
		{
			Message: &core.Message{ID: "1", From: "Boss <boss@co.com>", Subject: "Quarterly numbers"},
			Verdict: &core.Verdict{Tier: core.TierCritical, Category: "Work", Summary: "Needs a reply today"},
			Plan: []router.Outcome{
				{Channel: "whatsapp", Status: router.StatusPlanned},
				{Channel: "push", Status: router.StatusBelowThreshold},
			},
		},
		{
			Message: &core.Message{ID: "2", From: "x@y.com", Subject: "Broken"},
			Err:     errors.New("classification panicked"),
		},
	}

	var buf bytes.Buffer
	DryRun(&buf, results)
	out := buf.String()

	for _, want := range []string{
		"2 messages",
		"boss@co.com",
		"Quarterly numbers",
		"CRITICAL",
		"Needs a reply today",
		"whatsapp:planned",
		"push:below_threshold",
		"classification panicked",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDigest_Empty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	Digest(&buf, &scheduler.DigestResult{Kind: "daily"})
	if !strings.Contains(buf.String(), "nothing to report") {
		t.Errorf("output = %q", buf.String())
	}
}

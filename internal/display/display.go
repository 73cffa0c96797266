// Package display provides terminal formatting for the CLI commands.
package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
)

var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	CriticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626")).Bold(true)
	HighStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ea580c"))
	NormalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2563eb"))
	LowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

func tierStyle(t core.Tier) lipgloss.Style {
	switch t {
	case core.TierCritical:
		return CriticalStyle
	case core.TierHigh:
		return HighStyle
	case core.TierNormal:
		return NormalStyle
	default:
		return LowStyle
	}
}

// TierDot returns a colored dot for a tier.
func TierDot(t core.Tier) string {
	switch t {
	case core.TierCritical:
		return CriticalStyle.Render("●")
	case core.TierHigh:
		return HighStyle.Render("●")
	case core.TierNormal:
		return NormalStyle.Render("○")
	default:
		return LowStyle.Render("·")
	}
}

// TierLabel returns a styled, fixed-width tier label.
func TierLabel(t core.Tier) string {
	return tierStyle(t).Render(fmt.Sprintf("%-8s", strings.ToUpper(t.String())))
}

// Truncate shortens a string to maxLen characters, adding an ellipsis if needed.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func statusStyle(s router.Status) lipgloss.Style {
	switch s {
	case router.StatusSent, router.StatusPlanned:
		return Success
	case router.StatusFailed, router.StatusDedupError, router.StatusNoTransport:
		return ErrStyle
	default:
		return Dim
	}
}

// Outcome formats one routing outcome as "channel:status".
func Outcome(o router.Outcome) string {
	return statusStyle(o.Status).Render(o.Channel + ":" + string(o.Status))
}

// DryRun prints the classification and planned routing of each message.
func DryRun(w io.Writer, results []scheduler.DryRunResult) {
	fmt.Fprintln(w, Bold.Render(fmt.Sprintf("Dry run: %d messages (nothing sent)", len(results))))
	fmt.Fprintln(w)

	for _, r := range results {
		from := Truncate(r.Message.SenderAddress(), 32)
		subject := Truncate(r.Message.Subject, 60)
		if r.Verdict == nil {
			fmt.Fprintf(w, "%s %s  %s\n", ErrStyle.Render("✗"), Bold.Render(from), subject)
			if r.Err != nil {
				fmt.Fprintf(w, "    %s\n", ErrStyle.Render(r.Err.Error()))
			}
			continue
		}

		v := r.Verdict
		fmt.Fprintf(w, "%s %s %s  %s\n", TierDot(v.Tier), TierLabel(v.Tier), Bold.Render(from), subject)
		if v.Category != "" || len(v.Labels) > 0 {
			fmt.Fprintf(w, "    %s\n", Muted.Render(strings.TrimSpace(v.Category+" "+strings.Join(v.Labels, ", "))))
		}
		if v.Summary != "" {
			fmt.Fprintf(w, "    %s\n", Truncate(v.Summary, 120))
		}
		if v.Degraded {
			fmt.Fprintf(w, "    %s\n", ErrStyle.Render("degraded: rule signals only"))
		}
		if len(r.Plan) > 0 {
			parts := make([]string, 0, len(r.Plan))
			for _, o := range r.Plan {
				parts = append(parts, Outcome(o))
			}
			fmt.Fprintf(w, "    %s %s\n", Dim.Render("→"), strings.Join(parts, "  "))
		}
	}
}

// Digest prints the result of a digest run.
func Digest(w io.Writer, res *scheduler.DigestResult) {
	title := fmt.Sprintf("%s digest for window starting %s", res.Kind, res.PeriodStart.Format("2006-01-02 15:04 MST"))
	fmt.Fprintln(w, Bold.Render(title))
	if res.Backfilled > 0 {
		fmt.Fprintln(w, Muted.Render(fmt.Sprintf("backfilled %d messages", res.Backfilled)))
	}
	if res.Report == nil || res.Report.Empty() {
		fmt.Fprintln(w, Dim.Render("nothing to report, digest skipped"))
		return
	}
	for _, g := range res.Report.Groups() {
		fmt.Fprintf(w, "%s %s: %d\n", TierDot(g.Tier), g.Title, len(g.Items))
	}
	for _, o := range res.Outcomes {
		fmt.Fprintf(w, "  %s\n", Outcome(o))
	}
}

// SuccessMsg writes a green checkmark and message.
func SuccessMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, Success.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// ErrorMsg writes a red X and message.
func ErrorMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

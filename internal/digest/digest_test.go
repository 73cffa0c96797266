package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap/zaptest"
)

func digestSettings() *config.Settings {
	return &config.Settings{
		Digest: config.DigestConfig{
			Location:   time.UTC,
			Daily:      config.ScheduleConfig{Enabled: true, Hour: 17, Threshold: core.TierNormal},
			Weekly:     config.ScheduleConfig{Enabled: true, Hour: 9, Weekday: time.Monday, Threshold: core.TierHigh},
			TopSenders: 5,
		},
	}
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func pair(id, from string, tier core.Tier, received string, labels ...string) (*core.Message, *core.Verdict) {
	return &core.Message{
			ID:         id,
			From:       from,
			Subject:    "subject " + id,
			ReceivedAt: at(received),
		}, &core.Verdict{
			MessageID: id,
			Tier:      tier,
			Category:  "Work",
			Summary:   "summary " + id,
			Labels:    core.LabelSet(labels),
		}
}

func TestSchedule_PeriodStart(t *testing.T) {
	t.Parallel()

	d := digestSettings().Digest
	daily := ScheduleFor(d, Daily)
	weekly := ScheduleFor(d, Weekly)

	tests := []struct {
		name string
		sc   Schedule
		t    string
		want string
	}{
		{"daily before fire", daily, "2026-10-19T16:59:59Z", "2026-10-18T17:00:00Z"},
		{"daily at fire", daily, "2026-10-19T17:00:00Z", "2026-10-19T17:00:00Z"},
		{"daily after fire", daily, "2026-10-19T23:00:00Z", "2026-10-19T17:00:00Z"},
		{"weekly monday before fire", weekly, "2026-10-19T08:00:00Z", "2026-10-12T09:00:00Z"},
		{"weekly monday after fire", weekly, "2026-10-19T10:00:00Z", "2026-10-19T09:00:00Z"},
		{"weekly sunday", weekly, "2026-10-25T23:00:00Z", "2026-10-19T09:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sc.PeriodStart(at(tt.t)); !got.Equal(at(tt.want)) {
				t.Errorf("PeriodStart(%s) = %s, want %s", tt.t, got, tt.want)
			}
		})
	}

	if got := daily.ClosedAt(at("2026-10-19T17:00:01Z")); !got.Equal(at("2026-10-18T17:00:00Z")) {
		t.Errorf("ClosedAt = %s", got)
	}
	if got := weekly.Next(at("2026-10-12T09:00:00Z")); !got.Equal(at("2026-10-19T09:00:00Z")) {
		t.Errorf("Next = %s", got)
	}
}

func TestSchedule_CronSpec(t *testing.T) {
	t.Parallel()

	d := digestSettings().Digest
	d.Daily.Minute = 30
	if got := ScheduleFor(d, Daily).CronSpec(); got != "0 30 17 * * *" {
		t.Errorf("daily = %q", got)
	}
	if got := ScheduleFor(d, Weekly).CronSpec(); got != "0 0 9 * * MON" {
		t.Errorf("weekly = %q", got)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	if k, err := ParseKind("weekly"); err != nil || k != Weekly {
		t.Errorf("ParseKind(weekly) = %v, %v", k, err)
	}
	if _, err := ParseKind("hourly"); err == nil {
		t.Error("hourly should be rejected")
	}
}

func TestAggregator_DailyDigestThenEmptySecondFlush(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(config.NewStaticHolder(digestSettings()), zaptest.NewLogger(t), nil)

	agg.Ingest(pair("a", "x@co.com", core.TierNormal, "2026-10-19T08:00:00Z"))
	agg.Ingest(pair("b", "boss@co.com", core.TierCritical, "2026-10-19T10:00:00Z", core.LabelVIP))
	agg.Ingest(pair("c", "y@co.com", core.TierHigh, "2026-10-19T09:00:00Z"))
	// low is below the daily threshold
	if agg.Ingest(pair("d", "z@co.com", core.TierLow, "2026-10-19T11:00:00Z")) {
		t.Error("low message should not be ingested")
	}

	start := at("2026-10-18T17:00:00Z")
	if n := agg.Pending(Daily, start); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	r := agg.Flush(Daily, start)
	if r.Total != 3 {
		t.Fatalf("total = %d, want 3", r.Total)
	}
	var order []string
	for _, it := range r.Items {
		order = append(order, it.MessageID)
	}
	if strings.Join(order, ",") != "b,c,a" {
		t.Errorf("order = %v, want b,c,a", order)
	}
	if r.CountsByTier[core.TierCritical] != 1 || r.CountsByTier[core.TierHigh] != 1 || r.CountsByTier[core.TierNormal] != 1 {
		t.Errorf("counts by tier = %v", r.CountsByTier)
	}
	if r.CountsByCategory["Work"] != 3 {
		t.Errorf("counts by category = %v", r.CountsByCategory)
	}
	if len(r.TopVIPSenders) != 1 || r.TopVIPSenders[0].Name != "boss@co.com" {
		t.Errorf("top VIP senders = %v", r.TopVIPSenders)
	}
	if !r.PeriodEnd.Equal(at("2026-10-19T17:00:00Z")) {
		t.Errorf("period end = %s", r.PeriodEnd)
	}

	again := agg.Flush(Daily, start)
	if again.Total != 0 || !again.Empty() {
		t.Errorf("second flush total = %d, want 0", again.Total)
	}
}

func TestAggregator_WeeklyTakesHighAndAbove(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(config.NewStaticHolder(digestSettings()), zaptest.NewLogger(t), nil)
	agg.Ingest(pair("a", "x@co.com", core.TierNormal, "2026-10-20T08:00:00Z"))
	agg.Ingest(pair("b", "y@co.com", core.TierHigh, "2026-10-21T08:00:00Z"))

	r := agg.Flush(Weekly, at("2026-10-19T09:00:00Z"))
	if r.Total != 1 || r.Items[0].MessageID != "b" {
		t.Errorf("weekly report = %+v", r.Items)
	}
}

func TestAggregator_IgnoresDuplicatesAndFlushedWindows(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(config.NewStaticHolder(digestSettings()), zaptest.NewLogger(t), nil)
	msg, v := pair("a", "x@co.com", core.TierHigh, "2026-10-19T08:00:00Z")

	if !agg.Ingest(msg, v) {
		t.Fatal("first ingest should be accepted")
	}
	agg.Ingest(msg, v)

	start := at("2026-10-18T17:00:00Z")
	if r := agg.Flush(Daily, start); r.Total != 1 {
		t.Fatalf("total = %d, want 1", r.Total)
	}

	late, lv := pair("late", "x@co.com", core.TierHigh, "2026-10-19T09:00:00Z")
	agg.Ingest(late, lv)
	if n := agg.Pending(Daily, start); n != 0 {
		t.Errorf("flushed window took a late message, pending = %d", n)
	}
	if r := agg.Flush(Daily, start); r.Total != 0 {
		t.Errorf("flushed window report total = %d", r.Total)
	}
}

func TestAggregator_DisabledKind(t *testing.T) {
	t.Parallel()

	s := digestSettings()
	s.Digest.Weekly.Enabled = false
	agg := NewAggregator(config.NewStaticHolder(s), zaptest.NewLogger(t), nil)
	agg.Ingest(pair("a", "x@co.com", core.TierCritical, "2026-10-20T08:00:00Z"))

	if n := agg.Pending(Weekly, at("2026-10-19T09:00:00Z")); n != 0 {
		t.Errorf("disabled weekly window has %d messages", n)
	}
}

func TestAggregator_FlushUnknownWindowIsEmpty(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(config.NewStaticHolder(digestSettings()), zaptest.NewLogger(t), nil)
	if r := agg.Flush(Daily, at("2026-10-10T17:00:00Z")); !r.Empty() {
		t.Errorf("report = %+v", r)
	}
}

func TestReport_Render(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(config.NewStaticHolder(digestSettings()), zaptest.NewLogger(t), nil)
	msg, v := pair("a", "Boss <boss@co.com>", core.TierCritical, "2026-10-19T08:00:00Z", core.LabelVIP)
	msg.Subject = "<b>Budget</b>"
	agg.Ingest(msg, v)
	agg.Ingest(pair("b", "x@co.com", core.TierNormal, "2026-10-19T09:00:00Z"))

	r := agg.Flush(Daily, at("2026-10-18T17:00:00Z"))
	if r.Title() != "Your Daily Email Digest (2026-10-19)" {
		t.Errorf("title = %q", r.Title())
	}

	text, err := r.Text()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Messages: 2", "== Critical Emails ==", "== Normal Priority ==", "Top VIP senders: boss@co.com (1)", "summary a"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "Critical Emails") > strings.Index(text, "Normal Priority") {
		t.Error("critical group should come first")
	}

	html, err := r.HTML()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(html, "<b>Budget</b>") || !strings.Contains(html, "&lt;b&gt;Budget&lt;/b&gt;") {
		t.Error("subject is not escaped in HTML")
	}
	if !strings.Contains(html, `class="email-summary priority-critical"`) {
		t.Error("missing priority class")
	}
	if strings.Contains(html, "<h2>High Priority</h2>") {
		t.Error("no high group expected")
	}
}

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap/zaptest"
)

type fakeStore struct {
	mu       sync.Mutex
	notified map[string]bool
	readErr  error
	writeErr error
	writes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{notified: make(map[string]bool)}
}

func (f *fakeStore) ShouldNotify(_ context.Context, id, ch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return false, f.readErr
	}
	return !f.notified[id+"/"+ch], nil
}

func (f *fakeStore) RecordNotified(_ context.Context, id, ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	f.notified[id+"/"+ch] = true
	return nil
}

func (f *fakeStore) MarkSeen(context.Context, string, time.Time) error { return nil }

func (f *fakeStore) Get(context.Context, string) (*core.DedupRecord, error) {
	return nil, core.ErrNotFound
}

func (f *fakeStore) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) setErrs(read, write error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr, f.writeErr = read, write
}

func (f *fakeStore) Notified(id, ch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified[id+"/"+ch]
}

type fakeTransport struct {
	mu       sync.Mutex
	channel  string
	payloads []*core.Payload
	err      error
	delay    time.Duration
}

func (f *fakeTransport) Channel() string { return f.channel }

func (f *fakeTransport) Send(_ context.Context, p *core.Payload) (*core.DeliveryResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, p)
	return &core.DeliveryResult{ProviderMessageID: fmt.Sprintf("%s-%d", f.channel, len(f.payloads))}, nil
}

func (f *fakeTransport) Sent() []*core.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.Payload(nil), f.payloads...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func channel(name string, threshold core.Tier, maxLen int) config.ChannelConfig {
	return config.ChannelConfig{Name: name, Enabled: true, Threshold: threshold, MaxLength: maxLen}
}

func testSettings() *config.Settings {
	s := &config.Settings{
		UserEmail: "me@example.com",
		Notify: config.NotifyConfig{
			ChannelOrder: []string{"whatsapp", "push", "telegram", "email"},
			Retry:        core.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: time.Second},
		},
	}
	s.Channels.WhatsApp.ChannelConfig = channel("whatsapp", core.TierCritical, 1600)
	s.Channels.Push.ChannelConfig = channel("push", core.TierHigh, 1000)
	s.Channels.Telegram.ChannelConfig = channel("telegram", core.TierHigh, 4000)
	s.Channels.Email.ChannelConfig = channel("email", core.TierCritical, 0)
	s.Channels.Email.Digest = true
	s.Channels.Telegram.Digest = true
	return s
}

type fixture struct {
	router     *Router
	store      *fakeStore
	clock      *fakeClock
	transports map[string]*fakeTransport
}

func newFixture(t *testing.T, s *config.Settings) *fixture {
	t.Helper()
	f := &fixture{
		store:      newFakeStore(),
		clock:      &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		transports: make(map[string]*fakeTransport),
	}
	var ts []core.Transport
	for _, name := range []string{"whatsapp", "push", "telegram", "email"} {
		tr := &fakeTransport{channel: name}
		f.transports[name] = tr
		ts = append(ts, tr)
	}
	logger := zaptest.NewLogger(t)
	f.router = NewRouter(config.NewStaticHolder(s), f.store, ts, utils.NewTextProcessor(logger), logger, f.clock)
	return f
}

func criticalMessage(id string) (*core.Message, *core.Verdict) {
	msg := &core.Message{
		ID:      id,
		From:    "The Boss <boss@co.com>",
		Subject: "Server down",
		Body:    "Production is down, call me.",
	}
	v := &core.Verdict{
		MessageID: id,
		Tier:      core.TierCritical,
		Category:  "Urgent Action",
		Summary:   "Production outage, boss asks for a call.",
		Labels:    []string{"VIP", "category:Urgent Action"},
	}
	return msg, v
}

func statusOf(outcomes []Outcome, ch string) Status {
	for _, o := range outcomes {
		if o.Channel == ch {
			return o.Status
		}
	}
	return ""
}

func TestRoute_SendsOncePerChannel(t *testing.T) {
	f := newFixture(t, testSettings())
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	if got := Sent(out); got != 4 {
		t.Fatalf("sent = %d, want 4 (%+v)", got, out)
	}
	for _, ch := range []string{"whatsapp", "push", "telegram", "email"} {
		if !f.store.Notified("m1", ch) {
			t.Errorf("%s not recorded", ch)
		}
	}

	out = f.router.Route(context.Background(), msg, v)
	if got := Sent(out); got != 0 {
		t.Fatalf("second route sent %d, want 0", got)
	}
	for _, o := range out {
		if o.Status != StatusDuplicate {
			t.Errorf("%s status = %s, want duplicate", o.Channel, o.Status)
		}
	}
}

func TestRoute_OutcomesFollowChannelOrder(t *testing.T) {
	f := newFixture(t, testSettings())
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	var got []string
	for _, o := range out {
		got = append(got, o.Channel)
	}
	if strings.Join(got, ",") != "whatsapp,push,telegram,email" {
		t.Errorf("order = %v", got)
	}
}

func TestRoute_Thresholds(t *testing.T) {
	f := newFixture(t, testSettings())
	msg, v := criticalMessage("m1")
	v.Tier = core.TierHigh

	out := f.router.Route(context.Background(), msg, v)
	if statusOf(out, "whatsapp") != StatusBelowThreshold || statusOf(out, "email") != StatusBelowThreshold {
		t.Errorf("critical-only channels should be skipped: %+v", out)
	}
	if statusOf(out, "push") != StatusSent || statusOf(out, "telegram") != StatusSent {
		t.Errorf("high channels should be sent: %+v", out)
	}
}

func TestRoute_DisabledChannelIsIgnored(t *testing.T) {
	s := testSettings()
	s.Channels.Push.Enabled = false
	f := newFixture(t, s)
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	if statusOf(out, "push") != "" {
		t.Errorf("disabled push should have no outcome: %+v", out)
	}
	if len(f.transports["push"].Sent()) != 0 {
		t.Error("disabled push was sent")
	}
}

func TestRoute_FailureOnOneChannelDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, testSettings())
	f.transports["whatsapp"].err = fmt.Errorf("%w: twilio 503", core.ErrDeliveryFailed)
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	var wa Outcome
	for _, o := range out {
		if o.Channel == "whatsapp" {
			wa = o
		}
	}
	if wa.Status != StatusFailed || wa.Attempts != 2 || !errors.Is(wa.Err, core.ErrDeliveryFailed) {
		t.Errorf("whatsapp outcome = %+v", wa)
	}
	if f.store.Notified("m1", "whatsapp") {
		t.Error("failed channel must not be recorded")
	}
	if Sent(out) != 3 {
		t.Errorf("sent = %d, want 3", Sent(out))
	}

	f.transports["whatsapp"].err = nil
	out = f.router.Route(context.Background(), msg, v)
	if statusOf(out, "whatsapp") != StatusSent || Sent(out) != 1 {
		t.Errorf("retry route = %+v", out)
	}
}

func TestRoute_PermanentErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, testSettings())
	f.transports["email"].err = core.Permanent(fmt.Errorf("%w: 550", core.ErrDeliveryFailed))
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	for _, o := range out {
		if o.Channel == "email" && o.Attempts != 1 {
			t.Errorf("attempts = %d, want 1", o.Attempts)
		}
	}
}

func TestRoute_ReadErrorSkipsChannel(t *testing.T) {
	f := newFixture(t, testSettings())
	f.store.setErrs(errors.New("disk full"), nil)
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	for _, o := range out {
		if o.Status != StatusDedupError || !errors.Is(o.Err, core.ErrPersistence) {
			t.Errorf("%s outcome = %+v, want dedup error", o.Channel, o)
		}
	}
	if len(f.transports["email"].Sent()) != 0 {
		t.Error("nothing should be sent on read error")
	}
}

func TestRoute_ReadErrorProceedsWhenConfigured(t *testing.T) {
	s := testSettings()
	s.Notify.ProceedOnReadError = true
	f := newFixture(t, s)
	f.store.setErrs(errors.New("disk full"), nil)
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	if Sent(out) != 4 {
		t.Errorf("sent = %d, want 4", Sent(out))
	}
}

func TestRoute_WriteFailureIsQueued(t *testing.T) {
	f := newFixture(t, testSettings())
	f.store.setErrs(nil, errors.New("locked"))
	msg, v := criticalMessage("m1")

	out := f.router.Route(context.Background(), msg, v)
	if Sent(out) != 4 {
		t.Fatalf("sent = %d, want 4", Sent(out))
	}
	if n := f.router.FlushPending(context.Background()); n != 4 {
		t.Errorf("pending = %d, want 4", n)
	}

	out = f.router.Route(context.Background(), msg, v)
	if Sent(out) != 0 {
		t.Errorf("pending records must block a re-send, sent %d", Sent(out))
	}

	f.store.setErrs(nil, nil)
	if n := f.router.FlushPending(context.Background()); n != 0 {
		t.Errorf("pending after recovery = %d, want 0", n)
	}
	if !f.store.Notified("m1", "whatsapp") {
		t.Error("pending record was not written")
	}
}

func TestRoute_RateLimit(t *testing.T) {
	s := testSettings()
	s.Channels.WhatsApp.MaxPerHour = 1
	f := newFixture(t, s)

	msg1, v1 := criticalMessage("m1")
	msg2, v2 := criticalMessage("m2")

	if st := statusOf(f.router.Route(context.Background(), msg1, v1), "whatsapp"); st != StatusSent {
		t.Fatalf("first = %s", st)
	}
	if st := statusOf(f.router.Route(context.Background(), msg2, v2), "whatsapp"); st != StatusRateLimited {
		t.Fatalf("second = %s, want rate_limited", st)
	}
	if f.store.Notified("m2", "whatsapp") {
		t.Error("rate limited alert must not be recorded")
	}

	f.clock.Advance(time.Hour)
	if st := statusOf(f.router.Route(context.Background(), msg2, v2), "whatsapp"); st != StatusSent {
		t.Errorf("after an hour = %s, want sent", st)
	}
}

func TestRoute_ConcurrentCallsSendOnce(t *testing.T) {
	f := newFixture(t, testSettings())
	f.transports["email"].delay = 5 * time.Millisecond
	msg, v := criticalMessage("m1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.router.Route(context.Background(), msg, v)
		}()
	}
	wg.Wait()

	for name, tr := range f.transports {
		if n := len(tr.Sent()); n != 1 {
			t.Errorf("%s sent %d times, want 1", name, n)
		}
	}
}

func TestPlan_HasNoSideEffects(t *testing.T) {
	f := newFixture(t, testSettings())
	msg, v := criticalMessage("m1")
	v.Tier = core.TierHigh

	out := f.router.Plan(context.Background(), msg, v)
	if statusOf(out, "push") != StatusPlanned || statusOf(out, "whatsapp") != StatusBelowThreshold {
		t.Errorf("plan = %+v", out)
	}
	for name, tr := range f.transports {
		if len(tr.Sent()) != 0 {
			t.Errorf("%s was sent during plan", name)
		}
	}
	if f.store.writes != 0 {
		t.Errorf("plan wrote %d records", f.store.writes)
	}
}

func TestRoute_Payloads(t *testing.T) {
	f := newFixture(t, testSettings())
	msg, v := criticalMessage("m1")
	v.Summary = strings.Repeat("a", 2000)
	msg.Subject = "<script>alert(1)</script>"

	f.router.Route(context.Background(), msg, v)

	wa := f.transports["whatsapp"].Sent()[0]
	if n := len([]rune(wa.Text)); n > 1600 {
		t.Errorf("whatsapp text is %d chars", n)
	}
	if !strings.HasSuffix(wa.Text, utils.TruncatedMarker) {
		t.Error("whatsapp text missing truncation marker")
	}
	if !strings.Contains(wa.Text, "*From:* The Boss <boss@co.com>") {
		t.Errorf("whatsapp text = %q", wa.Text[:80])
	}

	push := f.transports["push"].Sent()[0]
	if push.Title != "Urgent Action: <script>alert(1)</script>" {
		t.Errorf("push title = %q", push.Title)
	}
	if !strings.HasPrefix(push.Text, "From: The Boss <boss@co.com>\n") {
		t.Errorf("push body = %q", push.Text[:40])
	}

	email := f.transports["email"].Sent()[0]
	if email.Title != "Urgent Email Alert: <script>alert(1)</script>" {
		t.Errorf("email subject = %q", email.Title)
	}
	if strings.Contains(email.HTML, "<script>") {
		t.Error("email HTML is not escaped")
	}
	if !strings.Contains(email.Text, "Labels: VIP, category:Urgent Action") {
		t.Errorf("email text = %q", email.Text)
	}
	if email.Kind != core.PayloadAlert || email.DedupID != "m1" {
		t.Errorf("email payload = %+v", email)
	}
}

func TestRoute_SummaryFallsBackToSnippet(t *testing.T) {
	f := newFixture(t, testSettings())
	msg, v := criticalMessage("m1")
	v.Summary = ""
	msg.Snippet = "Production is down"

	f.router.Route(context.Background(), msg, v)
	push := f.transports["push"].Sent()[0]
	if push.Text != "From: The Boss <boss@co.com>\nProduction is down" {
		t.Errorf("push body = %q", push.Text)
	}
}

func TestRouteDigest(t *testing.T) {
	f := newFixture(t, testSettings())
	d := Digest{
		Kind:        "daily",
		PeriodStart: "2026-10-18T17:00:00Z",
		Title:       "Daily Email Digest",
		Text:        "3 messages",
		HTML:        "<p>3 messages</p>",
		Total:       3,
	}

	out := f.router.RouteDigest(context.Background(), d)
	if Sent(out) != 2 {
		t.Fatalf("sent = %d, want email and telegram (%+v)", Sent(out), out)
	}
	if !f.store.Notified("digest:daily:2026-10-18T17:00:00Z", "email") {
		t.Error("digest not recorded under its synthetic id")
	}
	email := f.transports["email"].Sent()[0]
	if email.Kind != core.PayloadDigest || email.HTML != d.HTML || email.Title != d.Title {
		t.Errorf("email digest payload = %+v", email)
	}
	if tg := f.transports["telegram"].Sent()[0]; !strings.HasPrefix(tg.Text, "Daily Email Digest\n\n") {
		t.Errorf("telegram digest = %q", tg.Text)
	}

	if out := f.router.RouteDigest(context.Background(), d); Sent(out) != 0 {
		t.Errorf("second digest sent %d", Sent(out))
	}
}

func TestRouteDigest_EmptyIsNotSent(t *testing.T) {
	f := newFixture(t, testSettings())
	out := f.router.RouteDigest(context.Background(), Digest{Kind: "daily", PeriodStart: "x"})
	if out != nil {
		t.Errorf("outcomes = %+v, want none", out)
	}
	if len(f.transports["email"].Sent()) != 0 {
		t.Error("empty digest was sent")
	}
}

func TestSendTest_BypassesDedup(t *testing.T) {
	f := newFixture(t, testSettings())

	for i := 0; i < 2; i++ {
		o := f.router.SendTest(context.Background(), "telegram")
		if o.Status != StatusSent {
			t.Fatalf("outcome = %+v", o)
		}
	}
	sent := f.transports["telegram"].Sent()
	if len(sent) != 2 || sent[0].DedupID == sent[1].DedupID {
		t.Errorf("test sends = %+v", sent)
	}
	if !strings.HasPrefix(sent[0].DedupID, "test:") || sent[0].Kind != core.PayloadTest {
		t.Errorf("payload = %+v", sent[0])
	}
	if f.store.writes != 0 {
		t.Errorf("test sends wrote %d records", f.store.writes)
	}

	if o := f.router.SendTest(context.Background(), "pager"); o.Status != StatusNoTransport || !errors.Is(o.Err, core.ErrConfigInvalid) {
		t.Errorf("unknown channel outcome = %+v", o)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.LockAll([]string{"a", "b"})
	unlock()
	if len(k.locks) != 0 {
		t.Errorf("locks = %d, want 0", len(k.locks))
	}
}

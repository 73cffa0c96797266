package email

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap/zaptest"
)

type received struct {
	from, to, user string
	data             string
}

type testBackend struct {
	mu       sync.Mutex
	messages []received
	rcptErr  error
}

func (b *testBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (b *testBackend) Messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	cur     received
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "alerts@example.com" || password != "secret" {
			return errors.New("invalid credentials")
		}
		s.cur.user = username
		return nil
	}), nil
}

func (s *testSession) Reset()        {}
func (s *testSession) Logout() error { return nil }

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.rcptErr != nil {
		return s.backend.rcptErr
	}
	s.cur.to = to
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.cur)
	s.backend.mu.Unlock()
	return nil
}

func startServer(t *testing.T, be *testBackend) (string, int) {
	t.Helper()

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func testConfig(host string, port int) config.EmailConfig {
	return config.EmailConfig{
		ChannelConfig: config.ChannelConfig{Name: Channel, Enabled: true},
		SMTPHost:      host,
		SMTPPort:      port,
		TLSMode:       "none",
		Username:      "alerts@example.com",
		Password:      "secret",
		From:          "alerts@example.com",
		To:            "me@example.com",
	}
}

func TestSend_DeliversMultipartMessage(t *testing.T) {
	be := &testBackend{}
	host, port := startServer(t, be)
	tr := NewTransport(testConfig(host, port), zaptest.NewLogger(t))

	res, err := tr.Send(context.Background(), &core.Payload{
		Channel: Channel,
		Kind:    core.PayloadAlert,
		DedupID: "m1",
		Title:   "Urgent Email Alert: Server down",
		Text:    "From: ops@co.com\nThe server is down",
		HTML:    "<p>The server is down</p>",
		Tier:    core.TierCritical,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.ProviderMessageID == "" {
		t.Error("ProviderMessageID is empty")
	}

	msgs := be.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.user != "alerts@example.com" {
		t.Errorf("authenticated as %q", got.user)
	}
	if got.from != "alerts@example.com" || got.to != "me@example.com" {
		t.Errorf("envelope = %s -> %s", got.from, got.to)
	}
	for _, want := range []string{
		"Subject: Urgent Email Alert: Server down",
		"multipart/alternative",
		"text/plain; charset=utf-8",
		"text/html; charset=utf-8",
		"The server is down",
		"<p>The server is down</p>",
		"Message-ID: " + res.ProviderMessageID,
	} {
		if !strings.Contains(got.data, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSend_RecipientOverride(t *testing.T) {
	be := &testBackend{}
	host, port := startServer(t, be)
	tr := NewTransport(testConfig(host, port), zaptest.NewLogger(t))

	_, err := tr.Send(context.Background(), &core.Payload{
		Kind:      core.PayloadTest,
		Title:     "test",
		Text:      "hello",
		Recipient: "other@example.com",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgs := be.Messages(); len(msgs) != 1 || msgs[0].to != "other@example.com" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSend_RejectedRecipientIsPermanent(t *testing.T) {
	be := &testBackend{rcptErr: &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	}}
	host, port := startServer(t, be)
	tr := NewTransport(testConfig(host, port), zaptest.NewLogger(t))

	_, err := tr.Send(context.Background(), &core.Payload{Title: "x", Text: "y"})
	if !errors.Is(err, core.ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if core.IsRetryable(err) {
		t.Error("550 should not be retryable")
	}
}

func TestSend_TemporaryFailureIsRetryable(t *testing.T) {
	be := &testBackend{rcptErr: &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "try later",
	}}
	host, port := startServer(t, be)
	tr := NewTransport(testConfig(host, port), zaptest.NewLogger(t))

	_, err := tr.Send(context.Background(), &core.Payload{Title: "x", Text: "y"})
	if err == nil || !core.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestSend_ConnectionRefusedIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewTransport(testConfig("127.0.0.1", port), zaptest.NewLogger(t))
	_, err = tr.Send(context.Background(), &core.Payload{Title: "x", Text: "y"})
	if !errors.Is(err, core.ErrDeliveryFailed) || !core.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable delivery failure", err)
	}
}

func TestBuildMessage_EncodesNonASCIISubject(t *testing.T) {
	data, err := buildMessage("a@example.com", "b@example.com", "<id@host>", &core.Payload{
		Title: "Réunion demain",
		Text:  "line1\nline2",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, "Subject: =?utf-8?q?") {
		t.Errorf("subject not Q-encoded:\n%s", s)
	}
	if !strings.Contains(s, "line1\r\nline2") {
		t.Error("body lines should use CRLF")
	}
	if strings.Contains(s, "text/html") {
		t.Error("no HTML part expected without HTML body")
	}
}

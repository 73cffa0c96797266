// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Channel is the channel name of this transport
const Channel = "email"

// Transport sends payloads as multipart text+HTML mail
type Transport struct {
	cfg         config.EmailConfig
	logger      *zap.Logger
	hostname    string
	dialTimeout time.Duration
	ioTimeout   time.Duration
	tlsConfig   *tls.Config
}

// NewTransport creates an SMTP transport
func NewTransport(cfg config.EmailConfig, logger *zap.Logger) *Transport {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Transport{
		cfg:         cfg,
		logger:      logger,
		hostname:    hostname,
		dialTimeout: 10 * time.Second,
		ioTimeout:   30 * time.Second,
		tlsConfig:   &tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12},
	}
}

// Channel returns "email"
func (t *Transport) Channel() string {
	return Channel
}

// Send delivers the payload to the configured recipient, or to
// p.Recipient when set
func (t *Transport) Send(ctx context.Context, p *core.Payload) (*core.DeliveryResult, error) {
	to := t.cfg.To
	if p.Recipient != "" {
		to = p.Recipient
	}
	if to == "" {
		return nil, core.Permanent(fmt.Errorf("%w: no email recipient", core.ErrDeliveryFailed))
	}

	msgID := fmt.Sprintf("<%s@%s>", ulid.Make().String(), t.hostname)
	data, err := buildMessage(t.cfg.From, to, msgID, p)
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("%w: compose message: %v", core.ErrDeliveryFailed, err))
	}

	if err := t.deliver(ctx, to, data); err != nil {
		return nil, classifyError(err)
	}

	t.logger.Debug("Email sent",
		zap.String("to", to),
		zap.String("dedup_id", p.DedupID),
		zap.String("smtp_message_id", msgID))

	return &core.DeliveryResult{
		ProviderMessageID: msgID,
		ProviderCode:      "250",
		SentAt:            time.Now(),
	}, nil
}

func (t *Transport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.SMTPHost, strconv.Itoa(t.cfg.SMTPPort))
	dialer := &net.Dialer{Timeout: t.dialTimeout}

	var conn net.Conn
	var err error
	if t.cfg.TLSMode == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: t.tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	deadline := time.Now().Add(t.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c := smtp.NewClient(conn)
	if err := c.Hello(t.hostname); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO failed: %w", err)
	}
	if t.cfg.TLSMode == "starttls" {
		if err := c.StartTLS(t.tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	return c, nil
}

func (t *Transport) deliver(ctx context.Context, to string, data []byte) error {
	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if t.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return fmt.Errorf("AUTH failed: %w", err)
		}
	}

	if err := c.Mail(t.cfg.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO failed: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send email data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message was accepted at this point.
		t.logger.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}

// classifyError makes 5xx replies permanent; 4xx replies and network
// errors are retried
func classifyError(err error) error {
	wrapped := fmt.Errorf("%w: %v", core.ErrDeliveryFailed, err)
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return core.Permanent(wrapped)
	}
	return wrapped
}

// buildMessage renders an RFC 5322 multipart/alternative message
func buildMessage(from, to, msgID string, p *core.Payload) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := []struct{ k, v string }{
		{"From", from},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("utf-8", p.Title)},
		{"Date", time.Now().Format(time.RFC1123Z)},
		{"Message-ID", msgID},
		{"MIME-Version", "1.0"},
		{"X-Mail-Triage-Kind", string(p.Kind)},
		{"Content-Type", `multipart/alternative; boundary="` + mw.Boundary() + `"`},
	}
	var head strings.Builder
	for _, h := range header {
		head.WriteString(h.k + ": " + h.v + "\r\n")
	}
	head.WriteString("\r\n")

	parts := []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", p.Text},
	}
	if p.HTML != "" {
		parts = append(parts, struct{ contentType, body string }{"text/html; charset=utf-8", p.HTML})
	}
	for _, part := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(toCRLF(part.body))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append([]byte(head.String()), buf.Bytes()...), nil
}

func toCRLF(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

package router

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
)

const (
	// AlertSubjectPrefix starts the subject of every email alert
	AlertSubjectPrefix = "Urgent Email Alert: "

	fallbackSummaryChars = 300
)

var alertHTML = template.Must(template.New("alert").Parse(`<html><head><style>
body { font-family: Arial, sans-serif; }
.email-alert { border-left: 5px solid #e74c3c; padding: 15px; background-color: #fceded; border-radius: 4px; }
</style></head>
<body>
  <h2>Urgent Email Alert</h2>
  <div class="email-alert">
    <p><strong>From:</strong> {{.From}}</p>
    <p><strong>Subject:</strong> {{.Subject}}</p>
    <p><strong>Priority:</strong> {{.Tier}}{{if .Category}} ({{.Category}}){{end}}</p>
    <p><strong>Summary:</strong> {{.Summary}}</p>
    {{- if .Labels}}
    <p><strong>Labels:</strong> {{range $i, $l := .Labels}}{{if $i}}, {{end}}{{$l}}{{end}}</p>
    {{- end}}
    <p><small>(This is an automated alert)</small></p>
  </div>
</body></html>
`))

// alertView is the data every alert format is rendered from
type alertView struct {
	From     string
	Subject  string
	Tier     string
	Category string
	Summary  string
	Labels   []string
}

func newAlertView(tp *utils.TextProcessor, msg *core.Message, v *core.Verdict) alertView {
	summary := strings.TrimSpace(v.Summary)
	if summary == "" {
		summary = strings.TrimSpace(msg.Snippet)
	}
	if summary == "" {
		summary = tp.Condense(tp.CleanWhitespace(msg.Body), fallbackSummaryChars)
	}
	if summary == "" {
		summary = "No summary available"
	}
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	return alertView{
		From:     msg.From,
		Subject:  subject,
		Tier:     v.Tier.String(),
		Category: v.Category,
		Summary:  summary,
		Labels:   v.Labels,
	}
}

func (a alertView) context() string {
	if a.Category != "" {
		return fmt.Sprintf(" (%s/%s)", a.Category, a.Tier)
	}
	return fmt.Sprintf(" (%s)", a.Tier)
}

// buildAlert renders the payload for one channel
func buildAlert(tp *utils.TextProcessor, s *config.Settings, channel string, msg *core.Message, v *core.Verdict) (*core.Payload, error) {
	a := newAlertView(tp, msg, v)
	ch, _ := s.Channel(channel)

	p := &core.Payload{
		Channel: channel,
		Kind:    core.PayloadAlert,
		DedupID: msg.ID,
		Tier:    v.Tier,
	}

	switch channel {
	case "whatsapp":
		p.Text = tp.Condense(fmt.Sprintf("📧 *Email Alert*%s\n*From:* %s\n*Subject:* %s\n\n%s",
			a.context(), a.From, a.Subject, a.Summary), ch.MaxLength)
	case "telegram":
		p.Text = tp.Condense(fmt.Sprintf("📧 Email Alert%s\nFrom: %s\nSubject: %s\n\n%s",
			a.context(), a.From, a.Subject, a.Summary), ch.MaxLength)
	case "push":
		category := a.Category
		if category == "" {
			category = strings.ToUpper(a.Tier[:1]) + a.Tier[1:]
		}
		p.Title = fmt.Sprintf("%s: %s", category, a.Subject)
		p.Text = tp.Condense(fmt.Sprintf("From: %s\n%s", a.From, a.Summary), ch.MaxLength)
	case "email":
		p.Title = AlertSubjectPrefix + a.Subject
		p.Text = alertText(a)
		var buf bytes.Buffer
		if err := alertHTML.Execute(&buf, a); err != nil {
			return nil, fmt.Errorf("render alert html: %w", err)
		}
		p.HTML = buf.String()
	default:
		return nil, fmt.Errorf("no payload format for channel %q", channel)
	}
	return p, nil
}

func alertText(a alertView) string {
	var b strings.Builder
	b.WriteString("** Urgent Email Alert **\n\n")
	fmt.Fprintf(&b, "From: %s\nSubject: %s\nPriority: %s", a.From, a.Subject, a.Tier)
	if a.Category != "" {
		fmt.Fprintf(&b, " (%s)", a.Category)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
	if len(a.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(a.Labels, ", "))
	}
	b.WriteString("\n(This is an automated alert)\n")
	return b.String()
}

// Digest is a rendered digest report ready for routing
type Digest struct {
	Kind        string
	PeriodStart string
	Title       string
	Text        string
	HTML        string
	Total       int
}

// DedupID is the synthetic message ID a digest is deduplicated under
func (d Digest) DedupID() string {
	return "digest:" + d.Kind + ":" + d.PeriodStart
}

func buildDigest(tp *utils.TextProcessor, s *config.Settings, channel string, d Digest) *core.Payload {
	ch, _ := s.Channel(channel)
	p := &core.Payload{
		Channel: channel,
		Kind:    core.PayloadDigest,
		DedupID: d.DedupID(),
		Title:   d.Title,
		Tier:    core.TierNormal,
	}
	if channel == "email" {
		p.Text = d.Text
		p.HTML = d.HTML
		return p
	}
	text := d.Text
	if channel != "push" {
		text = d.Title + "\n\n" + text
	}
	p.Text = tp.Condense(text, ch.MaxLength)
	return p
}

func buildTest(s *config.Settings, channel, id string) *core.Payload {
	text := fmt.Sprintf("This is a test notification from mail-triage for %s.", s.UserEmail)
	return &core.Payload{
		Channel: channel,
		Kind:    core.PayloadTest,
		DedupID: id,
		Title:   "mail-triage test notification",
		Text:    text,
		HTML:    "<p>" + template.HTMLEscapeString(text) + "</p>",
		Tier:    core.TierLow,
	}
}

package core

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"
)

// Tier is the ordinal importance of a message
type Tier int

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
	TierCritical
)

// String returns the lowercase tier name
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierNormal:
		return "normal"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// AtLeast reports whether t is as severe as other or more
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// MaxTier returns the more severe of two tiers
func MaxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// ParseTier parses a tier name. "medium" is accepted as an alias of normal.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow, nil
	case "normal", "medium":
		return TierNormal, nil
	case "high":
		return TierHigh, nil
	case "critical", "urgent":
		return TierCritical, nil
	default:
		return TierLow, fmt.Errorf("unknown tier %q", s)
	}
}

// AllTiers lists tiers from most to least severe
var AllTiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow}

// Message represents one fetched email
type Message struct {
	ID         string
	ThreadID   string
	From       string
	To         []string
	Subject    string
	Body       string
	Snippet    string
	ReceivedAt time.Time
	Headers    map[string][]string
}

// SenderAddress returns the bare lowercase address of the sender,
// accepting both "Name <addr>" and plain forms.
func (m *Message) SenderAddress() string {
	return ParseAddress(m.From)
}

// SenderDomain returns the domain part of the sender address
func (m *Message) SenderDomain() string {
	addr := m.SenderAddress()
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// ParseAddress extracts a lowercase email address from a header value
func ParseAddress(from string) string {
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	if start := strings.LastIndex(from, "<"); start >= 0 {
		if end := strings.Index(from[start:], ">"); end > 0 {
			return strings.ToLower(strings.TrimSpace(from[start+1 : start+end]))
		}
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// Judgment is the structured result of the external model call
type Judgment struct {
	Tier       Tier
	Category   string
	Summary    string
	Rationale  string
	Confidence float64
	Labels     []string
	ModelUsed  string
}

// Verdict is the classifier's output for one message
type Verdict struct {
	MessageID    string
	Tier         Tier
	Labels       []string
	Rationale    string
	Summary      string
	Category     string
	Confidence   float64
	Source       string
	Degraded     bool
	ClassifiedAt time.Time
}

// HasLabel reports whether the verdict carries the label
func (v *Verdict) HasLabel(label string) bool {
	i := sort.SearchStrings(v.Labels, label)
	return i < len(v.Labels) && v.Labels[i] == label
}

// IsVIP reports whether the VIP rule matched
func (v *Verdict) IsVIP() bool {
	return v.HasLabel(LabelVIP)
}

const (
	// LabelVIP marks a sender match against vip_contacts
	LabelVIP = "VIP"
	// KeywordLabelPrefix prefixes each matched custom keyword
	KeywordLabelPrefix = "keyword:"
	// CategoryLabelPrefix prefixes the model category
	CategoryLabelPrefix = "category:"
)

// LabelSet builds a sorted, duplicate-free label list
func LabelSet(groups ...[]string) []string {
	seen := make(map[string]struct{})
	for _, g := range groups {
		for _, l := range g {
			if l == "" {
				continue
			}
			seen[l] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Cursor marks the position of the last processed message
type Cursor struct {
	After  time.Time
	LastID string
}

// IsZero reports whether no message was processed yet
func (c Cursor) IsZero() bool {
	return c.After.IsZero() && c.LastID == ""
}

// DedupRecord tracks the notifications already sent for one message
type DedupRecord struct {
	MessageID string
	FirstSeen time.Time
	Channels  []string
}

// PayloadKind distinguishes what a notification is about
type PayloadKind string

const (
	PayloadAlert  PayloadKind = "alert"
	PayloadDigest PayloadKind = "digest"
	PayloadTest   PayloadKind = "test"
)

// Payload is a channel-specific notification body
type Payload struct {
	Channel   string
	Kind      PayloadKind
	DedupID   string
	Title     string
	Text      string
	HTML      string
	Tier      Tier
	Recipient string
}

// DeliveryResult is returned by a transport after a send
type DeliveryResult struct {
	ProviderMessageID string
	ProviderCode      string
	SentAt            time.Time
}

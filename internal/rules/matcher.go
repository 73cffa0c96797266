package rules

import (
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

// Matcher evaluates the rule signals used as the classification floor:
// VIP senders and custom keywords.
type Matcher struct {
	addresses map[string]struct{}
	domains   []string
	keywords  []keyword
	fold      cases.Caser
	logger    *zap.Logger
}

type keyword struct {
	label  string
	folded string
}

// NewMatcher creates a matcher from vip_contacts and custom_keywords.
// A VIP entry with a local part matches that exact address; an entry like
// "co.com" or "@co.com" matches every sender of the domain.
func NewMatcher(vipContacts, keywords []string, logger *zap.Logger) *Matcher {
	m := &Matcher{
		addresses: make(map[string]struct{}),
		fold:      cases.Fold(),
		logger:    logger,
	}

	for _, entry := range vipContacts {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case strings.HasPrefix(entry, "@"):
			m.domains = append(m.domains, entry[1:])
		case strings.Contains(entry, "@"):
			m.addresses[normalizeAddress(entry)] = struct{}{}
		default:
			m.domains = append(m.domains, entry)
		}
	}

	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		m.keywords = append(m.keywords, keyword{
			label:  strings.ToLower(kw),
			folded: m.fold.String(kw),
		})
	}

	if logger != nil && (len(m.addresses) > 0 || len(m.domains) > 0 || len(m.keywords) > 0) {
		logger.Info("Initialized rule matcher",
			zap.Int("vip_addresses", len(m.addresses)),
			zap.Strings("vip_domains", m.domains),
			zap.Int("keywords", len(m.keywords)))
	}

	return m
}

// IsVIP checks if the sender is a VIP contact, by address or by domain
func (m *Matcher) IsVIP(from string) bool {
	if m == nil {
		return false
	}
	addr := normalizeAddress(from)
	if _, ok := m.addresses[addr]; ok {
		return true
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return false
	}
	domain := parts[1]

	for _, d := range m.domains {
		if d == domain {
			if m.logger != nil {
				m.logger.Debug("Sender domain is VIP",
					zap.String("domain", domain),
					zap.String("email", addr))
			}
			return true
		}
	}

	return false
}

// MatchKeywords returns the label of every keyword found as a
// case-insensitive substring of any of the texts
func (m *Matcher) MatchKeywords(texts ...string) []string {
	if m == nil || len(m.keywords) == 0 {
		return nil
	}

	folded := make([]string, len(texts))
	for i, t := range texts {
		folded[i] = m.fold.String(t)
	}

	var matched []string
	for _, kw := range m.keywords {
		for _, t := range folded {
			if strings.Contains(t, kw.folded) {
				matched = append(matched, kw.label)
				break
			}
		}
	}
	return matched
}

// normalizeAddress extracts the lowercase address from "Name <addr>" forms
func normalizeAddress(from string) string {
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

package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikey/mail-triage/internal/core"
)

// Categories the model may assign
var Categories = []string{"Work", "Personal", "Urgent Action", "Promotion/Newsletter", "Spam", "Other"}

// SystemPrompt is sent as the system role by providers that support one
const SystemPrompt = "You are an email triage assistant. Respond only with JSON."

const judgmentPrompt = `You are an email triage assistant. Decide how important the following email is for its recipient.
Respond with a JSON object containing:
- tier: one of "low", "normal", "high", "critical" (critical means it needs attention within the hour)
- category: one of %s
- summary: string (1-3 sentences with the key information and any action items, max 100 words)
- rationale: string (brief reason for the tier)
- confidence: number between 0 and 1
- labels: array of short lowercase strings describing the email (may be empty)

Email:
From: %s
To: %s
Subject: %s
Body:
%s

Respond only with the JSON object and nothing else.`

// JudgmentResponse is the JSON object returned by the model
type JudgmentResponse struct {
	Tier       string   `json:"tier"`
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
	Labels     []string `json:"labels"`
}

// BuildJudgmentPrompt formats the judgment prompt for a message. The body is
// truncated to maxBodySize bytes and sanitized.
func (tp *TextProcessor) BuildJudgmentPrompt(msg *core.Message, maxBodySize int) string {
	to := ""
	if len(msg.To) > 0 {
		to = msg.To[0]
		if len(msg.To) > 1 {
			to += fmt.Sprintf(" and %d others", len(msg.To)-1)
		}
	}

	body := msg.Body
	if strings.TrimSpace(body) == "" {
		body = msg.Snippet
	}
	body = tp.ProcessText(body, maxBodySize)

	quoted := make([]string, len(Categories))
	for i, c := range Categories {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	return fmt.Sprintf(judgmentPrompt, strings.Join(quoted, ", "), msg.From, to, msg.Subject, body)
}

// ParseJudgment decodes the model's answer. Text around the JSON object is
// tolerated. Unknown tiers are an error; unknown categories become "Other".
func ParseJudgment(responseText, modelUsed string) (*core.Judgment, error) {
	var resp JudgmentResponse
	if err := json.Unmarshal([]byte(responseText), &resp); err != nil {
		jsonStr := ExtractJSON(responseText)
		if jsonStr == "" {
			return nil, fmt.Errorf("failed to extract JSON from LLM response: %w", err)
		}
		if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
			return nil, fmt.Errorf("failed to parse LLM response as JSON: %w", err)
		}
	}

	tier, err := core.ParseTier(resp.Tier)
	if err != nil {
		return nil, fmt.Errorf("invalid tier in LLM response: %w", err)
	}

	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	labels := make([]string, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			labels = append(labels, l)
		}
	}

	return &core.Judgment{
		Tier:       tier,
		Category:   normalizeCategory(resp.Category),
		Summary:    strings.TrimSpace(resp.Summary),
		Rationale:  strings.TrimSpace(resp.Rationale),
		Confidence: confidence,
		Labels:     labels,
		ModelUsed:  modelUsed,
	}, nil
}

func normalizeCategory(c string) string {
	c = strings.TrimSpace(c)
	for _, known := range Categories {
		if strings.EqualFold(c, known) {
			return known
		}
	}
	return "Other"
}

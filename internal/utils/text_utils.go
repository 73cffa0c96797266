package utils

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	xhtml "golang.org/x/net/html"
)

// TruncatedMarker is appended to condensed notification text
const TruncatedMarker = "\n... (truncated)"

// condenseReserve is the room kept free at the end of a condensed message
const condenseReserve = 40

// TextProcessor provides utilities for processing text
type TextProcessor struct {
	logger *zap.Logger
}

// NewTextProcessor creates a new TextProcessor
func NewTextProcessor(logger *zap.Logger) *TextProcessor {
	return &TextProcessor{
		logger: logger,
	}
}

// TruncateText safely truncates text to the specified maximum size in bytes
// and ensures the result is valid UTF-8
func (tp *TextProcessor) TruncateText(text string, maxSize int) string {
	if maxSize <= 0 || len(text) <= maxSize {
		return text
	}

	truncated := text[:maxSize]
	for !utf8.ValidString(truncated) && len(truncated) > 0 {
		truncated = truncated[:len(truncated)-1]
	}

	tp.logger.Debug("Text truncated",
		zap.Int("original_size", len(text)),
		zap.Int("truncated_size", len(truncated)),
		zap.Int("max_size", maxSize))

	return truncated + "... (truncated)"
}

// SanitizeUTF8 drops invalid UTF-8 sequences
func (tp *TextProcessor) SanitizeUTF8(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	sanitized := strings.ToValidUTF8(text, "")
	tp.logger.Debug("Text sanitized",
		zap.Int("original_size", len(text)),
		zap.Int("sanitized_size", len(sanitized)))
	return sanitized
}

// ProcessText truncates and sanitizes text in one operation
func (tp *TextProcessor) ProcessText(text string, maxSize int) string {
	return tp.SanitizeUTF8(tp.TruncateText(text, maxSize))
}

// Condense fits text into maxChars characters for chat and push channels.
// Longer text is cut on a character boundary and ends with TruncatedMarker.
func (tp *TextProcessor) Condense(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	keep := maxChars - condenseReserve
	if keep < 0 {
		keep = 0
	}
	runes := []rune(text)
	condensed := strings.TrimRight(string(runes[:keep]), " \t\n") + TruncatedMarker
	if utf8.RuneCountInString(condensed) > maxChars {
		condensed = string([]rune(condensed)[:maxChars])
	}

	tp.logger.Debug("Text condensed",
		zap.Int("original_chars", len(runes)),
		zap.Int("max_chars", maxChars))
	return condensed
}

// CleanWhitespace collapses blank-line runs and trims trailing spaces
func (tp *TextProcessor) CleanWhitespace(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t ")
		if strings.TrimSpace(line) == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// StripHTML returns the visible text of an HTML document
func (tp *TextProcessor) StripHTML(input string) string {
	doc, err := xhtml.Parse(strings.NewReader(input))
	if err != nil {
		tp.logger.Debug("HTML parse failed, using raw text", zap.Error(err))
		return tp.CleanWhitespace(input)
	}

	var b strings.Builder
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode {
			switch strings.ToLower(n.Data) {
			case "script", "style", "head", "noscript":
				return
			}
		}
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if n.Type == xhtml.ElementNode && isBlock(n.Data) {
			b.WriteString("\n")
		}
	}
	walk(doc)

	return tp.CleanWhitespace(b.String())
}

func isBlock(tag string) bool {
	switch strings.ToLower(tag) {
	case "p", "div", "br", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6", "table", "ul", "ol", "blockquote":
		return true
	}
	return false
}

// ExtractJSON returns the outermost {...} object found in text, or "" when
// there is none
func ExtractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

package gmail

import (
	"encoding/base64"
	"strings"

	"github.com/mikey/mail-triage/internal/utils"
	gm "google.golang.org/api/gmail/v1"
)

// extractBody returns the readable text of a message payload. text/plain
// parts win over text/html anywhere in the tree; HTML is stripped to text.
func extractBody(payload *gm.MessagePart, tp *utils.TextProcessor) string {
	if payload == nil {
		return ""
	}
	if plain := findPart(payload, "text/plain"); plain != "" {
		return tp.CleanWhitespace(tp.SanitizeUTF8(plain))
	}
	if html := findPart(payload, "text/html"); html != "" {
		return tp.StripHTML(tp.SanitizeUTF8(html))
	}
	return ""
}

// findPart walks nested multipart parts depth first and returns the first
// decoded body of the given media type
func findPart(part *gm.MessagePart, mimeType string) string {
	if part.Filename == "" && strings.EqualFold(mediaType(part.MimeType), mimeType) &&
		part.Body != nil && part.Body.Data != "" {
		if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
			return decoded
		}
	}
	for _, child := range part.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func mediaType(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}

// headerMap converts Gmail API headers into a map. The first value of a
// repeated header wins.
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		if _, ok := m[h.Name]; !ok {
			m[h.Name] = h.Value
		}
	}
	return m
}

// decodeBase64URL decodes Gmail's base64url body data, padded or not
func decodeBase64URL(data string) (string, error) {
	data = strings.TrimRight(data, "=")
	decoded, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

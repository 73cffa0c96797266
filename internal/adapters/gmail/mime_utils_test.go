package gmail

import (
	"encoding/base64"
	"testing"

	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap/zaptest"
	gm "google.golang.org/api/gmail/v1"
)

func TestDecodeBase64URL(t *testing.T) {
	t.Parallel()

	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding} {
		data := enc.EncodeToString([]byte("hello?>>world"))
		got, err := decodeBase64URL(data)
		if err != nil {
			t.Fatalf("decodeBase64URL(%q): %v", data, err)
		}
		if got != "hello?>>world" {
			t.Errorf("decodeBase64URL(%q) = %q", data, got)
		}
	}
}

func TestExtractBody_SkipsAttachments(t *testing.T) {
	t.Parallel()
	tp := utils.NewTextProcessor(zaptest.NewLogger(t))

	payload := &gm.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gm.MessagePart{
			{
				MimeType: "text/plain",
				Filename: "notes.txt",
				Body:     &gm.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("attachment text"))},
			},
			{
				MimeType: "text/plain; charset=utf-8",
				Body:     &gm.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("real body\n\n\n\nend"))},
			},
		},
	}
	if got := extractBody(payload, tp); got != "real body\n\nend" {
		t.Errorf("extractBody = %q", got)
	}
	if got := extractBody(nil, tp); got != "" {
		t.Errorf("extractBody(nil) = %q", got)
	}
}

package gemini

import (
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/mail-triage/internal/core"
)

func TestResponseText(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text(`{"tier":"high",`),
				genai.Text(`"category":"Work"}`),
			}},
		}},
	}
	got, err := responseText(resp)
	if err != nil {
		t.Fatalf("responseText: %v", err)
	}
	if got != `{"tier":"high","category":"Work"}` {
		t.Errorf("responseText = %q", got)
	}
}

func TestResponseText_Empty(t *testing.T) {
	t.Parallel()

	_, err := responseText(&genai.GenerateContentResponse{})
	if !errors.Is(err, core.ErrJudgmentUnavailable) || !core.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrJudgmentUnavailable", err)
	}
}

func TestResponseText_BlockedIsPermanent(t *testing.T) {
	t.Parallel()

	_, err := responseText(&genai.GenerateContentResponse{
		PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
	})
	if !errors.Is(err, core.ErrJudgmentUnavailable) {
		t.Fatalf("err = %v, want ErrJudgmentUnavailable", err)
	}
	if core.IsRetryable(err) {
		t.Error("blocked prompt should not be retried")
	}
}

package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/utils"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) core.JudgmentClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	client, err := NewFactory(config.AnthropicConfig{
		APIKey:      "test-key",
		ModelName:   "claude-test",
		MaxTokens:   256,
		Temperature: 0.1,
		MaxBodySize: 1000,
		BaseURL:     srv.URL,
	}, logger, utils.NewTextProcessor(logger)).CreateJudgmentClient()
	if err != nil {
		t.Fatalf("CreateJudgmentClient: %v", err)
	}
	return client
}

func TestAnthropicClient_Judge(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "{\"tier\":\"high\",\"category\":\"Personal\",\"summary\":\"Dinner plans.\",\"labels\":[\"family\"]}"}],
			"usage": {"input_tokens": 10, "output_tokens": 20}
		}`))
	})

	j, err := client.Judge(context.Background(), &core.Message{ID: "m1", Subject: "Dinner"})
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Tier != core.TierHigh || j.Category != "Personal" || j.ModelUsed != "claude-test" {
		t.Errorf("judgment = %+v", j)
	}
	if len(j.Labels) != 1 || j.Labels[0] != "family" {
		t.Errorf("labels = %v", j.Labels)
	}
}

func TestAnthropicClient_AuthErrorIsPermanent(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	_, err := client.Judge(context.Background(), &core.Message{ID: "m1"})
	if !errors.Is(err, core.ErrJudgmentUnavailable) {
		t.Fatalf("err = %v, want ErrJudgmentUnavailable", err)
	}
	if core.IsRetryable(err) {
		t.Error("401 should not be retried")
	}
}

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
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
	f := NewFactory(config.OpenAIConfig{
		APIKey:      "test-key",
		ModelName:   "gpt-test",
		MaxTokens:   256,
		MaxBodySize: 1000,
		BaseURL:     srv.URL + "/v1",
	}, logger, utils.NewTextProcessor(logger))

	client, err := f.CreateJudgmentClient()
	if err != nil {
		t.Fatalf("CreateJudgmentClient: %v", err)
	}
	return client
}

func TestOpenAIClient_Judge(t *testing.T) {
	t.Parallel()

	var gotPrompt string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) == 2 {
			gotPrompt = req.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-test",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"tier\":\"critical\",\"category\":\"Urgent Action\",\"summary\":\"Production is down.\",\"confidence\":0.95,\"labels\":[\"outage\"]}"}
			}]
		}`))
	})

	j, err := client.Judge(context.Background(), &core.Message{
		ID:      "m1",
		From:    "ops@co.com",
		Subject: "Prod down",
		Body:    "Everything is on fire",
	})
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if j.Tier != core.TierCritical || j.Category != "Urgent Action" || j.ModelUsed != "gpt-test" {
		t.Errorf("judgment = %+v", j)
	}
	if !strings.Contains(gotPrompt, "Prod down") {
		t.Errorf("prompt did not include the subject: %q", gotPrompt)
	}
}

func TestOpenAIClient_AuthErrorIsPermanent(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	})

	_, err := client.Judge(context.Background(), &core.Message{ID: "m1"})
	if !errors.Is(err, core.ErrJudgmentUnavailable) {
		t.Fatalf("err = %v, want ErrJudgmentUnavailable", err)
	}
	if core.IsRetryable(err) {
		t.Error("401 should not be retried")
	}
}

func TestOpenAIClient_ServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})

	_, err := client.Judge(context.Background(), &core.Message{ID: "m1"})
	if !errors.Is(err, core.ErrJudgmentUnavailable) || !core.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrJudgmentUnavailable", err)
	}
}

func TestFactory_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	_, err := NewFactory(config.OpenAIConfig{}, logger, utils.NewTextProcessor(logger)).CreateJudgmentClient()
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap/zaptest"
)

func newTestTransport(t *testing.T, handler http.HandlerFunc) *Transport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.WhatsAppConfig{
		APIBase:    srv.URL,
		AccountSID: "AC123",
		AuthToken:  "token",
		FromNumber: "+14155238886",
		ToNumber:   "whatsapp:+15551234567",
	}
	return NewTransport(cfg, srv.Client(), zaptest.NewLogger(t))
}

func TestSend_PostsForm(t *testing.T) {
	var gotPath, gotUser, gotPass, gotFrom, gotTo, gotBody string
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotFrom = r.PostForm.Get("From")
		gotTo = r.PostForm.Get("To")
		gotBody = r.PostForm.Get("Body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"queued","error_code":null}`))
	})

	res, err := tr.Send(context.Background(), &core.Payload{Text: "URGENT: server down", DedupID: "m1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("path = %s", gotPath)
	}
	if gotUser != "AC123" || gotPass != "token" {
		t.Errorf("basic auth = %s:%s", gotUser, gotPass)
	}
	if gotFrom != "whatsapp:+14155238886" || gotTo != "whatsapp:+15551234567" {
		t.Errorf("from/to = %s / %s", gotFrom, gotTo)
	}
	if gotBody != "URGENT: server down" {
		t.Errorf("body = %q", gotBody)
	}
	if res.ProviderMessageID != "SM42" || res.ProviderCode != "queued" {
		t.Errorf("result = %+v", res)
	}
}

func TestSend_CancelledContextIsNotSent(t *testing.T) {
	called := false
	tr := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Send(ctx, &core.Payload{Text: "x"}); !errors.Is(err, core.ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if called {
		t.Error("request sent with a cancelled context")
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprintf(w, `{"code":21211,"message":"Invalid 'To' Phone Number","status":%d}`, tt.status)
			})
			_, err := tr.Send(context.Background(), &core.Payload{Text: "x"})
			if !errors.Is(err, core.ErrDeliveryFailed) {
				t.Fatalf("err = %v, want ErrDeliveryFailed", err)
			}
			if core.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", core.IsRetryable(err), tt.retryable)
			}
		})
	}
}

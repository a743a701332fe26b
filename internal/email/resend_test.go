package email

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendSubscriptionChanged_PostsToResend(t *testing.T) {
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer srv.Close()

	c := newResendClient("re_test", "billing@example.com", "Billing", "https://app.example.com", srv.URL)
	err := c.SendSubscriptionChanged(context.Background(), SubscriptionChangedParams{
		To:            "owner@example.com",
		CustomerName:  "<Ada>",
		OldPlan:       "FREELANCE",
		NewPlan:       "PME",
		NewPrice:      "48,99€/mois",
		IsUpgrade:     true,
		EffectiveDate: "19 octobre 2026",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if auth != "Bearer re_test" {
		t.Errorf("expected bearer auth, got %q", auth)
	}
	if got.From != "Billing <billing@example.com>" {
		t.Errorf("unexpected from: %q", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "owner@example.com" {
		t.Errorf("unexpected to: %v", got.To)
	}
	if !strings.Contains(got.Subject, "mis à niveau") || !strings.Contains(got.Subject, "PME") {
		t.Errorf("unexpected subject: %q", got.Subject)
	}
	if strings.Contains(got.HTML, "<Ada>") || !strings.Contains(got.HTML, "&lt;Ada&gt;") {
		t.Error("expected customer name to be HTML-escaped")
	}
	if !strings.Contains(got.HTML, "https://app.example.com/dashboard?settings=subscription") {
		t.Error("expected settings link in body")
	}
}

func TestSendSubscriptionChanged_ResendErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"name":"validation_error","message":"bad from","statusCode":422}}`))
	}))
	defer srv.Close()

	c := newResendClient("re_test", "billing@example.com", "Billing", "", srv.URL)
	err := c.SendSubscriptionChanged(context.Background(), SubscriptionChangedParams{To: "x@example.com"})
	if err == nil || !strings.Contains(err.Error(), "validation_error") {
		t.Fatalf("expected Resend error, got %v", err)
	}
}

func TestLogSenderNeverFails(t *testing.T) {
	s := NewLogSender(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.SendSubscriptionChanged(context.Background(), SubscriptionChangedParams{To: "x@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

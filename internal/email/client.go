// Package email defines the interface for transactional email delivery and
// provides a Resend-backed implementation.
package email

import (
	"context"
	"log/slog"
)

// SubscriptionChangedParams holds the data for the plan-change confirmation.
type SubscriptionChangedParams struct {
	To            string // recipient email address
	CustomerName  string // falls back to To when empty
	OldPlan       string // display form, e.g. "FREELANCE"
	NewPlan       string
	NewPrice      string // e.g. "48,99€/mois"
	IsUpgrade     bool
	EffectiveDate string // e.g. "19 octobre 2026"
}

// Sender is the interface the plan-change flow uses to send email.
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	// SendSubscriptionChanged confirms a plan change to the billing contact.
	SendSubscriptionChanged(ctx context.Context, p SubscriptionChangedParams) error
}

// logSender is used when no Resend API key is configured.
type logSender struct {
	logger *slog.Logger
}

// NewLogSender returns a Sender that only logs what it would have sent.
func NewLogSender(logger *slog.Logger) Sender {
	return &logSender{logger: logger}
}

func (s *logSender) SendSubscriptionChanged(_ context.Context, p SubscriptionChangedParams) error {
	s.logger.Info("email: delivery disabled, skipping subscription changed email",
		"to", p.To, "old_plan", p.OldPlan, "new_plan", p.NewPlan)
	return nil
}

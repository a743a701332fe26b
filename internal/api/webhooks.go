package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// ─── POST /api/webhooks/stripe ────────────────────────────────────────────────

// handleStripeWebhook is the entry point for all Stripe webhook deliveries.
//
// Stripe delivers events at-least-once and retries on non-2xx responses. The
// event id ledger acks duplicates, and every handler is safe to replay.
//
// The events we act on are:
//   - checkout.session.completed     → reconcile organization + subscription
//   - customer.subscription.updated  → mirror status and periods
//   - customer.subscription.deleted  → mirror the cancellation
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	// ── 1. Read and size-limit the body ───────────────────────────────────────
	// The signature check must run against the exact bytes Stripe signed.
	r.Body = http.MaxBytesReader(w, r.Body, 65536)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "could not read request body")
		return
	}

	// ── 2. Verify the Stripe-Signature header ─────────────────────────────────
	sig := r.Header.Get("Stripe-Signature")
	event, err := s.webhooks.VerifyWebhook(payload, sig, s.cfg.StripeWebhookSecret)
	if err != nil {
		s.logger.Warn("webhook: invalid signature", "error", err, logField(r))
		respondErr(w, http.StatusBadRequest, "invalid webhook signature")
		return
	}

	// ── 3. Idempotency: record the event, skip if already seen ────────────────
	err = s.store.RecordStripeEvent(r.Context(), event.ID, event.Type, payload)
	if errors.Is(err, store.ErrEventAlreadyRecorded) {
		s.logger.Debug("webhook: duplicate event, skipping", "event_id", event.ID, logField(r))
		s.metrics.WebhookEvent(event.Type, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("record stripe event: %w", err))
		return
	}

	// ── 4. Dispatch by event type ─────────────────────────────────────────────
	var handlerErr error

	switch event.Type {
	case "checkout.session.completed":
		handlerErr = s.onCheckoutCompleted(r, event)

	case "customer.subscription.updated", "customer.subscription.deleted":
		handlerErr = s.onSubscriptionChanged(r, event)

	default:
		s.logger.Debug("webhook: unhandled event type", "type", event.Type, logField(r))
	}

	// ── 5. Mark event processed (or failed) ───────────────────────────────────
	// The ledger writes must not be lost to a client disconnect.
	ledgerCtx := context.WithoutCancel(r.Context())
	if handlerErr != nil {
		s.logger.Error("webhook: handler error",
			"event_id", event.ID,
			"type", event.Type,
			"error", handlerErr,
			logField(r),
		)
		s.metrics.WebhookEvent(event.Type, "failed")
		if err := s.store.MarkStripeEventFailed(ledgerCtx, event.ID, handlerErr.Error()); err != nil {
			s.logger.Error("webhook: mark event failed", "event_id", event.ID, "error", err, logField(r))
		}
		// 500 so Stripe retries delivery.
		respondErr(w, http.StatusInternalServerError, "webhook handler failed")
		return
	}

	s.metrics.WebhookEvent(event.Type, "processed")
	if err := s.store.MarkStripeEventProcessed(ledgerCtx, event.ID); err != nil {
		s.logger.Warn("webhook: mark event processed", "event_id", event.ID, "error", err, logField(r))
	}
	w.WriteHeader(http.StatusOK)
}

// ─── EVENT HANDLERS ───────────────────────────────────────────────────────────

func (s *Server) onCheckoutCompleted(r *http.Request, event stripeinternal.Event) error {
	ref, err := stripeinternal.ExtractCheckoutSession(event)
	if err != nil {
		return fmt.Errorf("onCheckoutCompleted: %w", err)
	}

	res, err := s.checkout.ReconcileFromWebhook(r.Context(), ref.ID)
	if errors.Is(err, store.ErrDuplicateRegistration) {
		// Retrying cannot fix a duplicate SIRET; the user sees the 409 when
		// polling the verification endpoint.
		s.logger.Warn("webhook: duplicate registration, not reconciled",
			"checkout_session_id", ref.ID,
			logField(r),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("onCheckoutCompleted: %w", err)
	}

	s.logger.Info("webhook: checkout reconciled",
		"checkout_session_id", ref.ID,
		"payment_status", res.PaymentStatus,
		"organization_id", res.OrganizationID,
		"stripe_subscription_id", res.SubscriptionID,
		logField(r),
	)
	return nil
}

func (s *Server) onSubscriptionChanged(r *http.Request, event stripeinternal.Event) error {
	sub, err := stripeinternal.ExtractSubscription(event)
	if err != nil {
		return fmt.Errorf("onSubscriptionChanged: %w", err)
	}

	_, err = s.store.SyncSubscription(r.Context(), store.SyncSubscriptionParams{
		StripeSubscriptionID: sub.ID,
		Status:               sub.Status,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodStart:   unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     unixTime(sub.CurrentPeriodEnd),
		Now:                  s.now(),
	})
	if errors.Is(err, store.ErrNotFound) {
		// Not reconciled locally yet; checkout.session.completed or the
		// verification endpoint will create it from the current remote state.
		s.logger.Debug("webhook: subscription not known locally",
			"stripe_subscription_id", sub.ID,
			logField(r),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("onSubscriptionChanged: %w", err)
	}

	s.logger.Info("webhook: subscription synced",
		"stripe_subscription_id", sub.ID,
		"status", sub.Status,
		"cancel_at_period_end", sub.CancelAtPeriodEnd,
		logField(r),
	)
	return nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

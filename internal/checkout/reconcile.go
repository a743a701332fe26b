package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/billing"
	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// DefaultPeriod stands in for any period or trial end the provider omits.
const DefaultPeriod = 30 * 24 * time.Hour

// Reconciler records the local subscription for an organization.
type Reconciler struct {
	subs    store.Subscriptions
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewReconciler(subs store.Subscriptions, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{subs: subs, metrics: m, logger: logger}
}

// EnsureParams describes the subscription to record.
type EnsureParams struct {
	Remote          stripeinternal.Subscription
	SessionMetadata map[string]string
	CustomerID      string // fallback when the subscription omits its customer
	OrganizationID  store.OrgID
	Now             time.Time
}

// Ensure creates the local subscription unless one already exists for the
// provider subscription or the organization. It reports whether it wrote.
func (r *Reconciler) Ensure(ctx context.Context, p EnsureParams) (bool, error) {
	existing, err := r.subs.FindSubscription(ctx, p.Remote.ID, p.OrganizationID)
	switch {
	case err == nil:
		r.logger.Info("checkout: subscription already recorded",
			"subscription_id", existing.ID, "organization_id", p.OrganizationID.String())
		return false, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("Ensure: find subscription: %w", err)
	}

	params := subscriptionParams(p)
	created, err := r.subs.CreateSubscription(ctx, params)
	if errors.Is(err, store.ErrSubscriptionExists) {
		r.logger.Info("checkout: subscription recorded concurrently", "stripe_subscription_id", p.Remote.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Ensure: create subscription: %w", err)
	}

	r.metrics.SubscriptionCreated()
	r.logger.Info("checkout: subscription recorded",
		"subscription_id", created.ID,
		"organization_id", p.OrganizationID.String(),
		"org_id_kind", p.OrganizationID.Kind().String(),
		"plan", created.Plan,
		"status", created.Status,
		"trial", params.Trial != nil,
	)
	return true, nil
}

func subscriptionParams(p EnsureParams) store.CreateSubscriptionParams {
	now := p.Now
	remote := p.Remote

	start := unixOr(remote.CurrentPeriodStart, now)
	end := unixOr(remote.CurrentPeriodEnd, now.Add(DefaultPeriod))

	sub := store.Subscription{
		Plan:                 planName(remote.Metadata, p.SessionMetadata),
		ReferenceID:          p.OrganizationID.String(),
		StripeCustomerID:     firstNonEmpty(remote.CustomerID, p.CustomerID),
		StripeSubscriptionID: remote.ID,
		Status:               remote.Status,
		Seats:                1,
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
		PeriodStart:          start,
		PeriodEnd:            end,
		CurrentPeriodStart:   start,
		CurrentPeriodEnd:     end,
		CreatedVia:           store.CreatedViaCheckoutVerification,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	params := store.CreateSubscriptionParams{
		Subscription:   sub,
		OrganizationID: p.OrganizationID,
		Now:            now,
	}
	if remote.Status == stripeinternal.SubscriptionStatusTrialing {
		params.Trial = &store.TrialUpdate{
			StartDate: ISOTime(now),
			EndDate:   ISOTime(unixOr(remote.TrialEnd, now.Add(DefaultPeriod))),
		}
	}
	return params
}

func planName(subMeta, sessionMeta map[string]string) string {
	return firstNonEmpty(subMeta["planName"], sessionMeta["planName"], string(billing.DefaultPlan))
}

func unixOr(sec int64, fallback time.Time) time.Time {
	if sec == 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}

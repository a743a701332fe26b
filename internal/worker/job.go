package worker

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

// JobStore is what the seat sync needs from persistence.
type JobStore interface {
	GetSubscriptionByReference(ctx context.Context, referenceID string) (store.Subscription, error)
	ListMembers(ctx context.Context, orgID store.OrgID) ([]store.Member, error)
	SetSeatQuantity(ctx context.Context, referenceID string, quantity int, now time.Time) error
}

// Job reconciles the additional-seat subscription item of one organization
// with its current member count.
type Job struct {
	stripe  stripeinternal.Client
	store   JobStore
	seatID  string
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewJob constructs a Job. seatPriceID identifies the seat item on the
// provider subscription.
func NewJob(
	sc stripeinternal.Client,
	st JobStore,
	seatPriceID string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Job {
	return &Job{
		stripe:  sc,
		store:   st,
		seatID:  seatPriceID,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes the seat sync for one organization:
//
//  1. Load the local subscription and the organization's members.
//  2. Count additional seats (every member except the owner).
//  3. Load the provider subscription and find the seat item.
//  4. Create, resize or delete the seat item.
//  5. Record the quantity locally, which clears the pending flag.
//
// Any error is returned to the Runner, which retries up to MaxRetries times.
func (j *Job) Run(ctx context.Context, referenceID string) error {
	log := j.logger.With("reference_id", referenceID)

	sub, err := j.store.GetSubscriptionByReference(ctx, referenceID)
	if err != nil {
		return fmt.Errorf("job: get subscription: %w", err)
	}
	if sub.StripeSubscriptionID == "" {
		return fmt.Errorf("job: subscription %s has no provider id", referenceID)
	}
	if j.seatID == "" {
		return errors.New("job: seat price id not configured")
	}

	members, err := j.store.ListMembers(ctx, store.ParseOrgID(referenceID))
	if err != nil {
		return fmt.Errorf("job: list members: %w", err)
	}
	seats := billing.AdditionalSeats(members)

	remote, err := j.stripe.GetSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("job: %w", err)
	}
	item, hasItem := stripeinternal.FindItemByPrice(remote.Items, j.seatID)

	stamp := j.now().UnixNano()
	switch {
	case seats > 0 && !hasItem:
		err = j.stripe.CreateSubscriptionItem(ctx, stripeinternal.SeatItemParams{
			SubscriptionID: sub.StripeSubscriptionID,
			PriceID:        j.seatID,
			Quantity:       int64(seats),
			IdempotencyKey: fmt.Sprintf("seat-add-%s-%d", referenceID, stamp),
		})
		if err != nil {
			return fmt.Errorf("job: create seat item: %w", err)
		}
		log.Info("job: seat item created", "seats", seats)

	case seats > 0 && item.Quantity != int64(seats):
		key := fmt.Sprintf("seat-update-%s-%d", referenceID, stamp)
		if err := j.stripe.UpdateSubscriptionItemQuantity(ctx, item.ID, int64(seats), key); err != nil {
			return fmt.Errorf("job: update seat item: %w", err)
		}
		log.Info("job: seat item resized", "from", item.Quantity, "to", seats)

	case seats == 0 && hasItem:
		key := fmt.Sprintf("seat-remove-%s-%d", referenceID, stamp)
		if err := j.stripe.DeleteSubscriptionItem(ctx, sub.StripeSubscriptionID, item.ID, key); err != nil {
			return fmt.Errorf("job: delete seat item: %w", err)
		}
		log.Info("job: seat item removed")

	default:
		log.Debug("job: seats already in sync", "seats", seats)
	}

	if err := j.store.SetSeatQuantity(ctx, referenceID, seats, j.now()); err != nil {
		return fmt.Errorf("job: record seat quantity: %w", err)
	}
	j.metrics.SeatSync("synced")
	return nil
}

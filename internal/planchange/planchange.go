// Package planchange previews and applies a switch of an organization's
// subscription to another plan or billing cycle. Downgrades are refused while
// the organization has more billable members than the target plan allows.
package planchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/billing"
	"github.com/nyashahama/workspace-billing-backend/internal/email"
	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// ─── ERRORS ───────────────────────────────────────────────────────────────────

var (
	ErrMissingParams        = errors.New("planchange: plan and organization are required")
	ErrUnknownPlan          = errors.New("planchange: unknown plan")
	ErrForbidden            = errors.New("planchange: caller is not a member of the organization")
	ErrSubscriptionNotFound = errors.New("planchange: no subscription for organization")
	ErrPriceNotConfigured   = errors.New("planchange: price id not configured")
	ErrBasePlanItemNotFound = errors.New("planchange: base plan item not found")
)

// DowngradeBlockedError is returned by Change when the organization has more
// billable members than the target plan allows.
type DowngradeBlockedError struct {
	Plan           billing.Plan
	CurrentMembers int
	NewLimit       int
}

func (e *DowngradeBlockedError) Error() string {
	return billing.DowngradeMessage(e.Plan, e.CurrentMembers, e.NewLimit)
}

// ─── DEPENDENCIES ─────────────────────────────────────────────────────────────

// Store is what plan changes need from persistence.
type Store interface {
	GetMember(ctx context.Context, orgID store.OrgID, userID string) (store.Member, error)
	ListMembers(ctx context.Context, orgID store.OrgID) ([]store.Member, error)
	GetSubscriptionByReference(ctx context.Context, referenceID string) (store.Subscription, error)
	UpdateSubscriptionPlan(ctx context.Context, referenceID, plan string, now time.Time) (store.Subscription, error)
}

// SeatSyncer schedules a seat sync for an organization. *worker.Runner
// satisfies it.
type SeatSyncer interface {
	Enqueue(ctx context.Context, referenceID string) error
}

type Deps struct {
	Stripe  stripeinternal.Client
	Store   Store
	Prices  billing.PriceIDs
	Seats   SeatSyncer
	Email   email.Sender
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service implements the preview and change operations.
type Service struct {
	d Deps
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{d: d}
}

// Request identifies the change asked for by a user.
type Request struct {
	UserID         string
	OrganizationID string
	NewPlan        string
	IsAnnual       bool
}

// target is the validated state shared by Preview and Change.
type target struct {
	orgID    store.OrgID
	sub      store.Subscription
	current  billing.Plan
	next     billing.Plan
	dir      billing.Direction
	priceID  string
	remote   stripeinternal.Subscription
	baseItem stripeinternal.SubscriptionItem
	seats    *billing.SeatCheck
}

// resolve validates the request and loads everything both operations need.
// The member check only runs for downgrades.
func (s *Service) resolve(ctx context.Context, req Request) (target, error) {
	if req.NewPlan == "" || req.OrganizationID == "" {
		return target{}, ErrMissingParams
	}
	next, ok := billing.ParsePlan(req.NewPlan)
	if !ok {
		return target{}, fmt.Errorf("%w: %s", ErrUnknownPlan, req.NewPlan)
	}

	t := target{orgID: store.ParseOrgID(req.OrganizationID), next: next}

	if _, err := s.d.Store.GetMember(ctx, t.orgID, req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return target{}, ErrForbidden
		}
		return target{}, fmt.Errorf("resolve: get member: %w", err)
	}

	sub, err := s.d.Store.GetSubscriptionByReference(ctx, req.OrganizationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return target{}, ErrSubscriptionNotFound
	case err != nil:
		return target{}, fmt.Errorf("resolve: get subscription: %w", err)
	case sub.StripeSubscriptionID == "":
		return target{}, ErrSubscriptionNotFound
	}
	t.sub = sub
	t.current = billing.Plan(sub.Plan)
	t.dir = billing.Compare(t.current, next)

	if t.dir.IsDowngrade {
		members, err := s.d.Store.ListMembers(ctx, t.orgID)
		if err != nil {
			return target{}, fmt.Errorf("resolve: list members: %w", err)
		}
		check := billing.CheckSeats(members, next)
		t.seats = &check
	}

	priceID, ok := s.d.Prices.For(next, req.IsAnnual)
	if !ok {
		return target{}, fmt.Errorf("%w: %s", ErrPriceNotConfigured, next)
	}
	t.priceID = priceID

	remote, err := s.d.Stripe.GetSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return target{}, fmt.Errorf("resolve: %w", err)
	}
	t.remote = remote

	base, ok := stripeinternal.FindBaseItem(remote.Items, s.d.Prices.Seat)
	if !ok {
		return target{}, ErrBasePlanItemNotFound
	}
	t.baseItem = base
	return t, nil
}

// ─── CHANGE ───────────────────────────────────────────────────────────────────

// ChangeResult is returned after a successful plan change.
type ChangeResult struct {
	Message  string
	NewPlan  billing.Plan
	IsAnnual bool
}

// Change swaps the base plan item to the new price with prorations, records
// the plan locally, schedules a seat sync and emails the billing contact.
// The seat sync and the email are best effort.
func (s *Service) Change(ctx context.Context, req Request) (ChangeResult, error) {
	t, err := s.resolve(ctx, req)
	if err != nil {
		s.d.Metrics.PlanChange("rejected")
		return ChangeResult{}, err
	}
	log := s.d.Logger.With("organization_id", req.OrganizationID, "from", t.current, "to", t.next)

	if t.seats != nil && !t.seats.CanDowngrade {
		s.d.Metrics.PlanChange("blocked")
		log.Info("planchange: downgrade blocked", "members", t.seats.CurrentMembers, "limit", t.seats.NewLimit)
		return ChangeResult{}, &DowngradeBlockedError{Plan: t.next, CurrentMembers: t.seats.CurrentMembers, NewLimit: t.seats.NewLimit}
	}

	isAnnual := "false"
	if req.IsAnnual {
		isAnnual = "true"
	}
	if err := s.d.Stripe.UpdateSubscriptionPrice(ctx, stripeinternal.UpdatePriceParams{
		SubscriptionID: t.sub.StripeSubscriptionID,
		ItemID:         t.baseItem.ID,
		PriceID:        t.priceID,
		Metadata:       map[string]string{"planName": string(t.next), "isAnnual": isAnnual},
	}); err != nil {
		s.d.Metrics.PlanChange("error")
		return ChangeResult{}, fmt.Errorf("Change: %w", err)
	}

	now := s.d.Now()
	if _, err := s.d.Store.UpdateSubscriptionPlan(ctx, req.OrganizationID, string(t.next), now); err != nil {
		s.d.Metrics.PlanChange("error")
		return ChangeResult{}, fmt.Errorf("Change: update local plan: %w", err)
	}
	log.Info("planchange: plan changed", "price_id", t.priceID, "annual", req.IsAnnual)

	if s.d.Seats != nil {
		if err := s.d.Seats.Enqueue(ctx, req.OrganizationID); err != nil {
			// The subscription stays flagged; the poller picks it up.
			log.Warn("planchange: enqueue seat sync", "error", err)
		}
	}

	s.notify(ctx, t, req.IsAnnual, now, log)

	s.d.Metrics.PlanChange("changed")
	return ChangeResult{
		Message:  "Plan changé avec succès vers " + t.next.Upper(),
		NewPlan:  t.next,
		IsAnnual: req.IsAnnual,
	}, nil
}

func (s *Service) notify(ctx context.Context, t target, annual bool, now time.Time, log *slog.Logger) {
	if s.d.Email == nil || t.sub.StripeCustomerID == "" {
		return
	}
	customer, err := s.d.Stripe.GetCustomer(ctx, t.sub.StripeCustomerID)
	if err != nil {
		log.Warn("planchange: load customer for email", "error", err)
		return
	}
	if customer.Email == "" {
		return
	}
	name := customer.Name
	if name == "" {
		name = customer.Email
	}
	err = s.d.Email.SendSubscriptionChanged(ctx, email.SubscriptionChangedParams{
		To:            customer.Email,
		CustomerName:  name,
		OldPlan:       t.current.Upper(),
		NewPlan:       t.next.Upper(),
		NewPrice:      billing.FormatEuros(t.next.PriceCents(annual)) + "/mois",
		IsUpgrade:     t.dir.IsUpgrade,
		EffectiveDate: billing.FormatDateFR(now),
	})
	if err != nil {
		log.Warn("planchange: send confirmation email", "error", err)
	}
}

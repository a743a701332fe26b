package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nyashahama/workspace-billing-backend/internal/lock"
	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
	"github.com/nyashahama/workspace-billing-backend/internal/telemetry"
)

// ErrForbidden is returned when a checkout session does not belong to the
// caller.
var ErrForbidden = errors.New("checkout: session does not belong to caller")

// Store is what the reconciliation flow needs from persistence.
type Store interface {
	store.Organizations
	store.Subscriptions
}

// Result is the outcome of a verification. Success is false only when the
// session is not paid yet; SubscriptionID and SubscriptionStatus are empty
// when the session carries no subscription.
type Result struct {
	Success            bool
	PaymentStatus      string
	SubscriptionStatus string
	SubscriptionID     string
	OrganizationID     string
}

// Deps groups the collaborators of Service.
type Deps struct {
	Stripe  stripeinternal.Client
	Store   Store
	Locker  lock.Locker // nil means no cross-process locking
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time // nil means time.Now
}

// Service runs the checkout reconciliation flow.
type Service struct {
	stripe       stripeinternal.Client
	locker       lock.Locker
	bootstrapper *Bootstrapper
	reconciler   *Reconciler
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(d Deps) *Service {
	if d.Locker == nil {
		d.Locker = lock.Noop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		stripe:       d.Stripe,
		locker:       d.Locker,
		bootstrapper: NewBootstrapper(d.Store, d.Metrics, d.Logger),
		reconciler:   NewReconciler(d.Store, d.Metrics, d.Logger),
		metrics:      d.Metrics,
		logger:       d.Logger,
		now:          d.Now,
	}
}

// Verify fetches the checkout session, checks it belongs to caller and is
// paid, then reconciles the local records.
//
// Errors: stripe.ErrSessionNotFound, stripe.ErrInvalidSession, ErrForbidden,
// store.ErrDuplicateRegistration, or an internal error.
func (s *Service) Verify(ctx context.Context, sessionID string, caller Caller) (res Result, err error) {
	ctx, span := telemetry.Tracer("checkout").Start(ctx, "checkout.Verify")
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))
	started := s.now()
	defer func() {
		s.metrics.ObserveVerification(outcome(res, err), s.now().Sub(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sess, err := s.stripe.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	match := MatchIdentity(sess, caller)
	if match == MatchNone {
		s.logger.Warn("checkout: session does not belong to caller",
			"checkout_session_id", sessionID, "user_id", caller.UserID, "customer_id", sess.CustomerID)
		return Result{}, ErrForbidden
	}
	span.SetAttributes(attribute.String("checkout.identity_match", match.String()))

	return s.reconcile(ctx, sess, caller)
}

// ReconcileFromWebhook runs the flow for a checkout.session.completed event.
// The payload is provider-signed, so the caller is taken from the session
// metadata userId without an identity check.
func (s *Service) ReconcileFromWebhook(ctx context.Context, sessionID string) (Result, error) {
	ctx, span := telemetry.Tracer("checkout").Start(ctx, "checkout.ReconcileFromWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))

	sess, err := s.stripe.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	return s.reconcile(ctx, sess, Caller{UserID: sess.Metadata["userId"]})
}

func (s *Service) reconcile(ctx context.Context, sess stripeinternal.CheckoutSession, caller Caller) (Result, error) {
	if !Proceed(sess.PaymentStatus) {
		s.logger.Info("checkout: payment not completed",
			"checkout_session_id", sess.ID, "payment_status", sess.PaymentStatus)
		return Result{Success: false, PaymentStatus: sess.PaymentStatus}, nil
	}

	res := Result{Success: true, PaymentStatus: sess.PaymentStatus}

	remote, ok, err := s.subscriptionOf(ctx, sess)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return res, nil
	}
	res.SubscriptionStatus = remote.Status
	res.SubscriptionID = remote.ID

	release, err := s.locker.Acquire(ctx, "checkout:"+sess.ID)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			s.metrics.LockTimeout()
		}
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("checkout: release lock", "checkout_session_id", sess.ID, "error", err)
		}
	}()

	now := s.now()
	orgID := firstNonEmpty(sess.Metadata["organizationId"], caller.ActiveOrganizationID)

	if orgID == "" && sess.Metadata["isNewOrganization"] == "true" {
		if caller.UserID == "" {
			s.logger.Warn("checkout: cannot bootstrap organization without a user", "checkout_session_id", sess.ID)
		} else {
			org, err := s.bootstrapper.Bootstrap(ctx, sess, caller.UserID, now)
			if err != nil {
				return Result{}, err
			}
			orgID = org.ID
		}
	}

	if orgID == "" {
		s.logger.Error("checkout: no organization to attach subscription to",
			"checkout_session_id", sess.ID, "stripe_subscription_id", remote.ID)
		return res, nil
	}
	res.OrganizationID = orgID

	if _, err := s.reconciler.Ensure(ctx, EnsureParams{
		Remote:          remote,
		SessionMetadata: sess.Metadata,
		CustomerID:      sess.CustomerID,
		OrganizationID:  store.ParseOrgID(orgID),
		Now:             now,
	}); err != nil {
		return Result{}, err
	}
	return res, nil
}

// subscriptionOf returns the session's subscription, fetching it when the
// session only references it by id.
func (s *Service) subscriptionOf(ctx context.Context, sess stripeinternal.CheckoutSession) (stripeinternal.Subscription, bool, error) {
	if sess.Subscription != nil {
		return *sess.Subscription, true, nil
	}
	if sess.SubscriptionID == "" {
		return stripeinternal.Subscription{}, false, nil
	}
	sub, err := s.stripe.GetSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return stripeinternal.Subscription{}, false, fmt.Errorf("reconcile: %w", err)
	}
	return sub, true, nil
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Success:
		return "success"
	case err == nil:
		return "pending"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrDuplicateRegistration):
		return "conflict"
	case errors.Is(err, stripeinternal.ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, stripeinternal.ErrSessionNotFound):
		return "not_found"
	default:
		return "error"
	}
}

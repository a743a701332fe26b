// Package checkout reconciles a completed payment-provider checkout session
// with the local records: it checks the session belongs to the caller and is
// paid, bootstraps the organization the session was bought for when it does
// not exist yet, and records the subscription once.
//
// The same flow serves the polling endpoint the client hits after checkout
// and the provider's checkout.session.completed webhook, whichever lands
// first. Every step is safe to re-run.
package checkout

import (
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// Caller is the authenticated user a verification runs for.
type Caller struct {
	UserID               string
	Email                string
	ActiveOrganizationID string
}

// Match reports which signal tied a checkout session to a caller.
type Match int

const (
	MatchNone Match = iota
	MatchCustomerUserID
	MatchCustomerEmail
	MatchSessionUserID
)

func (m Match) String() string {
	switch m {
	case MatchCustomerUserID:
		return "customer_user_id"
	case MatchCustomerEmail:
		return "customer_email"
	case MatchSessionUserID:
		return "session_user_id"
	default:
		return "none"
	}
}

// MatchIdentity checks, in order, the customer metadata userId, the customer
// email, and the session metadata userId against the caller. The first match
// wins. Empty values never match.
func MatchIdentity(s stripeinternal.CheckoutSession, c Caller) Match {
	switch {
	case equalNonEmpty(s.CustomerMetadata["userId"], c.UserID):
		return MatchCustomerUserID
	case equalNonEmpty(s.CustomerEmail, c.Email):
		return MatchCustomerEmail
	case equalNonEmpty(s.Metadata["userId"], c.UserID):
		return MatchSessionUserID
	default:
		return MatchNone
	}
}

func equalNonEmpty(a, b string) bool { return a != "" && a == b }

// ─── PAYMENT STATE ────────────────────────────────────────────────────────────

// Proceed reports whether the session's payment status allows reconciliation.
// no_payment_required covers subscriptions starting with a trial.
func Proceed(paymentStatus string) bool {
	switch paymentStatus {
	case stripeinternal.PaymentStatusPaid, stripeinternal.PaymentStatusNoPaymentRequired:
		return true
	default:
		return false
	}
}

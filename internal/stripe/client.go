// Package stripe defines the interface for the payment-provider calls the
// billing flows make (checkout sessions, subscriptions, seat items, customers,
// webhook verification) and provides helpers for decoding webhook payloads.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ─── ERRORS ───────────────────────────────────────────────────────────────────

// ErrSessionNotFound is returned when the provider returns no checkout session.
var ErrSessionNotFound = errors.New("stripe: checkout session not found")

// ErrInvalidSession is returned when the provider rejects a checkout session
// identifier as an invalid request.
var ErrInvalidSession = errors.New("stripe: invalid checkout session")

// ─── TYPES ────────────────────────────────────────────────────────────────────

// Payment statuses reported on a checkout session.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// SubscriptionStatusTrialing is the provider status of a subscription in trial.
const SubscriptionStatusTrialing = "trialing"

// CheckoutSession is the subset of a checkout session the reconciliation flow
// reads. Subscription is nil when the session carries only SubscriptionID.
type CheckoutSession struct {
	ID               string
	PaymentStatus    string
	Metadata         map[string]string
	CustomerID       string
	CustomerEmail    string
	CustomerMetadata map[string]string
	SubscriptionID   string
	Subscription     *Subscription
}

// Subscription is a provider subscription. Period bounds and TrialEnd are
// unix seconds, zero when absent.
type Subscription struct {
	ID                 string
	Status             string
	CustomerID         string
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	TrialEnd           int64
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
	Items              []SubscriptionItem
}

// SubscriptionItem is one priced line of a subscription.
type SubscriptionItem struct {
	ID       string
	PriceID  string
	Quantity int64
}

// Customer is the subset of a provider customer used for notifications.
type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
}

// UpdatePriceParams swaps the price of one subscription item.
type UpdatePriceParams struct {
	SubscriptionID string
	ItemID         string
	PriceID        string
	Metadata       map[string]string
}

// SeatItemParams creates the additional-seat item on a subscription.
type SeatItemParams struct {
	SubscriptionID string
	PriceID        string
	Quantity       int64
	IdempotencyKey string
}

// Event is a parsed webhook event. DataRaw contains the raw JSON of the
// event's data.object so handlers can unmarshal only what they need.
type Event struct {
	ID      string
	Type    string
	DataRaw json.RawMessage
}

// ─── CLIENT INTERFACE ─────────────────────────────────────────────────────────

// Client is the interface the checkout, planchange and worker packages use
// for all provider calls. The concrete implementation wraps stripe-go.
// Tests inject a stub.
type Client interface {
	// GetCheckoutSession retrieves a checkout session with its subscription
	// and customer expanded.
	GetCheckoutSession(ctx context.Context, id string) (CheckoutSession, error)

	GetSubscription(ctx context.Context, id string) (Subscription, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)

	// UpdateSubscriptionPrice swaps an item's price with prorations and merges
	// Metadata into the subscription metadata.
	UpdateSubscriptionPrice(ctx context.Context, p UpdatePriceParams) error

	CreateSubscriptionItem(ctx context.Context, p SeatItemParams) error
	UpdateSubscriptionItemQuantity(ctx context.Context, itemID string, quantity int64, idempotencyKey string) error
	DeleteSubscriptionItem(ctx context.Context, subscriptionID, itemID, idempotencyKey string) error

	// VerifyWebhook validates the Stripe-Signature header and returns the
	// parsed event. Returns an error if the signature is invalid or expired.
	VerifyWebhook(payload []byte, sigHeader string, secret string) (Event, error)
}

// ─── ITEM HELPERS ─────────────────────────────────────────────────────────────

// FindItemByPrice returns the first item priced with priceID.
func FindItemByPrice(items []SubscriptionItem, priceID string) (SubscriptionItem, bool) {
	for _, it := range items {
		if it.PriceID == priceID {
			return it, true
		}
	}
	return SubscriptionItem{}, false
}

// FindBaseItem returns the first item not priced with seatPriceID.
func FindBaseItem(items []SubscriptionItem, seatPriceID string) (SubscriptionItem, bool) {
	for _, it := range items {
		if it.PriceID != seatPriceID {
			return it, true
		}
	}
	return SubscriptionItem{}, false
}

// ─── WEBHOOK PAYLOAD HELPERS ──────────────────────────────────────────────────

// CheckoutSessionRef is what a checkout.session.completed event carries.
type CheckoutSessionRef struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// ExtractCheckoutSession pulls the checkout session id and metadata from the
// event's data.object.
func ExtractCheckoutSession(event Event) (CheckoutSessionRef, error) {
	var ref CheckoutSessionRef
	if err := json.Unmarshal(event.DataRaw, &ref); err != nil {
		return CheckoutSessionRef{}, fmt.Errorf("stripe: unmarshal checkout session: %w", err)
	}
	if ref.ID == "" {
		return CheckoutSessionRef{}, fmt.Errorf("stripe: checkout session id is empty in event %s", event.ID)
	}
	return ref, nil
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           json.RawMessage   `json:"customer"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			ID                 string `json:"id"`
			Quantity           int64  `json:"quantity"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// ExtractSubscription decodes a customer.subscription.* event object. Period
// bounds are read from the first item when the subscription itself has none.
func ExtractSubscription(event Event) (Subscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(event.DataRaw, &p); err != nil {
		return Subscription{}, fmt.Errorf("stripe: unmarshal subscription: %w", err)
	}
	if p.ID == "" {
		return Subscription{}, fmt.Errorf("stripe: subscription id is empty in event %s", event.ID)
	}

	sub := Subscription{
		ID:                 p.ID,
		Status:             p.Status,
		CurrentPeriodStart: p.CurrentPeriodStart,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		TrialEnd:           p.TrialEnd,
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
		Metadata:           p.Metadata,
	}

	// customer is either an id string or an expanded object.
	var customerID string
	if err := json.Unmarshal(p.Customer, &customerID); err != nil {
		var obj struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(p.Customer, &obj) == nil {
			customerID = obj.ID
		}
	}
	sub.CustomerID = customerID

	for _, it := range p.Items.Data {
		sub.Items = append(sub.Items, SubscriptionItem{ID: it.ID, PriceID: it.Price.ID, Quantity: it.Quantity})
		if sub.CurrentPeriodStart == 0 {
			sub.CurrentPeriodStart = it.CurrentPeriodStart
		}
		if sub.CurrentPeriodEnd == 0 {
			sub.CurrentPeriodEnd = it.CurrentPeriodEnd
		}
	}
	return sub, nil
}

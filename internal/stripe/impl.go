package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionitem"
	"github.com/stripe/stripe-go/v82/webhook"
)

const prorationCreate = "create_prorations"

// stripeClient is the concrete implementation of Client backed by the
// official stripe-go SDK. Construct it with NewClient.
type stripeClient struct {
	secretKey string
}

// NewClient returns a Client backed by the Stripe SDK.
// secretKey is your STRIPE_SECRET_KEY env var.
func NewClient(secretKey string) Client {
	return &stripeClient{secretKey: secretKey}
}

// GetCheckoutSession retrieves the session with subscription and customer
// expanded. Invalid-request rejections map to ErrInvalidSession; a missing
// body maps to ErrSessionNotFound.
func (c *stripeClient) GetCheckoutSession(ctx context.Context, id string) (CheckoutSession, error) {
	stripe.Key = c.secretKey

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	params.AddExpand("customer")

	s, err := checkoutsession.Get(id, params)
	if err != nil {
		return CheckoutSession{}, classify(err)
	}
	if s == nil || s.ID == "" {
		return CheckoutSession{}, ErrSessionNotFound
	}

	out := CheckoutSession{
		ID:            s.ID,
		PaymentStatus: string(s.PaymentStatus),
		Metadata:      s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
		out.CustomerEmail = s.Customer.Email
		out.CustomerMetadata = s.Customer.Metadata
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
		// An unexpanded reference carries only the id.
		if s.Subscription.Status != "" {
			sub := toSubscription(s.Subscription)
			out.Subscription = &sub
		}
	}
	return out, nil
}

func (c *stripeClient) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	stripe.Key = c.secretKey

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := subscription.Get(id, params)
	if err != nil {
		return Subscription{}, fmt.Errorf("stripe: get subscription %s: %w", id, err)
	}
	return toSubscription(s), nil
}

func (c *stripeClient) GetCustomer(ctx context.Context, id string) (Customer, error) {
	stripe.Key = c.secretKey

	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := customer.Get(id, params)
	if err != nil {
		return Customer{}, fmt.Errorf("stripe: get customer %s: %w", id, err)
	}
	return Customer{ID: cust.ID, Email: cust.Email, Name: cust.Name, Metadata: cust.Metadata}, nil
}

func (c *stripeClient) UpdateSubscriptionPrice(ctx context.Context, p UpdatePriceParams) error {
	stripe.Key = c.secretKey

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(p.ItemID), Price: stripe.String(p.PriceID)},
		},
		ProrationBehavior: stripe.String(prorationCreate),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	if _, err := subscription.Update(p.SubscriptionID, params); err != nil {
		return fmt.Errorf("stripe: update subscription %s: %w", p.SubscriptionID, err)
	}
	return nil
}

func (c *stripeClient) CreateSubscriptionItem(ctx context.Context, p SeatItemParams) error {
	stripe.Key = c.secretKey

	params := &stripe.SubscriptionItemParams{
		Subscription:      stripe.String(p.SubscriptionID),
		Price:             stripe.String(p.PriceID),
		Quantity:          stripe.Int64(p.Quantity),
		ProrationBehavior: stripe.String(prorationCreate),
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	if _, err := subscriptionitem.New(params); err != nil {
		return fmt.Errorf("stripe: create subscription item: %w", err)
	}
	return nil
}

func (c *stripeClient) UpdateSubscriptionItemQuantity(ctx context.Context, itemID string, quantity int64, idempotencyKey string) error {
	stripe.Key = c.secretKey

	params := &stripe.SubscriptionItemParams{
		Quantity:          stripe.Int64(quantity),
		ProrationBehavior: stripe.String(prorationCreate),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	if _, err := subscriptionitem.Update(itemID, params); err != nil {
		return fmt.Errorf("stripe: update subscription item %s: %w", itemID, err)
	}
	return nil
}

// DeleteSubscriptionItem removes the item through a subscription update so
// the removal is prorated.
func (c *stripeClient) DeleteSubscriptionItem(ctx context.Context, subscriptionID, itemID, idempotencyKey string) error {
	stripe.Key = c.secretKey

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(itemID), Deleted: stripe.Bool(true)},
		},
		ProrationBehavior: stripe.String(prorationCreate),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe: delete subscription item %s: %w", itemID, err)
	}
	return nil
}

// VerifyWebhook validates the Stripe-Signature header and returns the parsed
// event. Returns an error if the signature is invalid or the tolerance window
// (300 seconds by default in the Stripe SDK) has expired.
func (c *stripeClient) VerifyWebhook(payload []byte, sigHeader string, secret string) (Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return Event{}, fmt.Errorf("stripe: webhook verification failed: %w", err)
	}

	return Event{
		ID:      stripeEvent.ID,
		Type:    string(stripeEvent.Type),
		DataRaw: stripeEvent.Data.Raw,
	}, nil
}

// ─── MAPPING ──────────────────────────────────────────────────────────────────

// classify maps invalid-request rejections to ErrInvalidSession and keeps
// every other failure as an opaque wrapped error.
func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && (se.Type == stripe.ErrorTypeInvalidRequest || se.Code == stripe.ErrorCodeResourceMissing) {
		return fmt.Errorf("%w: %s", ErrInvalidSession, se.Msg)
	}
	return fmt.Errorf("stripe: get checkout session: %w", err)
}

// toSubscription maps an SDK subscription. Since API version 2025-03-31 the
// billing period lives on the items, so it is read from the first item.
func toSubscription(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		TrialEnd:          s.TrialEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for i, it := range s.Items.Data {
			item := SubscriptionItem{ID: it.ID, Quantity: it.Quantity}
			if it.Price != nil {
				item.PriceID = it.Price.ID
			}
			out.Items = append(out.Items, item)
			if i == 0 {
				out.CurrentPeriodStart = it.CurrentPeriodStart
				out.CurrentPeriodEnd = it.CurrentPeriodEnd
			}
		}
	}
	return out
}

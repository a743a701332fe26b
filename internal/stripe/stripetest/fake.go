// Package stripetest provides an in-memory stripe.Client for tests.
package stripetest

import (
	"context"
	"fmt"
	"sync"

	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// Call records one mutating request.
type Call struct {
	Method         string
	SubscriptionID string
	ItemID         string
	PriceID        string
	Quantity       int64
	IdempotencyKey string
	Metadata       map[string]string
}

// Fake is a stripe.Client backed by maps. Mutations are applied to
// Subscriptions so follow-up reads observe them. Set the *Err fields to make
// the matching calls fail.
type Fake struct {
	mu sync.Mutex

	Sessions      map[string]stripeinternal.CheckoutSession
	Subscriptions map[string]stripeinternal.Subscription
	Customers     map[string]stripeinternal.Customer

	SessionErr  error
	MutationErr error
	WebhookErr  error
	WebhookEvt  stripeinternal.Event

	Calls         []Call
	SessionReads  int
	nextItemIndex int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Sessions:      map[string]stripeinternal.CheckoutSession{},
		Subscriptions: map[string]stripeinternal.Subscription{},
		Customers:     map[string]stripeinternal.Customer{},
	}
}

func (f *Fake) GetCheckoutSession(_ context.Context, id string) (stripeinternal.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SessionReads++
	if f.SessionErr != nil {
		return stripeinternal.CheckoutSession{}, f.SessionErr
	}
	s, ok := f.Sessions[id]
	if !ok {
		return stripeinternal.CheckoutSession{}, stripeinternal.ErrSessionNotFound
	}
	return s, nil
}

func (f *Fake) GetSubscription(_ context.Context, id string) (stripeinternal.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Subscriptions[id]
	if !ok {
		return stripeinternal.Subscription{}, fmt.Errorf("stripetest: no subscription %s", id)
	}
	return s, nil
}

func (f *Fake) GetCustomer(_ context.Context, id string) (stripeinternal.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Customers[id]
	if !ok {
		return stripeinternal.Customer{}, fmt.Errorf("stripetest: no customer %s", id)
	}
	return c, nil
}

func (f *Fake) UpdateSubscriptionPrice(_ context.Context, p stripeinternal.UpdatePriceParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "UpdateSubscriptionPrice", SubscriptionID: p.SubscriptionID, ItemID: p.ItemID, PriceID: p.PriceID, Metadata: p.Metadata})
	if f.MutationErr != nil {
		return f.MutationErr
	}
	sub := f.Subscriptions[p.SubscriptionID]
	for i := range sub.Items {
		if sub.Items[i].ID == p.ItemID {
			sub.Items[i].PriceID = p.PriceID
		}
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]string{}
	}
	for k, v := range p.Metadata {
		sub.Metadata[k] = v
	}
	f.Subscriptions[p.SubscriptionID] = sub
	return nil
}

func (f *Fake) CreateSubscriptionItem(_ context.Context, p stripeinternal.SeatItemParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "CreateSubscriptionItem", SubscriptionID: p.SubscriptionID, PriceID: p.PriceID, Quantity: p.Quantity, IdempotencyKey: p.IdempotencyKey})
	if f.MutationErr != nil {
		return f.MutationErr
	}
	f.nextItemIndex++
	sub := f.Subscriptions[p.SubscriptionID]
	sub.Items = append(sub.Items, stripeinternal.SubscriptionItem{
		ID:       fmt.Sprintf("si_fake_%d", f.nextItemIndex),
		PriceID:  p.PriceID,
		Quantity: p.Quantity,
	})
	f.Subscriptions[p.SubscriptionID] = sub
	return nil
}

func (f *Fake) UpdateSubscriptionItemQuantity(_ context.Context, itemID string, quantity int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "UpdateSubscriptionItemQuantity", ItemID: itemID, Quantity: quantity, IdempotencyKey: key})
	if f.MutationErr != nil {
		return f.MutationErr
	}
	for id, sub := range f.Subscriptions {
		for i := range sub.Items {
			if sub.Items[i].ID == itemID {
				sub.Items[i].Quantity = quantity
				f.Subscriptions[id] = sub
			}
		}
	}
	return nil
}

func (f *Fake) DeleteSubscriptionItem(_ context.Context, subscriptionID, itemID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "DeleteSubscriptionItem", SubscriptionID: subscriptionID, ItemID: itemID, IdempotencyKey: key})
	if f.MutationErr != nil {
		return f.MutationErr
	}
	sub := f.Subscriptions[subscriptionID]
	kept := sub.Items[:0]
	for _, it := range sub.Items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	sub.Items = kept
	f.Subscriptions[subscriptionID] = sub
	return nil
}

func (f *Fake) VerifyWebhook(_ []byte, _ string, _ string) (stripeinternal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WebhookErr != nil {
		return stripeinternal.Event{}, f.WebhookErr
	}
	return f.WebhookEvt, nil
}

// CallsTo returns the recorded calls of one method.
func (f *Fake) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

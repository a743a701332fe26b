// Package memstore is an in-process store.Store. It enforces the same
// uniqueness rules as the database backends and is used by tests and by
// STORE_DRIVER=memory for local development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

type stripeEvent struct {
	eventType string
	payload   []byte
	status    string
	err       string
}

// Store keeps every collection in maps guarded by a single mutex, which also
// makes each multi-step write atomic.
type Store struct {
	mu sync.Mutex

	users         map[string]store.User
	sessions      map[string]store.AuthSession // keyed by token
	organizations map[string]store.Organization
	members       []store.Member
	subscriptions map[string]store.Subscription // keyed by referenceId
	events        map[string]*stripeEvent
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         make(map[string]store.User),
		sessions:      make(map[string]store.AuthSession),
		organizations: make(map[string]store.Organization),
		subscriptions: make(map[string]store.Subscription),
		events:        make(map[string]*stripeEvent),
	}
}

// ─── SEEDING ─────────────────────────────────────────────────────────────────

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutSession inserts or replaces an auth session.
func (s *Store) PutSession(a store.AuthSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.sessions[a.Token] = a
}

// PutOrganization inserts or replaces an organization.
func (s *Store) PutOrganization(o store.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations[o.ID] = o
}

// PutMember appends a membership.
func (s *Store) PutMember(m store.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.members = append(s.members, m)
}

// PutSubscription inserts or replaces a subscription by referenceId.
func (s *Store) PutSubscription(sub store.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.subscriptions[sub.ReferenceID] = sub
}

// ─── INSPECTION ──────────────────────────────────────────────────────────────

// Organizations returns a snapshot of every organization.
func (s *Store) Organizations() []store.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Organization, 0, len(s.organizations))
	for _, o := range s.organizations {
		out = append(out, o)
	}
	return out
}

// Subscriptions returns a snapshot of every subscription.
func (s *Store) Subscriptions() []store.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

// Members returns a snapshot of every membership.
func (s *Store) Members() []store.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Member(nil), s.members...)
}

// SessionsForUser returns every auth session of userID.
func (s *Store) SessionsForUser(userID string) []store.AuthSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.AuthSession
	for _, a := range s.sessions {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// User returns the stored user and whether it exists.
func (s *Store) User(id string) (store.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// EventStatus returns the ledger status of a webhook event.
func (s *Store) EventStatus(eventID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[eventID]; ok {
		return ev.status
	}
	return ""
}

// ─── SESSIONS ────────────────────────────────────────────────────────────────

func (s *Store) GetSessionByToken(_ context.Context, token string) (store.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.sessions[token]
	if !ok {
		return store.AuthSession{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) LatestSessionForUser(_ context.Context, userID string, now time.Time) (store.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  store.AuthSession
		found bool
	)
	for _, a := range s.sessions {
		if a.UserID != userID || !a.ExpiresAt.After(now) {
			continue
		}
		if !found || a.ExpiresAt.After(best.ExpiresAt) {
			best, found = a, true
		}
	}
	if !found {
		return store.AuthSession{}, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) GetUser(_ context.Context, id string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

// ─── ORGANIZATIONS ───────────────────────────────────────────────────────────

func (s *Store) FindOrganizationBySiret(_ context.Context, siret string) (store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if siret == "" {
		return store.Organization{}, store.ErrNotFound
	}
	for _, o := range s.organizations {
		if o.Siret == siret {
			return o, nil
		}
	}
	return store.Organization{}, store.ErrNotFound
}

func (s *Store) FindOrganizationByCheckoutSession(_ context.Context, checkoutSessionID string) (store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if checkoutSessionID == "" {
		return store.Organization{}, store.ErrNotFound
	}
	for _, o := range s.organizations {
		if o.StripeCheckoutSessionID == checkoutSessionID {
			return o, nil
		}
	}
	return store.Organization{}, store.ErrNotFound
}

func (s *Store) BootstrapOrganization(_ context.Context, p store.BootstrapOrganizationParams) (store.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org := p.Organization
	for _, o := range s.organizations {
		if org.Siret != "" && o.Siret == org.Siret {
			return store.Organization{}, store.ErrDuplicateRegistration
		}
		if org.StripeCheckoutSessionID != "" && o.StripeCheckoutSessionID == org.StripeCheckoutSessionID {
			return store.Organization{}, store.ErrOrganizationExists
		}
	}

	if org.ID == "" {
		org.ID = newObjectHex()
	}
	s.organizations[org.ID] = org

	s.members = append(s.members, store.Member{
		ID:             uuid.NewString(),
		UserID:         p.OwnerUserID,
		OrganizationID: org.ID,
		Role:           store.RoleOwner,
		CreatedAt:      p.Now,
	})

	for tok, a := range s.sessions {
		if a.UserID == p.OwnerUserID {
			a.ActiveOrganizationID = org.ID
			s.sessions[tok] = a
		}
	}

	if u, ok := s.users[p.OwnerUserID]; ok {
		u.HasSeenOnboarding = true
		u.UpdatedAt = p.Now
		s.users[p.OwnerUserID] = u
	}

	return org, nil
}

func (s *Store) GetMember(_ context.Context, orgID store.OrgID, userID string) (store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.OrganizationID == orgID.String() && m.UserID == userID {
			return s.withUser(m), nil
		}
	}
	return store.Member{}, store.ErrNotFound
}

func (s *Store) ListMembers(_ context.Context, orgID store.OrgID) ([]store.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Member
	for _, m := range s.members {
		if m.OrganizationID == orgID.String() {
			out = append(out, s.withUser(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) withUser(m store.Member) store.Member {
	if u, ok := s.users[m.UserID]; ok {
		m.Email = u.Email
		m.Name = u.Name
	}
	return m
}

// ─── SUBSCRIPTIONS ───────────────────────────────────────────────────────────

func (s *Store) FindSubscription(_ context.Context, stripeSubscriptionID string, orgID store.OrgID) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if stripeSubscriptionID != "" && sub.StripeSubscriptionID == stripeSubscriptionID {
			return sub, nil
		}
		if !orgID.IsZero() && (sub.ReferenceID == orgID.String() || sub.OrganizationID == orgID.String()) {
			return sub, nil
		}
	}
	return store.Subscription{}, store.ErrNotFound
}

func (s *Store) CreateSubscription(_ context.Context, p store.CreateSubscriptionParams) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := p.Subscription
	if _, ok := s.subscriptions[sub.ReferenceID]; ok {
		return store.Subscription{}, store.ErrSubscriptionExists
	}
	for _, existing := range s.subscriptions {
		if sub.StripeSubscriptionID != "" && existing.StripeSubscriptionID == sub.StripeSubscriptionID {
			return store.Subscription{}, store.ErrSubscriptionExists
		}
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.subscriptions[sub.ReferenceID] = sub

	if org, ok := s.organizations[p.OrganizationID.String()]; ok {
		org.OnboardingCompleted = true
		org.UpdatedAt = p.Now
		if p.Trial != nil {
			org.IsTrialActive = true
			org.TrialStartDate = p.Trial.StartDate
			org.TrialEndDate = p.Trial.EndDate
			org.StripeTrialActive = true
		}
		s.organizations[org.ID] = org
	}

	return sub, nil
}

func (s *Store) GetSubscriptionByReference(_ context.Context, referenceID string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[referenceID]
	if !ok {
		return store.Subscription{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *Store) UpdateSubscriptionPlan(_ context.Context, referenceID, plan string, now time.Time) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[referenceID]
	if !ok {
		return store.Subscription{}, store.ErrNotFound
	}
	sub.Plan = plan
	sub.SeatSyncPending = true
	sub.UpdatedAt = now
	s.subscriptions[referenceID] = sub
	return sub, nil
}

func (s *Store) SyncSubscription(_ context.Context, p store.SyncSubscriptionParams) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, sub := range s.subscriptions {
		if sub.StripeSubscriptionID != p.StripeSubscriptionID {
			continue
		}
		sub.Status = p.Status
		sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
		if !p.CurrentPeriodStart.IsZero() {
			sub.CurrentPeriodStart = p.CurrentPeriodStart
			sub.PeriodStart = p.CurrentPeriodStart
		}
		if !p.CurrentPeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = p.CurrentPeriodEnd
			sub.PeriodEnd = p.CurrentPeriodEnd
		}
		sub.UpdatedAt = p.Now
		s.subscriptions[ref] = sub
		return sub, nil
	}
	return store.Subscription{}, store.ErrNotFound
}

func (s *Store) ListPendingSeatSyncs(_ context.Context) ([]store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Subscription
	for _, sub := range s.subscriptions {
		if sub.SeatSyncPending {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) MarkSeatSyncPending(_ context.Context, referenceID string) error {
	return s.updateSubscription(referenceID, func(sub *store.Subscription) {
		sub.SeatSyncPending = true
	})
}

func (s *Store) SetSeatQuantity(_ context.Context, referenceID string, quantity int, now time.Time) error {
	return s.updateSubscription(referenceID, func(sub *store.Subscription) {
		sub.SeatQuantity = quantity
		sub.SeatSyncPending = false
		sub.SeatSyncError = ""
		sub.UpdatedAt = now
	})
}

func (s *Store) MarkSeatSyncFailed(_ context.Context, referenceID, reason string, now time.Time) error {
	return s.updateSubscription(referenceID, func(sub *store.Subscription) {
		sub.SeatSyncPending = false
		sub.SeatSyncError = reason
		sub.UpdatedAt = now
	})
}

func (s *Store) updateSubscription(referenceID string, fn func(*store.Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[referenceID]
	if !ok {
		return store.ErrNotFound
	}
	fn(&sub)
	s.subscriptions[referenceID] = sub
	return nil
}

// ─── EVENTS ──────────────────────────────────────────────────────────────────

func (s *Store) RecordStripeEvent(_ context.Context, eventID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[eventID]; ok {
		if ev.status != "failed" {
			return store.ErrEventAlreadyRecorded
		}
	}
	s.events[eventID] = &stripeEvent{eventType: eventType, payload: payload, status: "received"}
	return nil
}

func (s *Store) MarkStripeEventProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	ev.status = "processed"
	return nil
}

// MarkStripeEventFailed records the failure. A failed event may be recorded
// again, so a provider retry is processed.
func (s *Store) MarkStripeEventFailed(_ context.Context, eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	ev.status = "failed"
	ev.err = reason
	return nil
}

// ─── LIFECYCLE ───────────────────────────────────────────────────────────────

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close(context.Context) error { return nil }

// newObjectHex returns a 24-character hex id so organizations created in
// memory parse as structured ids, like the ones the document store assigns.
func newObjectHex() string {
	id := uuid.New()
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 24)
	for i := 0; i < 12; i++ {
		out[i*2] = hexdigits[id[i]>>4]
		out[i*2+1] = hexdigits[id[i]&0x0f]
	}
	return string(out)
}

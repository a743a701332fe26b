// Package store defines the persistence contract shared by the Mongo,
// Postgres and in-memory backends: the records the billing flows read and
// write, the sentinel errors every backend maps its driver errors onto, and
// the multi-step writes that must execute atomically.
//
// Dependency rule: store imports nothing from this module. The backends live
// in sub-packages (mongostore, pgstore, memstore) and import store, never the
// other way round.
package store

import (
	"context"
	"errors"
	"time"
)

// ─── ROLES / CONSTANTS ───────────────────────────────────────────────────────

const (
	RoleOwner      = "owner"
	RoleAccountant = "accountant"
	RoleMember     = "member"
)

// CreatedViaCheckoutVerification tags subscription records written by the
// checkout reconciliation flow rather than by the payment provider's own sync.
const CreatedViaCheckoutVerification = "verify-checkout-fallback"

// ─── RECORDS ─────────────────────────────────────────────────────────────────

// User is the authenticated account owning sessions and memberships.
type User struct {
	ID                string
	Email             string
	Name              string
	HasSeenOnboarding bool
	UpdatedAt         time.Time
}

// AuthSession is a login session issued by the auth layer. Token is the
// opaque value carried by the session cookie or bearer header.
type AuthSession struct {
	ID                   string
	Token                string
	UserID               string
	ActiveOrganizationID string
	ExpiresAt            time.Time
}

// Organization is the tenant entity. Metadata holds a JSON document.
type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time

	CompanyName      string
	Siret            string
	Siren            string
	EmployeeCount    string
	OrganizationType string
	LegalForm        string
	AddressStreet    string
	AddressCity      string
	AddressZipCode   string
	AddressCountry   string
	ActivitySector   string
	ActivityCategory string

	OnboardingCompleted bool
	Metadata            string

	// StripeCheckoutSessionID is set on organizations created from a checkout
	// session and is unique across organizations.
	StripeCheckoutSessionID string

	IsTrialActive     bool
	TrialStartDate    string
	TrialEndDate      string
	StripeTrialActive bool
}

// Member links a user to an organization with a role. Email and Name are
// denormalised from the user record on reads that list members.
type Member struct {
	ID             string
	UserID         string
	OrganizationID string
	Role           string
	CreatedAt      time.Time

	Email string
	Name  string
}

// Subscription is the local billing record of an organization. ReferenceID
// holds the organization id and is unique.
type Subscription struct {
	ID                   string
	Plan                 string
	ReferenceID          string
	OrganizationID       string
	StripeCustomerID     string
	StripeSubscriptionID string
	Status               string

	Seats           int
	SeatQuantity    int
	SeatSyncPending bool
	SeatSyncError   string

	CancelAtPeriodEnd  bool
	PeriodStart        time.Time
	PeriodEnd          time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	CreatedVia string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// BootstrapOrganizationParams groups the writes performed when a brand-new
// organization is created for a paying user: the organization itself, the
// owner membership, the active-organization pointer on every session of the
// user, and the onboarding flag on the user.
type BootstrapOrganizationParams struct {
	Organization Organization
	OwnerUserID  string
	Now          time.Time
}

// TrialUpdate is applied to the organization when the subscription starts in
// a trial. Dates are ISO-8601 strings.
type TrialUpdate struct {
	StartDate string
	EndDate   string
}

// CreateSubscriptionParams groups the subscription insert with the
// organization onboarding/trial update that accompanies it.
type CreateSubscriptionParams struct {
	Subscription   Subscription
	OrganizationID OrgID
	Trial          *TrialUpdate
	Now            time.Time
}

// SyncSubscriptionParams mirrors provider-side subscription state onto the
// local record identified by StripeSubscriptionID.
type SyncSubscriptionParams struct {
	StripeSubscriptionID string
	Status               string
	CancelAtPeriodEnd    bool
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	Now                  time.Time
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrNotFound is returned by every lookup that matches no record.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateRegistration is returned when an organization with the same
// non-empty siret already exists.
var ErrDuplicateRegistration = errors.New("store: organization already registered with this siret")

// ErrOrganizationExists is returned when an organization was already created
// from the same checkout session. Callers re-read it with
// FindOrganizationByCheckoutSession.
var ErrOrganizationExists = errors.New("store: organization already created for checkout session")

// ErrSubscriptionExists is returned when a subscription for the organization
// (or with the same provider subscription id) is already recorded.
var ErrSubscriptionExists = errors.New("store: subscription already exists")

// ErrEventAlreadyRecorded is returned when a provider webhook event id has
// been recorded before.
var ErrEventAlreadyRecorded = errors.New("store: stripe event already recorded")

// ─── CONTRACT ────────────────────────────────────────────────────────────────

// Sessions resolves authenticated callers.
type Sessions interface {
	GetSessionByToken(ctx context.Context, token string) (AuthSession, error)

	// LatestSessionForUser returns the user's unexpired session with the
	// latest expiry.
	LatestSessionForUser(ctx context.Context, userID string, now time.Time) (AuthSession, error)
	GetUser(ctx context.Context, id string) (User, error)
}

// Organizations covers the organization and membership records.
type Organizations interface {
	FindOrganizationBySiret(ctx context.Context, siret string) (Organization, error)
	FindOrganizationByCheckoutSession(ctx context.Context, checkoutSessionID string) (Organization, error)

	// BootstrapOrganization performs every write in BootstrapOrganizationParams
	// atomically and returns the stored organization with its assigned id.
	BootstrapOrganization(ctx context.Context, p BootstrapOrganizationParams) (Organization, error)

	GetMember(ctx context.Context, orgID OrgID, userID string) (Member, error)
	ListMembers(ctx context.Context, orgID OrgID) ([]Member, error)
}

// Subscriptions covers the local subscription records.
type Subscriptions interface {
	// FindSubscription returns any subscription whose provider subscription id
	// equals stripeSubscriptionID, or whose referenceId / organizationId equals
	// orgID.
	FindSubscription(ctx context.Context, stripeSubscriptionID string, orgID OrgID) (Subscription, error)

	// CreateSubscription inserts the subscription and marks the organization as
	// onboarded (plus trial fields when Trial is set) in one transaction.
	CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (Subscription, error)

	GetSubscriptionByReference(ctx context.Context, referenceID string) (Subscription, error)

	// UpdateSubscriptionPlan sets the plan and flags the record for a seat sync.
	UpdateSubscriptionPlan(ctx context.Context, referenceID, plan string, now time.Time) (Subscription, error)

	SyncSubscription(ctx context.Context, p SyncSubscriptionParams) (Subscription, error)

	ListPendingSeatSyncs(ctx context.Context) ([]Subscription, error)
	MarkSeatSyncPending(ctx context.Context, referenceID string) error
	SetSeatQuantity(ctx context.Context, referenceID string, quantity int, now time.Time) error
	MarkSeatSyncFailed(ctx context.Context, referenceID, reason string, now time.Time) error
}

// Events is the webhook idempotency ledger.
type Events interface {
	RecordStripeEvent(ctx context.Context, eventID, eventType string, payload []byte) error
	MarkStripeEventProcessed(ctx context.Context, eventID string) error
	MarkStripeEventFailed(ctx context.Context, eventID, reason string) error
}

// Store is implemented by every backend.
type Store interface {
	Sessions
	Organizations
	Subscriptions
	Events

	// Migrate creates indexes / schema. Safe to run repeatedly.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// Collection names are shared with the auth layer and must not change.
const (
	colOrganization = "organization"
	colMember       = "member"
	colSession      = "session"
	colUser         = "user"
	colSubscription = "subscription"
	colStripeEvent  = "stripe_event"
)

// Index names appear in duplicate-key error messages and are matched there.
const (
	idxOrgSiret           = "organization_siret_unique"
	idxOrgCheckoutSession = "organization_checkout_session_unique"
	idxSubReference       = "subscription_reference_unique"
	idxSubStripeID        = "subscription_stripe_id_unique"
)

// ─── DOCUMENTS ───────────────────────────────────────────────────────────────
// Identifier fields are typed any: records written by the auth layer may hold
// either an ObjectId or a plain string.

type userDoc struct {
	ID                any       `bson:"_id"`
	Email             string    `bson:"email"`
	Name              string    `bson:"name"`
	HasSeenOnboarding bool      `bson:"hasSeenOnboarding"`
	UpdatedAt         time.Time `bson:"updatedAt,omitempty"`
}

type sessionDoc struct {
	ID                   any       `bson:"_id"`
	Token                string    `bson:"token"`
	UserID               any       `bson:"userId"`
	ActiveOrganizationID any       `bson:"activeOrganizationId,omitempty"`
	ExpiresAt            time.Time `bson:"expiresAt"`
}

type organizationDoc struct {
	ID        any       `bson:"_id,omitempty"`
	LegacyID  string    `bson:"id,omitempty"`
	Name      string    `bson:"name"`
	Slug      string    `bson:"slug"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt,omitempty"`

	CompanyName      string `bson:"companyName"`
	Siret            string `bson:"siret"`
	Siren            string `bson:"siren"`
	EmployeeCount    string `bson:"employeeCount"`
	OrganizationType string `bson:"organizationType"`
	LegalForm        string `bson:"legalForm"`
	AddressStreet    string `bson:"addressStreet"`
	AddressCity      string `bson:"addressCity"`
	AddressZipCode   string `bson:"addressZipCode"`
	AddressCountry   string `bson:"addressCountry"`
	ActivitySector   string `bson:"activitySector"`
	ActivityCategory string `bson:"activityCategory"`

	OnboardingCompleted bool   `bson:"onboardingCompleted"`
	Metadata            string `bson:"metadata"`

	StripeCheckoutSessionID string `bson:"stripeCheckoutSessionId,omitempty"`

	IsTrialActive     bool   `bson:"isTrialActive,omitempty"`
	TrialStartDate    string `bson:"trialStartDate,omitempty"`
	TrialEndDate      string `bson:"trialEndDate,omitempty"`
	StripeTrialActive bool   `bson:"stripeTrialActive,omitempty"`
}

type memberDoc struct {
	ID             any       `bson:"_id,omitempty"`
	UserID         any       `bson:"userId"`
	OrganizationID any       `bson:"organizationId"`
	Role           string    `bson:"role"`
	CreatedAt      time.Time `bson:"createdAt"`
}

type subscriptionDoc struct {
	ID                   any    `bson:"_id,omitempty"`
	Plan                 string `bson:"plan"`
	ReferenceID          string `bson:"referenceId"`
	OrganizationID       string `bson:"organizationId,omitempty"`
	StripeCustomerID     string `bson:"stripeCustomerId"`
	StripeSubscriptionID string `bson:"stripeSubscriptionId"`
	Status               string `bson:"status"`

	Seats           int    `bson:"seats"`
	SeatQuantity    int    `bson:"seatQuantity"`
	SeatSyncPending bool   `bson:"seatSyncPending"`
	SeatSyncError   string `bson:"seatSyncError,omitempty"`

	CancelAtPeriodEnd  bool      `bson:"cancelAtPeriodEnd"`
	PeriodStart        time.Time `bson:"periodStart"`
	PeriodEnd          time.Time `bson:"periodEnd"`
	CurrentPeriodStart time.Time `bson:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `bson:"currentPeriodEnd"`

	CreatedVia string    `bson:"createdVia,omitempty"`
	CreatedAt  time.Time `bson:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

type stripeEventDoc struct {
	ID          string     `bson:"_id"`
	Type        string     `bson:"type"`
	Payload     string     `bson:"payload"`
	Status      string     `bson:"status"`
	Error       string     `bson:"error,omitempty"`
	ReceivedAt  time.Time  `bson:"receivedAt"`
	ProcessedAt *time.Time `bson:"processedAt,omitempty"`
}

// ─── ID RESOLUTION ───────────────────────────────────────────────────────────

// idString renders a stored identifier of either form as a string.
func idString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return ""
	}
}

// ref returns the native value stored for an id: an ObjectId when id is
// structured, the raw string otherwise.
func ref(id store.OrgID) any {
	if id.Structured() {
		if oid, err := primitive.ObjectIDFromHex(id.String()); err == nil {
			return oid
		}
	}
	return id.String()
}

// anyRef matches a reference field stored in either form.
func anyRef(id store.OrgID) bson.M {
	return bson.M{"$in": bson.A{ref(id), id.String()}}
}

// orgFilter is the single resolver from an OrgID to an organization filter.
func orgFilter(id store.OrgID) bson.M {
	if id.Structured() {
		return bson.M{"_id": ref(id)}
	}
	return bson.M{"id": id.String()}
}

func userFilter(userID string) bson.M {
	return bson.M{"_id": ref(store.ParseOrgID(userID))}
}

// ─── CONVERSIONS ─────────────────────────────────────────────────────────────

func (d userDoc) toUser() store.User {
	return store.User{
		ID:                idString(d.ID),
		Email:             d.Email,
		Name:              d.Name,
		HasSeenOnboarding: d.HasSeenOnboarding,
		UpdatedAt:         d.UpdatedAt,
	}
}

func (d sessionDoc) toSession() store.AuthSession {
	return store.AuthSession{
		ID:                   idString(d.ID),
		Token:                d.Token,
		UserID:               idString(d.UserID),
		ActiveOrganizationID: idString(d.ActiveOrganizationID),
		ExpiresAt:            d.ExpiresAt,
	}
}

func newOrganizationDoc(o store.Organization) organizationDoc {
	return organizationDoc{
		ID:                      primitive.NewObjectID(),
		Name:                    o.Name,
		Slug:                    o.Slug,
		CreatedAt:               o.CreatedAt,
		UpdatedAt:               o.UpdatedAt,
		CompanyName:             o.CompanyName,
		Siret:                   o.Siret,
		Siren:                   o.Siren,
		EmployeeCount:           o.EmployeeCount,
		OrganizationType:        o.OrganizationType,
		LegalForm:               o.LegalForm,
		AddressStreet:           o.AddressStreet,
		AddressCity:             o.AddressCity,
		AddressZipCode:          o.AddressZipCode,
		AddressCountry:          o.AddressCountry,
		ActivitySector:          o.ActivitySector,
		ActivityCategory:        o.ActivityCategory,
		OnboardingCompleted:     o.OnboardingCompleted,
		Metadata:                o.Metadata,
		StripeCheckoutSessionID: o.StripeCheckoutSessionID,
	}
}

func (d organizationDoc) toOrganization() store.Organization {
	id := idString(d.ID)
	if d.LegacyID != "" {
		id = d.LegacyID
	}
	return store.Organization{
		ID:                      id,
		Name:                    d.Name,
		Slug:                    d.Slug,
		CreatedAt:               d.CreatedAt,
		UpdatedAt:               d.UpdatedAt,
		CompanyName:             d.CompanyName,
		Siret:                   d.Siret,
		Siren:                   d.Siren,
		EmployeeCount:           d.EmployeeCount,
		OrganizationType:        d.OrganizationType,
		LegalForm:               d.LegalForm,
		AddressStreet:           d.AddressStreet,
		AddressCity:             d.AddressCity,
		AddressZipCode:          d.AddressZipCode,
		AddressCountry:          d.AddressCountry,
		ActivitySector:          d.ActivitySector,
		ActivityCategory:        d.ActivityCategory,
		OnboardingCompleted:     d.OnboardingCompleted,
		Metadata:                d.Metadata,
		StripeCheckoutSessionID: d.StripeCheckoutSessionID,
		IsTrialActive:           d.IsTrialActive,
		TrialStartDate:          d.TrialStartDate,
		TrialEndDate:            d.TrialEndDate,
		StripeTrialActive:       d.StripeTrialActive,
	}
}

func (d memberDoc) toMember() store.Member {
	return store.Member{
		ID:             idString(d.ID),
		UserID:         idString(d.UserID),
		OrganizationID: idString(d.OrganizationID),
		Role:           d.Role,
		CreatedAt:      d.CreatedAt,
	}
}

func newSubscriptionDoc(s store.Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID:                   primitive.NewObjectID(),
		Plan:                 s.Plan,
		ReferenceID:          s.ReferenceID,
		OrganizationID:       s.OrganizationID,
		StripeCustomerID:     s.StripeCustomerID,
		StripeSubscriptionID: s.StripeSubscriptionID,
		Status:               s.Status,
		Seats:                s.Seats,
		SeatQuantity:         s.SeatQuantity,
		SeatSyncPending:      s.SeatSyncPending,
		CancelAtPeriodEnd:    s.CancelAtPeriodEnd,
		PeriodStart:          s.PeriodStart,
		PeriodEnd:            s.PeriodEnd,
		CurrentPeriodStart:   s.CurrentPeriodStart,
		CurrentPeriodEnd:     s.CurrentPeriodEnd,
		CreatedVia:           s.CreatedVia,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func (d subscriptionDoc) toSubscription() store.Subscription {
	return store.Subscription{
		ID:                   idString(d.ID),
		Plan:                 d.Plan,
		ReferenceID:          d.ReferenceID,
		OrganizationID:       d.OrganizationID,
		StripeCustomerID:     d.StripeCustomerID,
		StripeSubscriptionID: d.StripeSubscriptionID,
		Status:               d.Status,
		Seats:                d.Seats,
		SeatQuantity:         d.SeatQuantity,
		SeatSyncPending:      d.SeatSyncPending,
		SeatSyncError:        d.SeatSyncError,
		CancelAtPeriodEnd:    d.CancelAtPeriodEnd,
		PeriodStart:          d.PeriodStart,
		PeriodEnd:            d.PeriodEnd,
		CurrentPeriodStart:   d.CurrentPeriodStart,
		CurrentPeriodEnd:     d.CurrentPeriodEnd,
		CreatedVia:           d.CreatedVia,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

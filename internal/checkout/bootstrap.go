package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// Organization defaults applied when the checkout metadata omits a field.
const (
	DefaultOrganizationName = "Mon entreprise"
	DefaultOrganizationType = "business"
	DefaultCountry          = "France"
)

// Bootstrapper creates the organization a checkout session was bought for.
type Bootstrapper struct {
	orgs    store.Organizations
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewBootstrapper(orgs store.Organizations, m *metrics.Metrics, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{orgs: orgs, metrics: m, logger: logger}
}

// Bootstrap returns the organization created from session, creating it with
// its owner membership when it does not exist yet. A non-empty siret already
// held by another organization yields store.ErrDuplicateRegistration.
func (b *Bootstrapper) Bootstrap(ctx context.Context, s stripeinternal.CheckoutSession, userID string, now time.Time) (store.Organization, error) {
	existing, err := b.orgs.FindOrganizationByCheckoutSession(ctx, s.ID)
	switch {
	case err == nil:
		b.logger.Info("checkout: organization already bootstrapped", "checkout_session_id", s.ID, "organization_id", existing.ID)
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.Organization{}, fmt.Errorf("Bootstrap: find by checkout session: %w", err)
	}

	org := organizationFromMetadata(s, userID, now)

	if org.Siret != "" {
		holder, err := b.orgs.FindOrganizationBySiret(ctx, org.Siret)
		switch {
		case err == nil:
			b.logger.Warn("checkout: siret already registered",
				"siret", org.Siret, "organization_id", holder.ID, "checkout_session_id", s.ID)
			return store.Organization{}, store.ErrDuplicateRegistration
		case !errors.Is(err, store.ErrNotFound):
			return store.Organization{}, fmt.Errorf("Bootstrap: find by siret: %w", err)
		}
	}

	created, err := b.orgs.BootstrapOrganization(ctx, store.BootstrapOrganizationParams{
		Organization: org,
		OwnerUserID:  userID,
		Now:          now,
	})
	if errors.Is(err, store.ErrOrganizationExists) {
		// Lost the race against a concurrent verification or the webhook.
		return b.orgs.FindOrganizationByCheckoutSession(ctx, s.ID)
	}
	if err != nil {
		return store.Organization{}, fmt.Errorf("Bootstrap: %w", err)
	}

	b.metrics.OrganizationBootstrapped()
	b.logger.Info("checkout: organization bootstrapped",
		"organization_id", created.ID, "user_id", userID, "checkout_session_id", s.ID)
	return created, nil
}

func organizationFromMetadata(s stripeinternal.CheckoutSession, userID string, now time.Time) store.Organization {
	md := s.Metadata

	name := firstNonEmpty(md["orgName"], md["companyName"], DefaultOrganizationName)
	orgType := firstNonEmpty(md["orgType"], DefaultOrganizationType)

	return store.Organization{
		Name:             name,
		Slug:             Slug(userID, now),
		CreatedAt:        now,
		UpdatedAt:        now,
		CompanyName:      firstNonEmpty(md["companyName"], name),
		Siret:            md["siret"],
		Siren:            md["siren"],
		EmployeeCount:    md["employeeCount"],
		OrganizationType: orgType,
		LegalForm:        md["legalForm"],
		AddressStreet:    md["addressStreet"],
		AddressCity:      md["addressCity"],
		AddressZipCode:   md["addressZipCode"],
		AddressCountry:   firstNonEmpty(md["addressCountry"], DefaultCountry),
		ActivitySector:   md["activitySector"],
		ActivityCategory: md["activityCategory"],

		OnboardingCompleted:     true,
		Metadata:                organizationMetadata(orgType, now),
		StripeCheckoutSessionID: s.ID,
	}
}

// Slug derives "org-<last 8 chars of user id>-<base36 unix millis>".
func Slug(userID string, now time.Time) string {
	tail := userID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "org-" + tail + "-" + strconv.FormatInt(now.UnixMilli(), 36)
}

func organizationMetadata(orgType string, now time.Time) string {
	b, _ := json.Marshal(struct {
		Type               string `json:"type"`
		CreatedAt          string `json:"createdAt"`
		CreatedViaFallback bool   `json:"createdViaFallback"`
	}{orgType, ISOTime(now), true})
	return string(b)
}

// ISOTime formats t as a UTC ISO-8601 string with milliseconds.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

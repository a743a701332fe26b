package mongostore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
	"github.com/nyashahama/workspace-billing-backend/internal/store/mongostore"
)

// ─── TEST INFRASTRUCTURE ──────────────────────────────────────────────────────

// openTestStore connects to MONGODB_URI and returns a store on a throwaway
// database. Skips when the variable is unset.
func openTestStore(t *testing.T) (*mongostore.Store, *mongo.Database) {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping mongostore integration tests")
	}
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	name := fmt.Sprintf("billing_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = client.Database(name).Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	st := mongostore.New(client, name, os.Getenv("MONGODB_TRANSACTIONS") == "true")
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st, client.Database(name)
}

func seedUser(t *testing.T, db *mongo.Database) (string, primitive.ObjectID) {
	t.Helper()
	oid := primitive.NewObjectID()
	_, err := db.Collection("user").InsertOne(context.Background(), bson.M{
		"_id": oid, "email": "owner@example.com", "name": "Owner",
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	_, err = db.Collection("session").InsertOne(context.Background(), bson.M{
		"token": "tok_" + oid.Hex(), "userId": oid.Hex(), "expiresAt": time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return oid.Hex(), oid
}

// ─── BootstrapOrganization ───────────────────────────────────────────────────

func TestBootstrapOrganization_WritesEveryRecord(t *testing.T) {
	st, db := openTestStore(t)
	ctx := context.Background()
	userID, userOID := seedUser(t, db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	org, err := st.BootstrapOrganization(ctx, store.BootstrapOrganizationParams{
		Organization: store.Organization{
			Name: "Acme", Slug: "org-test", Siret: "12345678900011",
			StripeCheckoutSessionID: "cs_test_1", OnboardingCompleted: true,
			CreatedAt: now, UpdatedAt: now,
		},
		OwnerUserID: userID,
		Now:         now,
	})
	if err != nil {
		t.Fatalf("BootstrapOrganization: %v", err)
	}

	stored, err := st.FindOrganizationByCheckoutSession(ctx, "cs_test_1")
	if err != nil {
		t.Fatalf("FindOrganizationByCheckoutSession: %v", err)
	}
	if !stored.UpdatedAt.Equal(now) {
		t.Errorf("updatedAt: got %v, want %v", stored.UpdatedAt, now)
	}
	if !store.ParseOrgID(org.ID).Structured() {
		t.Fatalf("expected structured id, got %q", org.ID)
	}

	m, err := st.GetMember(ctx, store.ParseOrgID(org.ID), userID)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m.Role != store.RoleOwner {
		t.Errorf("role: got %q", m.Role)
	}

	sess, err := st.GetSessionByToken(ctx, "tok_"+userOID.Hex())
	if err != nil {
		t.Fatalf("GetSessionByToken: %v", err)
	}
	if sess.ActiveOrganizationID != org.ID {
		t.Errorf("activeOrganizationId: got %q, want %q", sess.ActiveOrganizationID, org.ID)
	}

	u, err := st.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.HasSeenOnboarding {
		t.Error("expected hasSeenOnboarding=true")
	}
}

func TestBootstrapOrganization_DuplicateSiret(t *testing.T) {
	st, db := openTestStore(t)
	ctx := context.Background()
	userID, _ := seedUser(t, db)

	p := store.BootstrapOrganizationParams{
		Organization: store.Organization{Name: "A", Siret: "99999999900011", StripeCheckoutSessionID: "cs_a"},
		OwnerUserID:  userID,
		Now:          time.Now(),
	}
	if _, err := st.BootstrapOrganization(ctx, p); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	p.Organization.StripeCheckoutSessionID = "cs_b"
	if _, err := st.BootstrapOrganization(ctx, p); !errors.Is(err, store.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestBootstrapOrganization_SameCheckoutSessionEmptySiret(t *testing.T) {
	st, db := openTestStore(t)
	ctx := context.Background()
	userID, _ := seedUser(t, db)

	p := store.BootstrapOrganizationParams{
		Organization: store.Organization{Name: "A", StripeCheckoutSessionID: "cs_same"},
		OwnerUserID:  userID,
		Now:          time.Now(),
	}
	if _, err := st.BootstrapOrganization(ctx, p); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if _, err := st.BootstrapOrganization(ctx, p); !errors.Is(err, store.ErrOrganizationExists) {
		t.Fatalf("expected ErrOrganizationExists, got %v", err)
	}
}

// ─── CreateSubscription ──────────────────────────────────────────────────────

func TestCreateSubscription_UpdatesLegacyOrganization(t *testing.T) {
	st, db := openTestStore(t)
	ctx := context.Background()

	_, err := db.Collection("organization").InsertOne(ctx, bson.M{"id": "legacy-org-1", "name": "Legacy"})
	if err != nil {
		t.Fatalf("seed org: %v", err)
	}

	orgID := store.ParseOrgID("legacy-org-1")
	_, err = st.CreateSubscription(ctx, store.CreateSubscriptionParams{
		Subscription: store.Subscription{
			Plan: "pme", ReferenceID: orgID.String(), StripeSubscriptionID: "sub_1", Status: "trialing", Seats: 1,
		},
		OrganizationID: orgID,
		Trial:          &store.TrialUpdate{StartDate: "2026-01-01T00:00:00.000Z", EndDate: "2026-01-31T00:00:00.000Z"},
		Now:            time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	var got bson.M
	if err := db.Collection("organization").FindOne(ctx, bson.M{"id": "legacy-org-1"}).Decode(&got); err != nil {
		t.Fatalf("read org: %v", err)
	}
	if got["onboardingCompleted"] != true || got["isTrialActive"] != true {
		t.Errorf("organization not updated: %v", got)
	}

	_, err = st.CreateSubscription(ctx, store.CreateSubscriptionParams{
		Subscription:   store.Subscription{ReferenceID: orgID.String(), StripeSubscriptionID: "sub_1"},
		OrganizationID: orgID,
		Now:            time.Now(),
	})
	if !errors.Is(err, store.ErrSubscriptionExists) {
		t.Fatalf("expected ErrSubscriptionExists, got %v", err)
	}

	sub, err := st.FindSubscription(ctx, "", orgID)
	if err != nil {
		t.Fatalf("FindSubscription: %v", err)
	}
	if sub.StripeSubscriptionID != "sub_1" {
		t.Errorf("stripeSubscriptionId: got %q", sub.StripeSubscriptionID)
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

func TestRecordStripeEvent_DuplicateAndRetryAfterFailure(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	if err := st.RecordStripeEvent(ctx, "evt_1", "checkout.session.completed", []byte(`{}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := st.RecordStripeEvent(ctx, "evt_1", "checkout.session.completed", []byte(`{}`)); !errors.Is(err, store.ErrEventAlreadyRecorded) {
		t.Fatalf("expected ErrEventAlreadyRecorded, got %v", err)
	}
	if err := st.MarkStripeEventFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := st.RecordStripeEvent(ctx, "evt_1", "checkout.session.completed", []byte(`{}`)); err != nil {
		t.Fatalf("expected failed event to be re-armed, got %v", err)
	}
}

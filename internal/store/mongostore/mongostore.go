// Package mongostore implements store.Store on MongoDB. It shares the
// organization, member, session, user and subscription collections with the
// auth layer, and owns the stripe_event ledger.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// Config selects the deployment and database.
type Config struct {
	URI      string
	Database string

	// Transactions wraps multi-step writes in a multi-document transaction.
	// Requires a replica set; disable for a standalone development server.
	Transactions bool
}

// Store is the MongoDB-backed store.Store.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions bool
}

var _ store.Store = (*Store)(nil)

// Open connects and verifies the deployment is reachable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	return New(client, cfg.Database, cfg.Transactions), nil
}

// New wraps an already-connected client.
func New(client *mongo.Client, database string, transactions bool) *Store {
	return &Store{
		client:       client,
		db:           client.Database(database),
		transactions: transactions,
	}
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// withTx runs fn inside a transaction when enabled. fn may be invoked more
// than once on transient errors and must only touch the database.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.transactions {
		return fn(ctx)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongostore: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// duplicateOn reports whether err is a duplicate-key error on index.
func duplicateOn(err error, index string) bool {
	return mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), index)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

// ─── LIFECYCLE ───────────────────────────────────────────────────────────────

// Migrate creates the indexes the uniqueness rules depend on.
func (s *Store) Migrate(ctx context.Context) error {
	nonEmpty := bson.M{"$gt": ""}

	specs := map[string][]mongo.IndexModel{
		colOrganization: {
			{
				Keys: bson.D{{Key: "siret", Value: 1}},
				Options: options.Index().SetName(idxOrgSiret).SetUnique(true).
					SetPartialFilterExpression(bson.M{"siret": nonEmpty}),
			},
			{
				Keys: bson.D{{Key: "stripeCheckoutSessionId", Value: 1}},
				Options: options.Index().SetName(idxOrgCheckoutSession).SetUnique(true).
					SetPartialFilterExpression(bson.M{"stripeCheckoutSessionId": nonEmpty}),
			},
		},
		colSubscription: {
			{
				Keys:    bson.D{{Key: "referenceId", Value: 1}},
				Options: options.Index().SetName(idxSubReference).SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "stripeSubscriptionId", Value: 1}},
				Options: options.Index().SetName(idxSubStripeID).SetUnique(true).
					SetPartialFilterExpression(bson.M{"stripeSubscriptionId": nonEmpty}),
			},
			{Keys: bson.D{{Key: "seatSyncPending", Value: 1}}},
		},
		colMember: {
			{Keys: bson.D{{Key: "organizationId", Value: 1}, {Key: "userId", Value: 1}}},
		},
		colSession: {
			{Keys: bson.D{{Key: "token", Value: 1}}},
			{Keys: bson.D{{Key: "userId", Value: 1}}},
		},
	}

	for name, models := range specs {
		if _, err := s.col(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: create indexes on %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ─── SESSIONS ────────────────────────────────────────────────────────────────

func (s *Store) GetSessionByToken(ctx context.Context, token string) (store.AuthSession, error) {
	var d sessionDoc
	if err := s.col(colSession).FindOne(ctx, bson.M{"token": token}).Decode(&d); err != nil {
		return store.AuthSession{}, notFound(err)
	}
	return d.toSession(), nil
}

func (s *Store) LatestSessionForUser(ctx context.Context, userID string, now time.Time) (store.AuthSession, error) {
	var d sessionDoc
	err := s.col(colSession).FindOne(ctx,
		bson.M{"userId": ref(store.ParseOrgID(userID)), "expiresAt": bson.M{"$gt": now}},
		options.FindOne().SetSort(bson.D{{Key: "expiresAt", Value: -1}}),
	).Decode(&d)
	if err != nil {
		return store.AuthSession{}, notFound(err)
	}
	return d.toSession(), nil
}

func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	var d userDoc
	if err := s.col(colUser).FindOne(ctx, userFilter(id)).Decode(&d); err != nil {
		return store.User{}, notFound(err)
	}
	return d.toUser(), nil
}

// ─── ORGANIZATIONS ───────────────────────────────────────────────────────────

func (s *Store) findOrganization(ctx context.Context, filter bson.M) (store.Organization, error) {
	var d organizationDoc
	if err := s.col(colOrganization).FindOne(ctx, filter).Decode(&d); err != nil {
		return store.Organization{}, notFound(err)
	}
	return d.toOrganization(), nil
}

func (s *Store) FindOrganizationBySiret(ctx context.Context, siret string) (store.Organization, error) {
	if siret == "" {
		return store.Organization{}, store.ErrNotFound
	}
	return s.findOrganization(ctx, bson.M{"siret": siret})
}

func (s *Store) FindOrganizationByCheckoutSession(ctx context.Context, checkoutSessionID string) (store.Organization, error) {
	if checkoutSessionID == "" {
		return store.Organization{}, store.ErrNotFound
	}
	return s.findOrganization(ctx, bson.M{"stripeCheckoutSessionId": checkoutSessionID})
}

// BootstrapOrganization inserts the organization and the owner membership,
// points every session of the owner at the new organization and marks the
// owner as onboarded.
func (s *Store) BootstrapOrganization(ctx context.Context, p store.BootstrapOrganizationParams) (store.Organization, error) {
	var created store.Organization

	err := s.withTx(ctx, func(ctx context.Context) error {
		doc := newOrganizationDoc(p.Organization)
		if _, err := s.col(colOrganization).InsertOne(ctx, doc); err != nil {
			switch {
			case duplicateOn(err, idxOrgSiret):
				return store.ErrDuplicateRegistration
			case duplicateOn(err, idxOrgCheckoutSession):
				return store.ErrOrganizationExists
			}
			return fmt.Errorf("BootstrapOrganization: insert organization: %w", err)
		}
		created = doc.toOrganization()
		orgID := store.ParseOrgID(created.ID)

		_, err := s.col(colMember).InsertOne(ctx, memberDoc{
			UserID:         ref(store.ParseOrgID(p.OwnerUserID)),
			OrganizationID: ref(orgID),
			Role:           store.RoleOwner,
			CreatedAt:      p.Now,
		})
		if err != nil {
			return fmt.Errorf("BootstrapOrganization: insert member: %w", err)
		}

		_, err = s.col(colSession).UpdateMany(ctx,
			bson.M{"userId": anyRef(store.ParseOrgID(p.OwnerUserID))},
			bson.M{"$set": bson.M{"activeOrganizationId": created.ID}},
		)
		if err != nil {
			return fmt.Errorf("BootstrapOrganization: update sessions: %w", err)
		}

		_, err = s.col(colUser).UpdateOne(ctx,
			userFilter(p.OwnerUserID),
			bson.M{"$set": bson.M{"hasSeenOnboarding": true, "updatedAt": p.Now}},
		)
		if err != nil {
			return fmt.Errorf("BootstrapOrganization: update user: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Organization{}, err
	}
	return created, nil
}

func (s *Store) GetMember(ctx context.Context, orgID store.OrgID, userID string) (store.Member, error) {
	var d memberDoc
	err := s.col(colMember).FindOne(ctx, bson.M{
		"organizationId": anyRef(orgID),
		"userId":         anyRef(store.ParseOrgID(userID)),
	}).Decode(&d)
	if err != nil {
		return store.Member{}, notFound(err)
	}
	return d.toMember(), nil
}

// ListMembers returns the organization's members, newest first, with the
// email and name of each member's user.
func (s *Store) ListMembers(ctx context.Context, orgID store.OrgID) ([]store.Member, error) {
	cur, err := s.col(colMember).Find(ctx,
		bson.M{"organizationId": anyRef(orgID)},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("ListMembers: find members: %w", err)
	}
	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ListMembers: decode members: %w", err)
	}

	members := make([]store.Member, len(docs))
	userRefs := make(bson.A, 0, len(docs))
	for i, d := range docs {
		members[i] = d.toMember()
		userRefs = append(userRefs, ref(store.ParseOrgID(members[i].UserID)))
	}
	if len(userRefs) == 0 {
		return members, nil
	}

	ucur, err := s.col(colUser).Find(ctx, bson.M{"_id": bson.M{"$in": userRefs}})
	if err != nil {
		return nil, fmt.Errorf("ListMembers: find users: %w", err)
	}
	var users []userDoc
	if err := ucur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("ListMembers: decode users: %w", err)
	}
	byID := make(map[string]userDoc, len(users))
	for _, u := range users {
		byID[idString(u.ID)] = u
	}
	for i := range members {
		if u, ok := byID[members[i].UserID]; ok {
			members[i].Email = u.Email
			members[i].Name = u.Name
		}
	}
	return members, nil
}

// ─── SUBSCRIPTIONS ───────────────────────────────────────────────────────────

func (s *Store) findSubscription(ctx context.Context, filter bson.M) (store.Subscription, error) {
	var d subscriptionDoc
	if err := s.col(colSubscription).FindOne(ctx, filter).Decode(&d); err != nil {
		return store.Subscription{}, notFound(err)
	}
	return d.toSubscription(), nil
}

func (s *Store) FindSubscription(ctx context.Context, stripeSubscriptionID string, orgID store.OrgID) (store.Subscription, error) {
	var or bson.A
	if stripeSubscriptionID != "" {
		or = append(or, bson.M{"stripeSubscriptionId": stripeSubscriptionID})
	}
	if !orgID.IsZero() {
		or = append(or,
			bson.M{"referenceId": orgID.String()},
			bson.M{"organizationId": orgID.String()},
		)
	}
	if len(or) == 0 {
		return store.Subscription{}, store.ErrNotFound
	}
	return s.findSubscription(ctx, bson.M{"$or": or})
}

func (s *Store) CreateSubscription(ctx context.Context, p store.CreateSubscriptionParams) (store.Subscription, error) {
	var created store.Subscription

	err := s.withTx(ctx, func(ctx context.Context) error {
		doc := newSubscriptionDoc(p.Subscription)
		if _, err := s.col(colSubscription).InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return store.ErrSubscriptionExists
			}
			return fmt.Errorf("CreateSubscription: insert subscription: %w", err)
		}
		created = doc.toSubscription()

		set := bson.M{"onboardingCompleted": true, "updatedAt": p.Now}
		if p.Trial != nil {
			set["isTrialActive"] = true
			set["trialStartDate"] = p.Trial.StartDate
			set["trialEndDate"] = p.Trial.EndDate
			set["stripeTrialActive"] = true
		}
		if _, err := s.col(colOrganization).UpdateOne(ctx, orgFilter(p.OrganizationID), bson.M{"$set": set}); err != nil {
			return fmt.Errorf("CreateSubscription: update organization: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Subscription{}, err
	}
	return created, nil
}

func (s *Store) GetSubscriptionByReference(ctx context.Context, referenceID string) (store.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"referenceId": referenceID})
}

func (s *Store) updateSubscription(ctx context.Context, filter, set bson.M) (store.Subscription, error) {
	var d subscriptionDoc
	err := s.col(colSubscription).FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return store.Subscription{}, notFound(err)
	}
	return d.toSubscription(), nil
}

func (s *Store) UpdateSubscriptionPlan(ctx context.Context, referenceID, plan string, now time.Time) (store.Subscription, error) {
	return s.updateSubscription(ctx,
		bson.M{"referenceId": referenceID},
		bson.M{"plan": plan, "seatSyncPending": true, "updatedAt": now},
	)
}

func (s *Store) SyncSubscription(ctx context.Context, p store.SyncSubscriptionParams) (store.Subscription, error) {
	set := bson.M{
		"status":            p.Status,
		"cancelAtPeriodEnd": p.CancelAtPeriodEnd,
		"updatedAt":         p.Now,
	}
	if !p.CurrentPeriodStart.IsZero() {
		set["currentPeriodStart"] = p.CurrentPeriodStart
		set["periodStart"] = p.CurrentPeriodStart
	}
	if !p.CurrentPeriodEnd.IsZero() {
		set["currentPeriodEnd"] = p.CurrentPeriodEnd
		set["periodEnd"] = p.CurrentPeriodEnd
	}
	return s.updateSubscription(ctx, bson.M{"stripeSubscriptionId": p.StripeSubscriptionID}, set)
}

func (s *Store) ListPendingSeatSyncs(ctx context.Context) ([]store.Subscription, error) {
	cur, err := s.col(colSubscription).Find(ctx, bson.M{"seatSyncPending": true})
	if err != nil {
		return nil, fmt.Errorf("ListPendingSeatSyncs: find: %w", err)
	}
	var docs []subscriptionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("ListPendingSeatSyncs: decode: %w", err)
	}
	out := make([]store.Subscription, len(docs))
	for i, d := range docs {
		out[i] = d.toSubscription()
	}
	return out, nil
}

func (s *Store) MarkSeatSyncPending(ctx context.Context, referenceID string) error {
	_, err := s.updateSubscription(ctx, bson.M{"referenceId": referenceID}, bson.M{"seatSyncPending": true})
	return err
}

func (s *Store) SetSeatQuantity(ctx context.Context, referenceID string, quantity int, now time.Time) error {
	_, err := s.updateSubscription(ctx, bson.M{"referenceId": referenceID}, bson.M{
		"seatQuantity":    quantity,
		"seatSyncPending": false,
		"seatSyncError":   "",
		"updatedAt":       now,
	})
	return err
}

func (s *Store) MarkSeatSyncFailed(ctx context.Context, referenceID, reason string, now time.Time) error {
	_, err := s.updateSubscription(ctx, bson.M{"referenceId": referenceID}, bson.M{
		"seatSyncPending": false,
		"seatSyncError":   reason,
		"updatedAt":       now,
	})
	return err
}

// ─── EVENTS ──────────────────────────────────────────────────────────────────

// RecordStripeEvent inserts the event keyed by its id. An event previously
// marked failed is re-armed so a provider retry is processed again.
func (s *Store) RecordStripeEvent(ctx context.Context, eventID, eventType string, payload []byte) error {
	_, err := s.col(colStripeEvent).InsertOne(ctx, stripeEventDoc{
		ID:         eventID,
		Type:       eventType,
		Payload:    string(payload),
		Status:     "received",
		ReceivedAt: time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("RecordStripeEvent: insert: %w", err)
	}

	res, err := s.col(colStripeEvent).UpdateOne(ctx,
		bson.M{"_id": eventID, "status": "failed"},
		bson.M{"$set": bson.M{"status": "received", "error": ""}},
	)
	if err != nil {
		return fmt.Errorf("RecordStripeEvent: re-arm failed event: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrEventAlreadyRecorded
	}
	return nil
}

func (s *Store) MarkStripeEventProcessed(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	res, err := s.col(colStripeEvent).UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$set": bson.M{"status": "processed", "processedAt": now}},
	)
	if err != nil {
		return fmt.Errorf("MarkStripeEventProcessed: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkStripeEventFailed(ctx context.Context, eventID, reason string) error {
	res, err := s.col(colStripeEvent).UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$set": bson.M{"status": "failed", "error": reason}},
	)
	if err != nil {
		return fmt.Errorf("MarkStripeEventFailed: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

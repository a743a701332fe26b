// Package pgstore implements store.Store on PostgreSQL via lib/pq.
//
// Multi-step writes run in serializable transactions through withTx; the
// partial unique indexes in schema.sql are the authoritative guard for the
// siret and checkout-session uniqueness rules.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

//go:embed schema.sql
var schema string

// Constraint names from schema.sql, reported on unique violations.
const (
	constraintOrgSiret           = "organizations_siret_unique"
	constraintOrgCheckoutSession = "organizations_checkout_session_unique"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store holds the connection pool. The pool must already be open and verified
// (see Open) before calling New.
type Store struct {
	pool *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(pool *sql.DB) *Store {
	return &Store{pool: pool}
}

// Open opens and tunes the connection pool and verifies it is reachable.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return New(pool), nil
}

// withTx begins a serializable transaction, passes it to fn, and commits on
// success or rolls back on any error (including panics).
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("pgstore: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("pgstore: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit transaction: %w", err)
	}
	return nil
}

// uniqueViolation reports whether err is a unique violation, optionally on a
// specific constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func jsonb(s string) pqtype.NullRawMessage {
	return pqtype.NullRawMessage{RawMessage: json.RawMessage(s), Valid: s != ""}
}

// ─── LIFECYCLE ───────────────────────────────────────────────────────────────

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.PingContext(ctx) }

func (s *Store) Close(context.Context) error { return s.pool.Close() }

// ─── SESSIONS ────────────────────────────────────────────────────────────────

func (s *Store) GetSessionByToken(ctx context.Context, token string) (store.AuthSession, error) {
	var (
		a      store.AuthSession
		active sql.NullString
	)
	err := s.pool.QueryRowContext(ctx, `
		SELECT id, token, user_id, active_organization_id, expires_at
		FROM auth_sessions WHERE token = $1`, token,
	).Scan(&a.ID, &a.Token, &a.UserID, &active, &a.ExpiresAt)
	if err != nil {
		return store.AuthSession{}, notFound(err)
	}
	a.ActiveOrganizationID = active.String
	return a, nil
}

func (s *Store) LatestSessionForUser(ctx context.Context, userID string, now time.Time) (store.AuthSession, error) {
	var (
		a      store.AuthSession
		active sql.NullString
	)
	err := s.pool.QueryRowContext(ctx, `
		SELECT id, token, user_id, active_organization_id, expires_at
		FROM auth_sessions
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY expires_at DESC
		LIMIT 1`, userID, now,
	).Scan(&a.ID, &a.Token, &a.UserID, &active, &a.ExpiresAt)
	if err != nil {
		return store.AuthSession{}, notFound(err)
	}
	a.ActiveOrganizationID = active.String
	return a, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	var u store.User
	err := s.pool.QueryRowContext(ctx, `
		SELECT id, email, name, has_seen_onboarding, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.HasSeenOnboarding, &u.UpdatedAt)
	if err != nil {
		return store.User{}, notFound(err)
	}
	return u, nil
}

// ─── ORGANIZATIONS ───────────────────────────────────────────────────────────

const organizationColumns = `
	id, name, slug, company_name, siret, siren, employee_count, organization_type,
	legal_form, address_street, address_city, address_zip_code, address_country,
	activity_sector, activity_category, onboarding_completed, metadata,
	stripe_checkout_session_id, is_trial_active, trial_start_date, trial_end_date,
	stripe_trial_active, created_at, updated_at`

func scanOrganization(row *sql.Row) (store.Organization, error) {
	var (
		o        store.Organization
		metadata pqtype.NullRawMessage
		checkout sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.Name, &o.Slug, &o.CompanyName, &o.Siret, &o.Siren, &o.EmployeeCount, &o.OrganizationType,
		&o.LegalForm, &o.AddressStreet, &o.AddressCity, &o.AddressZipCode, &o.AddressCountry,
		&o.ActivitySector, &o.ActivityCategory, &o.OnboardingCompleted, &metadata,
		&checkout, &o.IsTrialActive, &o.TrialStartDate, &o.TrialEndDate,
		&o.StripeTrialActive, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return store.Organization{}, notFound(err)
	}
	if metadata.Valid {
		o.Metadata = string(metadata.RawMessage)
	}
	o.StripeCheckoutSessionID = checkout.String
	return o, nil
}

func (s *Store) FindOrganizationBySiret(ctx context.Context, siret string) (store.Organization, error) {
	if siret == "" {
		return store.Organization{}, store.ErrNotFound
	}
	return scanOrganization(s.pool.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE siret = $1`, siret))
}

func (s *Store) FindOrganizationByCheckoutSession(ctx context.Context, checkoutSessionID string) (store.Organization, error) {
	if checkoutSessionID == "" {
		return store.Organization{}, store.ErrNotFound
	}
	return scanOrganization(s.pool.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE stripe_checkout_session_id = $1`, checkoutSessionID))
}

func (s *Store) BootstrapOrganization(ctx context.Context, p store.BootstrapOrganizationParams) (store.Organization, error) {
	org := p.Organization
	org.ID = uuid.NewString()
	org.UpdatedAt = org.CreatedAt

	err := s.withTx(ctx, func(ctx context.Context, q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO organizations (
				id, name, slug, company_name, siret, siren, employee_count, organization_type,
				legal_form, address_street, address_city, address_zip_code, address_country,
				activity_sector, activity_category, onboarding_completed, metadata,
				stripe_checkout_session_id, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19)`,
			org.ID, org.Name, org.Slug, org.CompanyName, org.Siret, org.Siren, org.EmployeeCount, org.OrganizationType,
			org.LegalForm, org.AddressStreet, org.AddressCity, org.AddressZipCode, org.AddressCountry,
			org.ActivitySector, org.ActivityCategory, org.OnboardingCompleted, jsonb(org.Metadata),
			sql.NullString{String: org.StripeCheckoutSessionID, Valid: org.StripeCheckoutSessionID != ""},
			org.CreatedAt,
		)
		switch {
		case uniqueViolation(err, constraintOrgSiret):
			return store.ErrDuplicateRegistration
		case uniqueViolation(err, constraintOrgCheckoutSession):
			return store.ErrOrganizationExists
		case err != nil:
			return fmt.Errorf("BootstrapOrganization: insert organization: %w", err)
		}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO members (id, user_id, organization_id, role, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), p.OwnerUserID, org.ID, store.RoleOwner, p.Now,
		); err != nil {
			return fmt.Errorf("BootstrapOrganization: insert member: %w", err)
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE auth_sessions SET active_organization_id = $1 WHERE user_id = $2`,
			org.ID, p.OwnerUserID,
		); err != nil {
			return fmt.Errorf("BootstrapOrganization: update sessions: %w", err)
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE users SET has_seen_onboarding = TRUE, updated_at = $1 WHERE id = $2`,
			p.Now, p.OwnerUserID,
		); err != nil {
			return fmt.Errorf("BootstrapOrganization: update user: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Organization{}, err
	}
	return org, nil
}

const memberSelect = `
	SELECT m.id, m.user_id, m.organization_id, m.role, m.created_at,
	       COALESCE(u.email, ''), COALESCE(u.name, '')
	FROM members m LEFT JOIN users u ON u.id = m.user_id`

func scanMember(sc interface{ Scan(...any) error }) (store.Member, error) {
	var m store.Member
	err := sc.Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.Role, &m.CreatedAt, &m.Email, &m.Name)
	return m, err
}

func (s *Store) GetMember(ctx context.Context, orgID store.OrgID, userID string) (store.Member, error) {
	m, err := scanMember(s.pool.QueryRowContext(ctx,
		memberSelect+` WHERE m.organization_id = $1 AND m.user_id = $2`, orgID.String(), userID))
	if err != nil {
		return store.Member{}, notFound(err)
	}
	return m, nil
}

func (s *Store) ListMembers(ctx context.Context, orgID store.OrgID) ([]store.Member, error) {
	rows, err := s.pool.QueryContext(ctx,
		memberSelect+` WHERE m.organization_id = $1 ORDER BY m.created_at DESC`, orgID.String())
	if err != nil {
		return nil, fmt.Errorf("ListMembers: %w", err)
	}
	defer rows.Close()

	var out []store.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMembers: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ─── SUBSCRIPTIONS ───────────────────────────────────────────────────────────

const subscriptionColumns = `
	id, plan, reference_id, organization_id, stripe_customer_id, stripe_subscription_id,
	status, seats, seat_quantity, seat_sync_pending, seat_sync_error, cancel_at_period_end,
	period_start, period_end, current_period_start, current_period_end, created_via,
	created_at, updated_at`

func scanSubscription(sc interface{ Scan(...any) error }) (store.Subscription, error) {
	var sub store.Subscription
	err := sc.Scan(
		&sub.ID, &sub.Plan, &sub.ReferenceID, &sub.OrganizationID, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&sub.Status, &sub.Seats, &sub.SeatQuantity, &sub.SeatSyncPending, &sub.SeatSyncError, &sub.CancelAtPeriodEnd,
		&sub.PeriodStart, &sub.PeriodEnd, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CreatedVia,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	return sub, err
}

func (s *Store) FindSubscription(ctx context.Context, stripeSubscriptionID string, orgID store.OrgID) (store.Subscription, error) {
	if stripeSubscriptionID == "" && orgID.IsZero() {
		return store.Subscription{}, store.ErrNotFound
	}
	sub, err := scanSubscription(s.pool.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE ($1 <> '' AND stripe_subscription_id = $1)
		   OR ($2 <> '' AND (reference_id = $2 OR organization_id = $2))
		LIMIT 1`, stripeSubscriptionID, orgID.String()))
	if err != nil {
		return store.Subscription{}, notFound(err)
	}
	return sub, nil
}

func (s *Store) CreateSubscription(ctx context.Context, p store.CreateSubscriptionParams) (store.Subscription, error) {
	sub := p.Subscription
	sub.ID = uuid.NewString()

	err := s.withTx(ctx, func(ctx context.Context, q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO subscriptions (
				id, plan, reference_id, organization_id, stripe_customer_id, stripe_subscription_id,
				status, seats, seat_quantity, seat_sync_pending, cancel_at_period_end,
				period_start, period_end, current_period_start, current_period_end, created_via,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			sub.ID, sub.Plan, sub.ReferenceID, sub.OrganizationID, sub.StripeCustomerID, sub.StripeSubscriptionID,
			sub.Status, sub.Seats, sub.SeatQuantity, sub.SeatSyncPending, sub.CancelAtPeriodEnd,
			sub.PeriodStart, sub.PeriodEnd, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CreatedVia,
			sub.CreatedAt, sub.UpdatedAt,
		)
		if uniqueViolation(err, "") {
			return store.ErrSubscriptionExists
		}
		if err != nil {
			return fmt.Errorf("CreateSubscription: insert subscription: %w", err)
		}

		if p.Trial != nil {
			_, err = q.ExecContext(ctx, `
				UPDATE organizations SET onboarding_completed = TRUE, is_trial_active = TRUE,
				       trial_start_date = $2, trial_end_date = $3, stripe_trial_active = TRUE, updated_at = $4
				WHERE id = $1`,
				p.OrganizationID.String(), p.Trial.StartDate, p.Trial.EndDate, p.Now)
		} else {
			_, err = q.ExecContext(ctx,
				`UPDATE organizations SET onboarding_completed = TRUE, updated_at = $2 WHERE id = $1`,
				p.OrganizationID.String(), p.Now)
		}
		if err != nil {
			return fmt.Errorf("CreateSubscription: update organization: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.Subscription{}, err
	}
	return sub, nil
}

func (s *Store) GetSubscriptionByReference(ctx context.Context, referenceID string) (store.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE reference_id = $1`, referenceID))
	if err != nil {
		return store.Subscription{}, notFound(err)
	}
	return sub, nil
}

func (s *Store) UpdateSubscriptionPlan(ctx context.Context, referenceID, plan string, now time.Time) (store.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRowContext(ctx, `
		UPDATE subscriptions SET plan = $2, seat_sync_pending = TRUE, updated_at = $3
		WHERE reference_id = $1
		RETURNING `+subscriptionColumns, referenceID, plan, now))
	if err != nil {
		return store.Subscription{}, notFound(err)
	}
	return sub, nil
}

func (s *Store) SyncSubscription(ctx context.Context, p store.SyncSubscriptionParams) (store.Subscription, error) {
	start := sql.NullTime{Time: p.CurrentPeriodStart, Valid: !p.CurrentPeriodStart.IsZero()}
	end := sql.NullTime{Time: p.CurrentPeriodEnd, Valid: !p.CurrentPeriodEnd.IsZero()}
	sub, err := scanSubscription(s.pool.QueryRowContext(ctx, `
		UPDATE subscriptions SET
			status = $2,
			cancel_at_period_end = $3,
			current_period_start = COALESCE($4, current_period_start),
			period_start         = COALESCE($4, period_start),
			current_period_end   = COALESCE($5, current_period_end),
			period_end           = COALESCE($5, period_end),
			updated_at = $6
		WHERE stripe_subscription_id = $1
		RETURNING `+subscriptionColumns,
		p.StripeSubscriptionID, p.Status, p.CancelAtPeriodEnd, start, end, p.Now))
	if err != nil {
		return store.Subscription{}, notFound(err)
	}
	return sub, nil
}

func (s *Store) ListPendingSeatSyncs(ctx context.Context) ([]store.Subscription, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE seat_sync_pending ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("ListPendingSeatSyncs: %w", err)
	}
	defer rows.Close()

	var out []store.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPendingSeatSyncs: scan: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.pool.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkSeatSyncPending(ctx context.Context, referenceID string) error {
	return s.execOne(ctx, `UPDATE subscriptions SET seat_sync_pending = TRUE WHERE reference_id = $1`, referenceID)
}

func (s *Store) SetSeatQuantity(ctx context.Context, referenceID string, quantity int, now time.Time) error {
	return s.execOne(ctx, `
		UPDATE subscriptions SET seat_quantity = $2, seat_sync_pending = FALSE, seat_sync_error = '', updated_at = $3
		WHERE reference_id = $1`, referenceID, quantity, now)
}

func (s *Store) MarkSeatSyncFailed(ctx context.Context, referenceID, reason string, now time.Time) error {
	return s.execOne(ctx, `
		UPDATE subscriptions SET seat_sync_pending = FALSE, seat_sync_error = $2, updated_at = $3
		WHERE reference_id = $1`, referenceID, reason, now)
}

// ─── EVENTS ──────────────────────────────────────────────────────────────────

// RecordStripeEvent inserts the event, or re-arms it when a previous delivery
// was marked failed. Any other existing row yields ErrEventAlreadyRecorded.
func (s *Store) RecordStripeEvent(ctx context.Context, eventID, eventType string, payload []byte) error {
	var id string
	err := s.pool.QueryRowContext(ctx, `
		INSERT INTO stripe_events (stripe_event_id, type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (stripe_event_id) DO UPDATE
			SET status = 'received', error = NULL
			WHERE stripe_events.status = 'failed'
		RETURNING stripe_event_id`,
		eventID, eventType, jsonb(string(payload)),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrEventAlreadyRecorded
	}
	if err != nil {
		return fmt.Errorf("RecordStripeEvent: %w", err)
	}
	return nil
}

func (s *Store) MarkStripeEventProcessed(ctx context.Context, eventID string) error {
	return s.execOne(ctx,
		`UPDATE stripe_events SET status = 'processed', processed_at = now() WHERE stripe_event_id = $1`, eventID)
}

func (s *Store) MarkStripeEventFailed(ctx context.Context, eventID, reason string) error {
	return s.execOne(ctx,
		`UPDATE stripe_events SET status = 'failed', error = $2 WHERE stripe_event_id = $1`, eventID, reason)
}

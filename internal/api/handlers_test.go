package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/api"
	"github.com/nyashahama/workspace-billing-backend/internal/billing"
	"github.com/nyashahama/workspace-billing-backend/internal/checkout"
	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/planchange"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	"github.com/nyashahama/workspace-billing-backend/internal/store/memstore"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
	"github.com/nyashahama/workspace-billing-backend/internal/stripe/stripetest"
)

// ─── FIXTURES ─────────────────────────────────────────────────────────────────

var now = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

const (
	userID = "665f1c2e9b1d4a0012345678"
	token  = "tok_valid"
	orgID  = "665f1c2e9b1d4a00000000aa"
)

// stubCheckout returns a canned result so the status mapping can be tested
// without driving the whole flow.
type stubCheckout struct {
	res     checkout.Result
	err     error
	callers []checkout.Caller
}

func (s *stubCheckout) Verify(_ context.Context, _ string, c checkout.Caller) (checkout.Result, error) {
	s.callers = append(s.callers, c)
	return s.res, s.err
}

func (s *stubCheckout) ReconcileFromWebhook(_ context.Context, _ string) (checkout.Result, error) {
	return s.res, s.err
}

type stubSeats struct{ refs []string }

func (s *stubSeats) Enqueue(_ context.Context, ref string) error {
	s.refs = append(s.refs, ref)
	return nil
}

type testDeps struct {
	store   *memstore.Store
	stripe  *stripetest.Fake
	metrics *metrics.Metrics
	handler http.Handler
}

type option func(*api.Deps)

func withCheckout(c api.CheckoutService) option {
	return func(d *api.Deps) { d.Checkout = c }
}

func withStore(st api.Store) option {
	return func(d *api.Deps) { d.Store = st }
}

// unreachableStore fails the auth lookups as a store outage would.
type unreachableStore struct {
	*memstore.Store
	sessionErr error
	userErr    error
}

func (s *unreachableStore) GetSessionByToken(ctx context.Context, token string) (store.AuthSession, error) {
	if s.sessionErr != nil {
		return store.AuthSession{}, s.sessionErr
	}
	return s.Store.GetSessionByToken(ctx, token)
}

func (s *unreachableStore) GetUser(ctx context.Context, id string) (store.User, error) {
	if s.userErr != nil {
		return store.User{}, s.userErr
	}
	return s.Store.GetUser(ctx, id)
}

func withRate(perMinute int) option {
	return func(d *api.Deps) { d.Config.VerifyRatePerMinute = perMinute }
}

// newTestServer wires the real services over the in-memory store and the fake
// Stripe client.
func newTestServer(t *testing.T, opts ...option) *testDeps {
	t.Helper()

	st := memstore.New()
	st.PutUser(store.User{ID: userID, Email: "owner@example.com", Name: "Owner"})
	st.PutSession(store.AuthSession{Token: token, UserID: userID, ExpiresAt: now.Add(time.Hour)})
	st.PutSession(store.AuthSession{Token: "tok_expired", UserID: userID, ExpiresAt: now.Add(-time.Minute)})

	fake := stripetest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	clock := func() time.Time { return now }

	d := api.Deps{
		Store:    st,
		Webhooks: fake,
		Checkout: checkout.NewService(checkout.Deps{
			Stripe: fake, Store: st, Metrics: m, Logger: logger, Now: clock,
		}),
		Plans: planchange.NewService(planchange.Deps{
			Stripe: fake,
			Store:  st,
			Prices: billing.PriceIDs{
				Plans: map[billing.Plan]billing.CyclePrices{
					billing.PlanFreelance: {Monthly: "price_freelance_m"},
					billing.PlanPME:       {Monthly: "price_pme_m"},
				},
				Seat: "price_seat",
			},
			Seats:  &stubSeats{},
			Logger: logger,
			Now:    clock,
		}),
		Metrics: m,
		Config: api.Config{
			Env:                 "development",
			StripeWebhookSecret: "whsec_test",
			VerifyRatePerMinute: 100,
		},
		Logger: logger,
		Now:    clock,
	}
	for _, opt := range opts {
		opt(&d)
	}

	return &testDeps{store: st, stripe: fake, metrics: m, handler: api.NewServer(d)}
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v (raw: %s)", err, rr.Body.String())
	}
}

func authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func paidSession(id string) stripeinternal.CheckoutSession {
	return stripeinternal.CheckoutSession{
		ID:               id,
		PaymentStatus:    stripeinternal.PaymentStatusPaid,
		Metadata:         map[string]string{"userId": userID, "isNewOrganization": "true", "orgName": "Acme", "planName": "pme"},
		CustomerID:       "cus_1",
		CustomerEmail:    "owner@example.com",
		CustomerMetadata: map[string]string{"userId": userID},
		SubscriptionID:   "sub_" + id,
		Subscription:     &stripeinternal.Subscription{ID: "sub_" + id, Status: "active", CustomerID: "cus_1"},
	}
}

// ─── GET /healthz, /readyz, /metrics ──────────────────────────────────────────

func TestHealthz(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/readyz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsEndpointExposesVerifications(t *testing.T) {
	deps := newTestServer(t)
	deps.stripe.Sessions["cs_1"] = paidSession("cs_1")
	doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil, authed())

	rr := doRequest(t, deps.handler, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`billing_checkout_verifications_total{outcome="success"} 1`)) {
		t.Errorf("verification counter missing from /metrics:\n%s", rr.Body.String())
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"unknown token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"expired session", map[string]string{"Authorization": "Bearer tok_expired"}, http.StatusUnauthorized},
		{"bearer token", authed(), http.StatusBadRequest},
		{"signed cookie", map[string]string{"Cookie": "better-auth.session_token=" + token + ".c2lnbmF0dXJl"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t)
			// No session_id: an authenticated caller gets past auth to the 400.
			rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session", nil, tc.headers)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
			if tc.want == http.StatusUnauthorized {
				var body map[string]string
				decodeJSON(t, rr, &body)
				if body["error"] != "Non authentifié" {
					t.Errorf("unexpected error message %q", body["error"])
				}
			}
		})
	}
}

func TestAuth_StoreFailureReturns500(t *testing.T) {
	down := errors.New("connection refused")
	cases := []struct {
		name       string
		sessionErr error
		userErr    error
	}{
		{"session lookup", down, nil},
		{"user lookup", nil, down},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := newTestServer(t)
			st := &unreachableStore{Store: base.store, sessionErr: tc.sessionErr, userErr: tc.userErr}
			deps := newTestServer(t, withStore(st))

			rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil, authed())
			if rr.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
			}
			var body map[string]string
			decodeJSON(t, rr, &body)
			if body["error"] != "Erreur serveur" {
				t.Errorf("unexpected error message %q", body["error"])
			}
		})
	}
}

func TestAuth_PassesCallerToService(t *testing.T) {
	stub := &stubCheckout{res: checkout.Result{Success: false, PaymentStatus: "unpaid"}}
	deps := newTestServer(t, withCheckout(stub))
	deps.store.PutSession(store.AuthSession{Token: "tok_org", UserID: userID, ActiveOrganizationID: orgID, ExpiresAt: now.Add(time.Hour)})

	doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil,
		map[string]string{"Authorization": "Bearer tok_org"})

	if len(stub.callers) != 1 {
		t.Fatalf("expected one call, got %d", len(stub.callers))
	}
	want := checkout.Caller{UserID: userID, Email: "owner@example.com", ActiveOrganizationID: orgID}
	if stub.callers[0] != want {
		t.Errorf("caller = %+v, want %+v", stub.callers[0], want)
	}
}

// ─── GET /api/verify-checkout-session ─────────────────────────────────────────

func TestVerifyCheckout_MissingSessionIDReturns400(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session", nil, authed())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body map[string]string
	decodeJSON(t, rr, &body)
	if body["error"] != "session_id requis" {
		t.Errorf("unexpected error %q", body["error"])
	}
}

func TestVerifyCheckout_ErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"not found", stripeinternal.ErrSessionNotFound, http.StatusNotFound, "Session non trouvée"},
		{"forbidden", checkout.ErrForbidden, http.StatusForbidden, "Non autorisé"},
		{"duplicate siret", fmt.Errorf("bootstrap: %w", store.ErrDuplicateRegistration), http.StatusConflict, "Ce numéro SIRET est déjà associé à un compte existant."},
		{"invalid session", stripeinternal.ErrInvalidSession, http.StatusBadRequest, "Session Stripe invalide"},
		{"internal", errors.New("mongo: connection reset"), http.StatusInternalServerError, "Erreur serveur"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t, withCheckout(&stubCheckout{err: tc.err}))
			rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_x", nil, authed())
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			var body map[string]any
			decodeJSON(t, rr, &body)
			if body["error"] != tc.message {
				t.Errorf("error = %v, want %q", body["error"], tc.message)
			}
			if tc.status == http.StatusConflict && body["success"] != false {
				t.Errorf("409 body must carry success:false, got %v", body)
			}
		})
	}
}

func TestVerifyCheckout_PendingPayment(t *testing.T) {
	deps := newTestServer(t)
	sess := paidSession("cs_pending")
	sess.PaymentStatus = stripeinternal.PaymentStatusUnpaid
	deps.stripe.Sessions["cs_pending"] = sess

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_pending", nil, authed())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	decodeJSON(t, rr, &body)
	if body["success"] != false || body["paymentStatus"] != "unpaid" || body["message"] != "Paiement non complété" {
		t.Errorf("unexpected body: %v", body)
	}
	if len(deps.store.Organizations()) != 0 {
		t.Error("pending payment must not write")
	}
}

func TestVerifyCheckout_ReconcilesNewOrganization(t *testing.T) {
	deps := newTestServer(t)
	deps.stripe.Sessions["cs_1"] = paidSession("cs_1")

	for range 2 {
		rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil, authed())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var body map[string]any
		decodeJSON(t, rr, &body)
		if body["success"] != true || body["subscriptionId"] != "sub_cs_1" || body["subscriptionStatus"] != "active" {
			t.Errorf("unexpected body: %v", body)
		}
		if body["message"] != "Paiement vérifié avec succès" {
			t.Errorf("unexpected message: %v", body["message"])
		}
	}

	if n := len(deps.store.Organizations()); n != 1 {
		t.Errorf("expected 1 organization, got %d", n)
	}
	subs := deps.store.Subscriptions()
	if len(subs) != 1 || subs[0].Plan != "pme" {
		t.Errorf("expected one pme subscription, got %+v", subs)
	}
}

func TestVerifyCheckout_NoSubscriptionReturnsNulls(t *testing.T) {
	deps := newTestServer(t, withCheckout(&stubCheckout{res: checkout.Result{Success: true, PaymentStatus: "no_payment_required"}}))

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil, authed())
	var body map[string]any
	decodeJSON(t, rr, &body)
	if v, ok := body["subscriptionId"]; !ok || v != nil {
		t.Errorf("subscriptionId should be present and null, got %v", body)
	}
}

func TestVerifyCheckout_RateLimited(t *testing.T) {
	deps := newTestServer(t, withRate(2), withCheckout(&stubCheckout{res: checkout.Result{PaymentStatus: "unpaid"}}))

	for i := range 2 {
		rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil, authed())
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := doRequest(t, deps.handler, http.MethodGet, "/api/verify-checkout-session?session_id=cs_1", nil, authed())
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

// ─── Plan changes ─────────────────────────────────────────────────────────────

func seedSubscription(deps *testDeps, plan string, extraMembers int) {
	deps.store.PutOrganization(store.Organization{ID: orgID, Name: "Acme"})
	deps.store.PutMember(store.Member{ID: "m_owner", UserID: userID, OrganizationID: orgID, Role: store.RoleOwner, CreatedAt: now.Add(-time.Hour)})
	for i := range extraMembers {
		deps.store.PutMember(store.Member{
			ID: fmt.Sprintf("m_%d", i), UserID: fmt.Sprintf("u_%d", i), OrganizationID: orgID,
			Role: store.RoleMember, CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}
	deps.store.PutSubscription(store.Subscription{ReferenceID: orgID, Plan: plan, StripeSubscriptionID: "sub_1", StripeCustomerID: "cus_1"})
	deps.stripe.Subscriptions["sub_1"] = stripeinternal.Subscription{
		ID: "sub_1",
		Items: []stripeinternal.SubscriptionItem{
			{ID: "si_base", PriceID: "price_" + plan + "_m", Quantity: 1},
		},
	}
}

func TestPreviewPlanChange_ReturnsPreview(t *testing.T) {
	deps := newTestServer(t)
	seedSubscription(deps, "freelance", 0)

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/preview-plan-change",
		map[string]any{"newPlan": "pme", "isAnnual": false, "organizationId": orgID}, authed())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Success bool               `json:"success"`
		Preview planchange.Preview `json:"preview"`
	}
	decodeJSON(t, rr, &body)
	if !body.Success || !body.Preview.Change.IsUpgrade || body.Preview.NewPlan.Name != "pme" {
		t.Errorf("unexpected preview: %+v", body)
	}
	if body.Preview.Proration.TotalDays != 30 {
		t.Errorf("period should default to 30 days, got %d", body.Preview.Proration.TotalDays)
	}
}

func TestPlanChange_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		body   map[string]any
		seed   bool
		status int
	}{
		{"missing plan", map[string]any{"organizationId": orgID}, true, http.StatusBadRequest},
		{"unknown plan", map[string]any{"newPlan": "gold", "organizationId": orgID}, true, http.StatusBadRequest},
		{"not a member", map[string]any{"newPlan": "pme", "organizationId": "other_org"}, true, http.StatusForbidden},
		{"no subscription", map[string]any{"newPlan": "pme", "organizationId": orgID}, false, http.StatusNotFound},
		{"price not configured", map[string]any{"newPlan": "entreprise", "organizationId": orgID}, true, http.StatusInternalServerError},
		{"unknown field", map[string]any{"newPlan": "pme", "organizationId": orgID, "coupon": "x"}, true, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t)
			if tc.seed {
				seedSubscription(deps, "freelance", 0)
			} else {
				deps.store.PutMember(store.Member{ID: "m_owner", UserID: userID, OrganizationID: orgID, Role: store.RoleOwner})
			}
			rr := doRequest(t, deps.handler, http.MethodPost, "/api/change-subscription-plan", tc.body, authed())
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestChangeSubscriptionPlan_Success(t *testing.T) {
	deps := newTestServer(t)
	seedSubscription(deps, "freelance", 0)

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/change-subscription-plan",
		map[string]any{"newPlan": "pme", "isAnnual": false, "organizationId": orgID}, authed())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeJSON(t, rr, &body)
	if body["success"] != true || body["newPlan"] != "pme" || body["message"] != "Plan changé avec succès vers PME" {
		t.Errorf("unexpected body: %v", body)
	}
	if calls := deps.stripe.CallsTo("UpdateSubscriptionPrice"); len(calls) != 1 || calls[0].PriceID != "price_pme_m" {
		t.Errorf("unexpected provider calls: %+v", calls)
	}
}

func TestChangeSubscriptionPlan_BlockedDowngrade(t *testing.T) {
	deps := newTestServer(t)
	seedSubscription(deps, "pme", 2)

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/change-subscription-plan",
		map[string]any{"newPlan": "freelance", "organizationId": orgID}, authed())
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Error          string `json:"error"`
		Message        string `json:"message"`
		CurrentMembers int    `json:"currentMembers"`
		NewLimit       int    `json:"newLimit"`
	}
	decodeJSON(t, rr, &body)
	if body.Error != "Impossible de downgrader" || body.CurrentMembers != 3 || body.NewLimit != 1 {
		t.Errorf("unexpected body: %+v", body)
	}
	if len(deps.stripe.Calls) != 0 {
		t.Error("blocked downgrade must not touch the provider")
	}
}

// ─── POST /api/webhooks/stripe ────────────────────────────────────────────────

func webhookEvent(id, typ string, object any) stripeinternal.Event {
	raw, _ := json.Marshal(object)
	return stripeinternal.Event{ID: id, Type: typ, DataRaw: raw}
}

func TestWebhook_InvalidSignatureReturns400(t *testing.T) {
	deps := newTestServer(t)
	deps.stripe.WebhookErr = errors.New("bad signature")

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestWebhook_CheckoutCompletedReconciles(t *testing.T) {
	deps := newTestServer(t)
	deps.stripe.Sessions["cs_hook"] = paidSession("cs_hook")
	deps.stripe.WebhookEvt = webhookEvent("evt_1", "checkout.session.completed", map[string]any{"id": "cs_hook"})

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(deps.store.Subscriptions()) != 1 {
		t.Errorf("expected subscription to be created")
	}
	if got := deps.store.EventStatus("evt_1"); got != "processed" {
		t.Errorf("event status = %q, want processed", got)
	}

	// Replay is acknowledged without a second reconciliation.
	reads := deps.stripe.SessionReads
	rr = doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rr.Code)
	}
	if deps.stripe.SessionReads != reads {
		t.Error("duplicate event should not be processed again")
	}
}

func TestWebhook_HandlerFailureMarksEventFailed(t *testing.T) {
	deps := newTestServer(t)
	deps.stripe.SessionErr = errors.New("stripe unavailable")
	deps.stripe.WebhookEvt = webhookEvent("evt_2", "checkout.session.completed", map[string]any{"id": "cs_hook"})

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if got := deps.store.EventStatus("evt_2"); got != "failed" {
		t.Errorf("event status = %q, want failed", got)
	}

	// Stripe retries; the failed event is processed on redelivery.
	deps.stripe.SessionErr = nil
	deps.stripe.Sessions["cs_hook"] = paidSession("cs_hook")
	rr = doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWebhook_SubscriptionUpdatedSyncsLocalRecord(t *testing.T) {
	deps := newTestServer(t)
	seedSubscription(deps, "pme", 0)
	end := now.Add(20 * 24 * time.Hour).Unix()
	deps.stripe.WebhookEvt = webhookEvent("evt_3", "customer.subscription.updated", map[string]any{
		"id":                   "sub_1",
		"status":               "past_due",
		"customer":             "cus_1",
		"cancel_at_period_end": true,
		"items": map[string]any{"data": []map[string]any{{
			"id":                   "si_base",
			"current_period_start": now.Unix(),
			"current_period_end":   end,
			"price":                map[string]any{"id": "price_pme_m"},
		}}},
	})

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	sub, err := deps.store.GetSubscriptionByReference(context.Background(), orgID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != "past_due" || !sub.CancelAtPeriodEnd || sub.CurrentPeriodEnd.Unix() != end {
		t.Errorf("subscription not synced: %+v", sub)
	}
}

func TestWebhook_UnknownSubscriptionIsAcked(t *testing.T) {
	deps := newTestServer(t)
	deps.stripe.WebhookEvt = webhookEvent("evt_4", "customer.subscription.deleted", map[string]any{
		"id": "sub_unknown", "status": "canceled", "customer": "cus_9",
	})

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/webhooks/stripe", map[string]string{}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

// Package api implements the HTTP layer of the billing backend. Handlers are
// methods on *Server. Each handler file is responsible for one resource group
// and only uses the dependencies it needs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nyashahama/workspace-billing-backend/internal/checkout"
	"github.com/nyashahama/workspace-billing-backend/internal/metrics"
	"github.com/nyashahama/workspace-billing-backend/internal/planchange"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string

	// CORSAllowedOrigin is the frontend origin allowed in production.
	CORSAllowedOrigin string

	// StripeWebhookSecret is the signing secret from the Stripe dashboard.
	StripeWebhookSecret string

	// VerifyRatePerMinute caps how often one user may poll the checkout
	// verification endpoint.
	VerifyRatePerMinute int
}

// Store is the persistence the HTTP layer touches directly.
type Store interface {
	store.Sessions
	store.Events
	SyncSubscription(ctx context.Context, p store.SyncSubscriptionParams) (store.Subscription, error)
	Ping(ctx context.Context) error
}

// CheckoutService runs the checkout reconciliation flow. *checkout.Service
// implements it.
type CheckoutService interface {
	Verify(ctx context.Context, sessionID string, caller checkout.Caller) (checkout.Result, error)
	ReconcileFromWebhook(ctx context.Context, sessionID string) (checkout.Result, error)
}

// PlanService previews and applies plan changes. *planchange.Service
// implements it.
type PlanService interface {
	Preview(ctx context.Context, req planchange.Request) (planchange.Preview, error)
	Change(ctx context.Context, req planchange.Request) (planchange.ChangeResult, error)
}

// WebhookVerifier checks Stripe webhook signatures. stripe.Client implements it.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string, secret string) (stripeinternal.Event, error)
}

// Deps groups everything NewServer wires into the router.
type Deps struct {
	Store    Store
	Webhooks WebhookVerifier
	Checkout CheckoutService
	Plans    PlanService
	Metrics  *metrics.Metrics // nil disables /metrics
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time // nil means time.Now
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	store    Store
	webhooks WebhookVerifier
	checkout CheckoutService
	plans    PlanService
	metrics  *metrics.Metrics
	limiter  *rateLimiter

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to serve.
func NewServer(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{
		store:    d.Store,
		webhooks: d.Webhooks,
		checkout: d.Checkout,
		plans:    d.Plans,
		metrics:  d.Metrics,
		limiter:  newRateLimiter(d.Config.VerifyRatePerMinute, d.Now),
		cfg:      d.Config,
		logger:   d.Logger,
		now:      d.Now,
	}

	return otelhttp.NewHandler(s.routes(), "billing-api")
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Caller-scoped routes require a valid auth session.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.With(s.rateLimit).Get("/verify-checkout-session", s.handleVerifyCheckoutSession)
			r.Post("/preview-plan-change", s.handlePreviewPlanChange)
			r.Post("/change-subscription-plan", s.handleChangeSubscriptionPlan)
		})

		// Stripe webhook: no auth, the handler verifies the signature.
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readyz: store unreachable", "error", err, logField(r))
		respondErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

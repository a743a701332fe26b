package api

import (
	"errors"
	"net/http"

	"github.com/nyashahama/workspace-billing-backend/internal/checkout"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
	stripeinternal "github.com/nyashahama/workspace-billing-backend/internal/stripe"
)

// ─── GET /api/verify-checkout-session ─────────────────────────────────────────

type verifyPendingResponse struct {
	Success       bool   `json:"success"`
	PaymentStatus string `json:"paymentStatus"`
	Message       string `json:"message"`
}

type verifySuccessResponse struct {
	Success            bool    `json:"success"`
	PaymentStatus      string  `json:"paymentStatus"`
	SubscriptionStatus *string `json:"subscriptionStatus"`
	SubscriptionID     *string `json:"subscriptionId"`
	Message            string  `json:"message"`
}

type conflictResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// handleVerifyCheckoutSession is polled by the "waiting for payment" screen
// after a Stripe Checkout redirect. It confirms the session belongs to the
// caller and is paid, then makes sure the organization and subscription exist
// locally. It is safe to call any number of times.
func (s *Server) handleVerifyCheckoutSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondErr(w, http.StatusBadRequest, "session_id requis")
		return
	}

	res, err := s.checkout.Verify(r.Context(), sessionID, callerFrom(r.Context()))
	switch {
	case err == nil:
	case errors.Is(err, stripeinternal.ErrSessionNotFound):
		respondErr(w, http.StatusNotFound, "Session non trouvée")
		return
	case errors.Is(err, checkout.ErrForbidden):
		respondErr(w, http.StatusForbidden, "Non autorisé")
		return
	case errors.Is(err, store.ErrDuplicateRegistration):
		respond(w, http.StatusConflict, conflictResponse{
			Success: false,
			Error:   "Ce numéro SIRET est déjà associé à un compte existant.",
		})
		return
	case errors.Is(err, stripeinternal.ErrInvalidSession):
		respondErr(w, http.StatusBadRequest, "Session Stripe invalide")
		return
	default:
		s.respondInternalErr(w, r, err)
		return
	}

	if !res.Success {
		respond(w, http.StatusOK, verifyPendingResponse{
			Success:       false,
			PaymentStatus: res.PaymentStatus,
			Message:       "Paiement non complété",
		})
		return
	}

	respond(w, http.StatusOK, verifySuccessResponse{
		Success:            true,
		PaymentStatus:      res.PaymentStatus,
		SubscriptionStatus: nullable(res.SubscriptionStatus),
		SubscriptionID:     nullable(res.SubscriptionID),
		Message:            "Paiement vérifié avec succès",
	})
}

// nullable maps "" to a JSON null.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

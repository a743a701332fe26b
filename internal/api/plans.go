package api

import (
	"errors"
	"net/http"

	"github.com/nyashahama/workspace-billing-backend/internal/billing"
	"github.com/nyashahama/workspace-billing-backend/internal/planchange"
)

// ─── REQUEST / RESPONSE SHAPES ────────────────────────────────────────────────

type planChangeRequest struct {
	NewPlan        string `json:"newPlan"`
	IsAnnual       bool   `json:"isAnnual"`
	OrganizationID string `json:"organizationId"`
}

type previewResponse struct {
	Success bool               `json:"success"`
	Preview planchange.Preview `json:"preview"`
}

type changeResponse struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	NewPlan  billing.Plan `json:"newPlan"`
	IsAnnual bool         `json:"isAnnual"`
}

type downgradeBlockedResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	CurrentMembers int    `json:"currentMembers"`
	NewLimit       int    `json:"newLimit"`
}

func (s *Server) planRequest(w http.ResponseWriter, r *http.Request) (planchange.Request, bool) {
	var body planChangeRequest
	if !decode(w, r, &body) {
		return planchange.Request{}, false
	}
	return planchange.Request{
		UserID:         callerFrom(r.Context()).UserID,
		OrganizationID: body.OrganizationID,
		NewPlan:        body.NewPlan,
		IsAnnual:       body.IsAnnual,
	}, true
}

// ─── POST /api/preview-plan-change ────────────────────────────────────────────

// handlePreviewPlanChange returns prices, a proration estimate and, for
// downgrades, the members that block it. It never modifies the subscription.
func (s *Server) handlePreviewPlanChange(w http.ResponseWriter, r *http.Request) {
	req, ok := s.planRequest(w, r)
	if !ok {
		return
	}

	preview, err := s.plans.Preview(r.Context(), req)
	if err != nil {
		s.respondPlanErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, previewResponse{Success: true, Preview: preview})
}

// ─── POST /api/change-subscription-plan ───────────────────────────────────────

// handleChangeSubscriptionPlan moves the subscription to another plan or
// billing cycle with immediate proration.
func (s *Server) handleChangeSubscriptionPlan(w http.ResponseWriter, r *http.Request) {
	req, ok := s.planRequest(w, r)
	if !ok {
		return
	}

	res, err := s.plans.Change(r.Context(), req)
	if err != nil {
		s.respondPlanErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, changeResponse{
		Success:  true,
		Message:  res.Message,
		NewPlan:  res.NewPlan,
		IsAnnual: res.IsAnnual,
	})
}

// respondPlanErr maps planchange errors to HTTP responses.
func (s *Server) respondPlanErr(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *planchange.DowngradeBlockedError
	switch {
	case errors.As(err, &blocked):
		respond(w, http.StatusBadRequest, downgradeBlockedResponse{
			Error:          "Impossible de downgrader",
			Message:        blocked.Error(),
			CurrentMembers: blocked.CurrentMembers,
			NewLimit:       blocked.NewLimit,
		})
	case errors.Is(err, planchange.ErrMissingParams):
		respondErr(w, http.StatusBadRequest, "Plan et organizationId requis")
	case errors.Is(err, planchange.ErrUnknownPlan):
		respondErr(w, http.StatusBadRequest, "Plan invalide")
	case errors.Is(err, planchange.ErrForbidden):
		respondErr(w, http.StatusForbidden, "Non autorisé")
	case errors.Is(err, planchange.ErrSubscriptionNotFound):
		respondErr(w, http.StatusNotFound, "Aucun abonnement trouvé")
	case errors.Is(err, planchange.ErrPriceNotConfigured):
		s.logger.Error("plans: price id not configured", "error", err, logField(r))
		respondErr(w, http.StatusInternalServerError, "Price ID non configuré pour ce plan")
	case errors.Is(err, planchange.ErrBasePlanItemNotFound):
		s.logger.Error("plans: base plan item missing", "error", err, logField(r))
		respondErr(w, http.StatusInternalServerError, "Item du plan de base non trouvé")
	default:
		s.respondInternalErr(w, r, err)
	}
}

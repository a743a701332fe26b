package planchange

import (
	"context"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/billing"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// Preview is what the client shows before confirming a plan change. Amounts
// are in euros.
type Preview struct {
	CurrentPlan PlanSummary    `json:"currentPlan"`
	NewPlan     PlanSummary    `json:"newPlan"`
	Billing     BillingSummary `json:"billing"`
	Proration   Proration      `json:"proration"`
	Change      ChangeSummary  `json:"change"`
}

type PlanSummary struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Price       float64        `json:"price"`
	Limits      billing.Limits `json:"limits"`
}

type BillingSummary struct {
	IsAnnual         bool    `json:"isAnnual"`
	BillingCycle     string  `json:"billingCycle"`
	PriceDifference  float64 `json:"priceDifference"`
	CurrentPeriodEnd string  `json:"currentPeriodEnd"`
	DaysRemaining    int     `json:"daysRemaining"`
	NextBillingDate  string  `json:"nextBillingDate"`
}

type Proration struct {
	TotalAmount     float64 `json:"totalAmount"`
	ProrationAmount float64 `json:"prorationAmount"`
	Subtotal        float64 `json:"subtotal"`
	AmountDue       float64 `json:"amountDue"`
	Currency        string  `json:"currency"`
	DaysRemaining   int     `json:"daysRemaining"`
	TotalDays       int     `json:"totalDays"`
	Ratio           float64 `json:"ratio"`
}

type ChangeSummary struct {
	IsUpgrade     bool         `json:"isUpgrade"`
	IsDowngrade   bool         `json:"isDowngrade"`
	EffectiveDate string       `json:"effectiveDate"`
	MemberCheck   *MemberCheck `json:"memberCheck"`
}

// MemberCheck is only present for downgrades. The member lists are only
// filled when the downgrade is blocked.
type MemberCheck struct {
	CanDowngrade    bool            `json:"canDowngrade"`
	CurrentMembers  int             `json:"currentMembers"`
	NewLimit        int             `json:"newLimit"`
	MembersToRemove int             `json:"membersToRemove,omitempty"`
	MembersList     []MemberSummary `json:"membersList,omitempty"`
	AllMembers      []MemberSummary `json:"allMembers,omitempty"`
}

type MemberSummary struct {
	ID        string    `json:"id"`
	MemberID  string    `json:"memberId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Preview computes the price difference and a manual proration estimate for
// the rest of the current period. It never writes.
func (s *Service) Preview(ctx context.Context, req Request) (Preview, error) {
	t, err := s.resolve(ctx, req)
	if err != nil {
		return Preview{}, err
	}

	now := s.d.Now()
	currentCents := t.current.PriceCents(req.IsAnnual)
	newCents := t.next.PriceCents(req.IsAnnual)

	start, end := billing.Period(unix(t.remote.CurrentPeriodStart), unix(t.remote.CurrentPeriodEnd), now)
	p := billing.Prorate(currentCents, newCents, start, end, now)

	cycle := "Mensuel"
	if req.IsAnnual {
		cycle = "Annuel"
	}

	return Preview{
		CurrentPlan: summary(t.current, currentCents),
		NewPlan:     summary(t.next, newCents),
		Billing: BillingSummary{
			IsAnnual:         req.IsAnnual,
			BillingCycle:     cycle,
			PriceDifference:  billing.Euros(newCents - currentCents),
			CurrentPeriodEnd: end.UTC().Format("2006-01-02T15:04:05.000Z"),
			DaysRemaining:    billing.DaysUntil(end, now),
			NextBillingDate:  billing.FormatDateFR(end),
		},
		Proration: Proration{
			TotalAmount:     p.Amount,
			ProrationAmount: p.Amount,
			Subtotal:        p.Amount,
			AmountDue:       p.Amount,
			Currency:        "EUR",
			DaysRemaining:   p.DaysRemaining,
			TotalDays:       p.TotalDays,
			Ratio:           p.Ratio,
		},
		Change: ChangeSummary{
			IsUpgrade:     t.dir.IsUpgrade,
			IsDowngrade:   t.dir.IsDowngrade,
			EffectiveDate: "Immédiat",
			MemberCheck:   memberCheck(t.seats),
		},
	}, nil
}

func summary(p billing.Plan, cents int64) PlanSummary {
	return PlanSummary{
		Name:        string(p),
		DisplayName: p.DisplayName(),
		Price:       billing.Euros(cents),
		Limits:      p.Limits(),
	}
}

func memberCheck(c *billing.SeatCheck) *MemberCheck {
	if c == nil {
		return nil
	}
	mc := &MemberCheck{
		CanDowngrade:   c.CanDowngrade,
		CurrentMembers: c.CurrentMembers,
		NewLimit:       c.NewLimit,
	}
	if c.CanDowngrade {
		return mc
	}
	mc.MembersToRemove = c.MembersToRemove
	mc.MembersList = memberSummaries(c.RemovableMembers)
	mc.AllMembers = memberSummaries(c.NonOwnerMembers)
	return mc
}

func memberSummaries(ms []store.Member) []MemberSummary {
	out := make([]MemberSummary, 0, len(ms))
	for _, m := range ms {
		email, name := m.Email, m.Name
		if email == "" {
			email = "Email inconnu"
		}
		if name == "" {
			name = "Utilisateur"
		}
		out = append(out, MemberSummary{
			ID:        m.ID,
			MemberID:  m.ID,
			UserID:    m.UserID,
			Role:      m.Role,
			Email:     email,
			Name:      name,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

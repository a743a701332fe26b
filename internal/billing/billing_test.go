package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/workspace-billing-backend/internal/billing"
	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

// ─── Catalog ──────────────────────────────────────────────────────────────────

func TestParsePlan(t *testing.T) {
	tests := []struct {
		in   string
		want billing.Plan
		ok   bool
	}{
		{"freelance", billing.PlanFreelance, true},
		{" PME ", billing.PlanPME, true},
		{"Entreprise", billing.PlanEntreprise, true},
		{"starter", "starter", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := billing.ParsePlan(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestCompareByRank(t *testing.T) {
	assert.Equal(t, billing.Direction{IsUpgrade: true}, billing.Compare(billing.PlanFreelance, billing.PlanPME))
	assert.Equal(t, billing.Direction{IsDowngrade: true}, billing.Compare(billing.PlanEntreprise, billing.PlanPME))
	assert.Equal(t, billing.Direction{}, billing.Compare(billing.PlanPME, billing.PlanPME))
}

func TestPlanPricesAndLimits(t *testing.T) {
	assert.EqualValues(t, 4899, billing.PlanPME.PriceCents(false))
	assert.EqualValues(t, 8549, billing.PlanEntreprise.PriceCents(true))
	assert.EqualValues(t, 0, billing.Plan("unknown").PriceCents(false))
	assert.Equal(t, 10, billing.PlanPME.Limits().Users)
	assert.Equal(t, "Pme", billing.PlanPME.DisplayName())
	assert.Equal(t, "PME", billing.PlanPME.Upper())
	assert.Equal(t, "14,59€", billing.FormatEuros(1459))
}

func TestPriceIDsFor(t *testing.T) {
	ids := billing.PriceIDs{Plans: map[billing.Plan]billing.CyclePrices{
		billing.PlanPME: {Monthly: "price_pme_m"},
	}}

	id, ok := ids.For(billing.PlanPME, false)
	require.True(t, ok)
	assert.Equal(t, "price_pme_m", id)

	_, ok = ids.For(billing.PlanPME, true)
	assert.False(t, ok, "annual price is not configured")

	_, ok = ids.For(billing.PlanEntreprise, false)
	assert.False(t, ok)
}

// ─── Proration ────────────────────────────────────────────────────────────────

func TestProrate_HalfPeriodRemaining(t *testing.T) {
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)
	now := start.Add(15 * 24 * time.Hour)

	p := billing.Prorate(1459, 4899, start, end, now)

	assert.Equal(t, 30, p.TotalDays)
	assert.Equal(t, 15, p.DaysRemaining)
	assert.InDelta(t, 0.5, p.Ratio, 1e-9)
	assert.InDelta(t, 17.20, p.Amount, 1e-9)
}

func TestProrate_MissingPeriodDefaultsToThirtyDays(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	p := billing.Prorate(4899, 1459, time.Time{}, time.Time{}, now)

	assert.Equal(t, 30, p.TotalDays)
	assert.Equal(t, 30, p.DaysRemaining)
	assert.InDelta(t, -34.40, p.Amount, 1e-9)
}

func TestProrate_ZeroLengthPeriodDoesNotDivideByZero(t *testing.T) {
	now := time.Now()
	p := billing.Prorate(0, 1000, now, now, now)
	assert.Equal(t, 1, p.TotalDays)
	assert.Zero(t, p.Ratio)
}

func TestDaysUntil(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 2, billing.DaysUntil(now.Add(25*time.Hour), now))
	assert.Equal(t, 0, billing.DaysUntil(now.Add(-time.Hour), now))
}

// ─── Members ──────────────────────────────────────────────────────────────────

func members(now time.Time) []store.Member {
	return []store.Member{
		{ID: "owner", Role: store.RoleOwner, CreatedAt: now.Add(-72 * time.Hour)},
		{ID: "acc", Role: store.RoleAccountant, CreatedAt: now.Add(-1 * time.Hour)},
		{ID: "m1", Role: store.RoleMember, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "m2", Role: store.RoleMember, CreatedAt: now.Add(-24 * time.Hour)},
	}
}

func TestBillableMembersExcludesAccountantsNewestFirst(t *testing.T) {
	got := billing.BillableMembers(members(time.Now()))
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m2", "m1", "owner"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestAdditionalSeatsExcludesOwner(t *testing.T) {
	assert.Equal(t, 3, billing.AdditionalSeats(members(time.Now())))
}

func TestCheckSeats(t *testing.T) {
	now := time.Now()

	blocked := billing.CheckSeats(members(now), billing.PlanFreelance)
	assert.False(t, blocked.CanDowngrade)
	assert.Equal(t, 3, blocked.CurrentMembers)
	assert.Equal(t, 1, blocked.NewLimit)
	assert.Equal(t, 2, blocked.MembersToRemove)
	require.Len(t, blocked.RemovableMembers, 2)
	assert.Equal(t, "m2", blocked.RemovableMembers[0].ID)
	assert.Len(t, blocked.NonOwnerMembers, 2)

	allowed := billing.CheckSeats(members(now), billing.PlanPME)
	assert.True(t, allowed.CanDowngrade)
	assert.Empty(t, allowed.RemovableMembers)
}

func TestDowngradeMessage(t *testing.T) {
	assert.Equal(t,
		"Vous avez 3 membres mais le plan FREELANCE limite à 1. Veuillez retirer 2 membre(s) avant de downgrader.",
		billing.DowngradeMessage(billing.PlanFreelance, 3, 1),
	)
}

func TestFormatDateFR(t *testing.T) {
	assert.Equal(t, "19 octobre 2026", billing.FormatDateFR(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)))
}

package billing

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nyashahama/workspace-billing-backend/internal/store"
)

const day = 24 * time.Hour

// DefaultPeriod is used when the provider omits the billing period bounds.
const DefaultPeriod = 30 * day

// Proration is the manual proration estimate shown before a plan change.
type Proration struct {
	Amount        float64 // euros, negative for a credit
	DaysRemaining int
	TotalDays     int
	Ratio         float64
}

// Period resolves the billing period, defaulting missing bounds to
// now .. now+30 days.
func Period(start, end, now time.Time) (time.Time, time.Time) {
	if start.IsZero() {
		start = now
	}
	if end.IsZero() {
		end = now.Add(DefaultPeriod)
	}
	return start, end
}

// Prorate estimates what a plan change costs for the rest of the period:
// (newPrice - currentPrice) * remainingDays / max(1, totalDays).
func Prorate(currentCents, newCents int64, start, end, now time.Time) Proration {
	start, end = Period(start, end, now)

	totalDays := math.Max(1, end.Sub(start).Hours()/24)
	remainingDays := math.Max(0, end.Sub(now).Hours()/24)
	ratio := remainingDays / totalDays

	return Proration{
		Amount:        Euros(newCents-currentCents) * ratio,
		DaysRemaining: int(math.Round(remainingDays)),
		TotalDays:     int(math.Round(totalDays)),
		Ratio:         ratio,
	}
}

// DaysUntil counts whole days left before end, rounded up, never negative.
func DaysUntil(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// ─── MEMBERS ──────────────────────────────────────────────────────────────────

// BillableMembers drops accountants and orders the rest newest first.
func BillableMembers(members []store.Member) []store.Member {
	out := make([]store.Member, 0, len(members))
	for _, m := range members {
		if m.Role != store.RoleAccountant {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AdditionalSeats counts members billed on the seat item. The owner is
// included in the base plan.
func AdditionalSeats(members []store.Member) int {
	n := 0
	for _, m := range members {
		if m.Role != store.RoleOwner {
			n++
		}
	}
	return n
}

// SeatCheck is the outcome of checking a downgrade against the new plan's
// user limit.
type SeatCheck struct {
	CanDowngrade     bool
	CurrentMembers   int
	NewLimit         int
	MembersToRemove  int
	RemovableMembers []store.Member // most recent non-owner members, up to MembersToRemove
	NonOwnerMembers  []store.Member
}

// CheckSeats compares the billable members against plan's user limit.
func CheckSeats(members []store.Member, plan Plan) SeatCheck {
	billable := BillableMembers(members)
	limit := plan.Limits().Users
	check := SeatCheck{
		CanDowngrade:   len(billable) <= limit,
		CurrentMembers: len(billable),
		NewLimit:       limit,
	}
	if check.CanDowngrade {
		return check
	}

	check.MembersToRemove = len(billable) - limit
	for _, m := range billable {
		if m.Role == store.RoleOwner {
			continue
		}
		check.NonOwnerMembers = append(check.NonOwnerMembers, m)
	}
	n := min(check.MembersToRemove, len(check.NonOwnerMembers))
	check.RemovableMembers = check.NonOwnerMembers[:n]
	return check
}

// DowngradeMessage explains why a downgrade is blocked.
func DowngradeMessage(plan Plan, current, limit int) string {
	return fmt.Sprintf(
		"Vous avez %d membres mais le plan %s limite à %d. Veuillez retirer %d membre(s) avant de downgrader.",
		current, plan.Upper(), limit, current-limit,
	)
}

// ─── DATES ────────────────────────────────────────────────────────────────────

var frenchMonths = [...]string{
	"janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre",
}

// FormatDateFR renders t as "19 octobre 2026".
func FormatDateFR(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), frenchMonths[t.Month()-1], t.Year())
}

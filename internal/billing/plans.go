// Package billing holds the plan catalog and the pure arithmetic behind plan
// changes and seat billing: ranks, user limits, display prices, proration and
// billable-member counting. It performs no I/O.
package billing

import (
	"fmt"
	"strings"
)

// Plan is a subscription plan name as stored on the subscription record and
// in the provider's subscription metadata (planName).
type Plan string

const (
	PlanFreelance  Plan = "freelance"
	PlanPME        Plan = "pme"
	PlanEntreprise Plan = "entreprise"
)

// DefaultPlan is recorded when neither the subscription nor the checkout
// session carries a plan name.
const DefaultPlan = PlanFreelance

type definition struct {
	rank         int
	monthlyCents int64
	annualCents  int64 // per month, billed yearly
	users        int
}

var catalog = map[Plan]definition{
	PlanFreelance:  {rank: 1, monthlyCents: 1459, annualCents: 1313, users: 1},
	PlanPME:        {rank: 2, monthlyCents: 4899, annualCents: 4409, users: 10},
	PlanEntreprise: {rank: 3, monthlyCents: 9499, annualCents: 8549, users: 25},
}

// Limits is what a plan allows.
type Limits struct {
	Users int `json:"users"`
}

// ParsePlan returns the plan for s and whether it is in the catalog.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	_, ok := catalog[p]
	return p, ok
}

// Known reports whether p is in the catalog.
func (p Plan) Known() bool {
	_, ok := catalog[p]
	return ok
}

// Rank orders plans; unknown plans rank 0.
func (p Plan) Rank() int { return catalog[p].rank }

func (p Plan) Limits() Limits { return Limits{Users: catalog[p].users} }

// PriceCents is the per-month display price for the billing cycle. Unknown
// plans cost 0.
func (p Plan) PriceCents(annual bool) int64 {
	d := catalog[p]
	if annual {
		return d.annualCents
	}
	return d.monthlyCents
}

// DisplayName capitalises the first letter: "pme" → "Pme".
func (p Plan) DisplayName() string {
	if p == "" {
		return ""
	}
	s := string(p)
	return strings.ToUpper(s[:1]) + s[1:]
}

// Upper is the plan name as shown in emails and messages: "PME".
func (p Plan) Upper() string { return strings.ToUpper(string(p)) }

func (p Plan) String() string { return string(p) }

// Direction describes a move from one plan to another by rank.
type Direction struct {
	IsUpgrade   bool
	IsDowngrade bool
}

// Compare ranks a move from current to next.
func Compare(current, next Plan) Direction {
	return Direction{
		IsUpgrade:   next.Rank() > current.Rank(),
		IsDowngrade: next.Rank() < current.Rank(),
	}
}

// ─── PRICE IDS ────────────────────────────────────────────────────────────────

// CyclePrices holds the provider price ids of one plan.
type CyclePrices struct {
	Monthly string
	Annual  string
}

// PriceIDs maps plans to provider price ids. Seat identifies the
// additional-seat subscription item.
type PriceIDs struct {
	Plans map[Plan]CyclePrices
	Seat  string
}

// For returns the configured price id of plan for the billing cycle. The
// second value is false when no price id is configured.
func (p PriceIDs) For(plan Plan, annual bool) (string, bool) {
	c, ok := p.Plans[plan]
	if !ok {
		return "", false
	}
	id := c.Monthly
	if annual {
		id = c.Annual
	}
	return id, id != ""
}

// ─── FORMATTING ───────────────────────────────────────────────────────────────

// Euros converts cents to a decimal amount for JSON responses.
func Euros(cents int64) float64 { return float64(cents) / 100 }

// FormatEuros renders cents the French way: 1459 → "14,59€".
func FormatEuros(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d,%02d€", sign, cents/100, cents%100)
}

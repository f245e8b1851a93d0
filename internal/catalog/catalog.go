package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/depositops/internal/domain"
)

var ErrPlanNotFound = errors.New("plan not found")

var hundred = decimal.NewFromInt(100)

// RoundingMode controls how fractional minor units are resolved.
type RoundingMode string

const (
	RoundHalfUp   RoundingMode = "half_up"
	RoundHalfEven RoundingMode = "half_even"
	RoundDown     RoundingMode = "down"
)

// Catalog is the static plan table plus the pricing rules that use it.
type Catalog struct {
	plans    []domain.Plan
	byName   map[domain.PlanName]domain.Plan
	rounding RoundingMode
}

// New builds a catalog from plans, rejecting duplicate names and inverted bounds.
func New(rounding RoundingMode, plans ...domain.Plan) (*Catalog, error) {
	switch rounding {
	case RoundHalfUp, RoundHalfEven, RoundDown:
	default:
		return nil, fmt.Errorf("unknown rounding mode %q", rounding)
	}

	c := &Catalog{byName: make(map[domain.PlanName]domain.Plan, len(plans)), rounding: rounding}
	for _, p := range plans {
		if p.Minimum > p.Maximum {
			return nil, fmt.Errorf("plan %s: minimum %d exceeds maximum %d", p.Name, p.Minimum, p.Maximum)
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("plan %s defined twice", p.Name)
		}
		c.byName[p.Name] = p
		c.plans = append(c.plans, p)
	}
	return c, nil
}

// Default returns the production tiers. Bounds are in minor units.
func Default(rounding RoundingMode) (*Catalog, error) {
	return New(rounding,
		tier(domain.PlanBasic, 20, 499, 20, 5, 20*time.Hour),
		tier(domain.PlanGold, 500, 1999, 30, 5, 48*time.Hour),
		tier(domain.PlanMaster, 2000, 4999, 45, 10, 72*time.Hour),
		tier(domain.PlanPremium, 5000, 9999, 60, 10, 96*time.Hour),
		tier(domain.PlanVIP, 10000, 1000000000, 120, 10, 120*time.Hour),
	)
}

func tier(name domain.PlanName, min, max int64, payout, referral int64, d time.Duration) domain.Plan {
	return domain.Plan{
		Name:          name,
		Minimum:       min * 100,
		Maximum:       max * 100,
		Payout:        decimal.NewFromInt(payout),
		ReferralBonus: decimal.NewFromInt(referral),
		Duration:      d,
	}
}

func (c *Catalog) Get(name domain.PlanName) (domain.Plan, error) {
	p, ok := c.byName[name]
	if !ok {
		return domain.Plan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, name)
	}
	return p, nil
}

// Plans returns the tiers in declaration order.
func (c *Catalog) Plans() []domain.Plan {
	out := make([]domain.Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// AmountDue is principal plus payout: (payout + 100) * amount / 100.
func (c *Catalog) AmountDue(p domain.Plan, amount int64) int64 {
	due := p.Payout.Add(hundred).Mul(decimal.NewFromInt(amount)).Div(hundred)
	return c.round(due)
}

// ReferralBonus is referralBonus% of the confirming deposit's amount.
func (c *Catalog) ReferralBonus(p domain.Plan, amount int64) int64 {
	bonus := p.ReferralBonus.Mul(decimal.NewFromInt(amount)).Div(hundred)
	return c.round(bonus)
}

// Maturity returns the payment and due dates for a confirmation at now.
func (c *Catalog) Maturity(p domain.Plan, now time.Time) (paymentDate, dueDate time.Time) {
	return now, now.Add(p.Duration)
}

func (c *Catalog) round(d decimal.Decimal) int64 {
	switch c.rounding {
	case RoundHalfEven:
		d = d.RoundBank(0)
	case RoundDown:
		d = d.Truncate(0)
	default:
		d = d.Round(0)
	}
	return d.IntPart()
}

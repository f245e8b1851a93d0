package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/depositops/internal/domain"
)

func TestDefault_TiersInOrder(t *testing.T) {
	c, err := Default(RoundHalfUp)
	require.NoError(t, err)

	var names []domain.PlanName
	for _, p := range c.Plans() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []domain.PlanName{domain.PlanBasic, domain.PlanGold, domain.PlanMaster, domain.PlanPremium, domain.PlanVIP}, names)

	gold, err := c.Get(domain.PlanGold)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), gold.Minimum)
	assert.Equal(t, int64(199900), gold.Maximum)
	assert.Equal(t, 48*time.Hour, gold.Duration)
}

func TestGet_UnknownPlan(t *testing.T) {
	c, err := Default(RoundHalfUp)
	require.NoError(t, err)

	_, err = c.Get("Platinum")
	assert.True(t, errors.Is(err, ErrPlanNotFound))
}

func TestAmountDue(t *testing.T) {
	c, err := Default(RoundHalfUp)
	require.NoError(t, err)
	basic, err := c.Get(domain.PlanBasic)
	require.NoError(t, err)

	// (20 + 100) * 300 / 100
	assert.Equal(t, int64(360), c.AmountDue(basic, 300))
	assert.Equal(t, int64(36000), c.AmountDue(basic, 30000))
}

func TestReferralBonus(t *testing.T) {
	c, err := Default(RoundHalfUp)
	require.NoError(t, err)
	master, err := c.Get(domain.PlanMaster)
	require.NoError(t, err)

	assert.Equal(t, int64(30000), c.ReferralBonus(master, 300000))
}

func TestRoundingModes(t *testing.T) {
	plan := domain.Plan{
		Name:          "Odd",
		Minimum:       1,
		Maximum:       1000,
		Payout:        decimal.RequireFromString("12.5"),
		ReferralBonus: decimal.NewFromInt(5),
		Duration:      time.Hour,
	}

	tests := []struct {
		mode   RoundingMode
		amount int64
		want   int64
	}{
		// 112.5% of 5 = 5.625
		{RoundHalfUp, 5, 6},
		{RoundDown, 5, 5},
		// 112.5% of 4 = 4.5
		{RoundHalfUp, 4, 5},
		{RoundHalfEven, 4, 4},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c, err := New(tt.mode, plan)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.AmountDue(plan, tt.amount))
		})
	}
}

func TestNew_RejectsInvalidPlans(t *testing.T) {
	inverted := domain.Plan{Name: "Bad", Minimum: 10, Maximum: 5}
	_, err := New(RoundHalfUp, inverted)
	assert.Error(t, err)

	dup := domain.Plan{Name: "Twice", Minimum: 1, Maximum: 5}
	_, err = New(RoundHalfUp, dup, dup)
	assert.Error(t, err)

	_, err = New("ceiling")
	assert.Error(t, err)
}

func TestPlanAccepts(t *testing.T) {
	p := domain.Plan{Minimum: 2000, Maximum: 49900}
	assert.True(t, p.Accepts(2000))
	assert.True(t, p.Accepts(49900))
	assert.False(t, p.Accepts(1999))
	assert.False(t, p.Accepts(49901))
}

func TestMaturity(t *testing.T) {
	c, err := Default(RoundHalfUp)
	require.NoError(t, err)
	gold, err := c.Get(domain.PlanGold)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	paid, due := c.Maturity(gold, now)
	assert.Equal(t, now, paid)
	assert.Equal(t, now.Add(48*time.Hour), due)
}

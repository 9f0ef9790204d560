package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeCampaign(now time.Time) *Campaign {
	return &Campaign{
		ID:             1,
		DiscountType:   DiscountTypeFixedAmount,
		DiscountValue:  decimal.NewFromInt(10),
		MinOrderAmount: decimal.NewFromInt(50),
		TotalQuantity:  2,
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(time.Hour),
		Status:         CampaignActive,
	}
}

func TestCampaign_CanIssue(t *testing.T) {
	now := time.Date(2026, 11, 11, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(c *Campaign)
		want   bool
	}{
		{"active within window", func(c *Campaign) {}, true},
		{"inactive", func(c *Campaign) { c.Status = CampaignInactive }, false},
		{"deleted", func(c *Campaign) { c.Status = CampaignDeleted }, false},
		{"not started", func(c *Campaign) { c.ValidFrom = now.Add(time.Minute) }, false},
		{"ended", func(c *Campaign) { c.ValidUntil = now.Add(-time.Minute) }, false},
		{"sold out", func(c *Campaign) { c.IssuedQuantity = c.TotalQuantity }, false},
		{"window boundary inclusive", func(c *Campaign) { c.ValidFrom = now; c.ValidUntil = now }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := activeCampaign(now)
			tt.mutate(c)
			assert.Equal(t, tt.want, c.CanIssue(now))
		})
	}
}

func TestCampaign_Validate(t *testing.T) {
	now := time.Now()

	c := activeCampaign(now)
	require.NoError(t, c.Validate())

	c.IssuedQuantity = 3
	assert.ErrorIs(t, c.Validate(), ErrInvalidCampaign)

	c = activeCampaign(now)
	c.MaxDiscount = decimal.NewFromInt(5)
	assert.ErrorIs(t, c.Validate(), ErrInvalidCampaign, "fixed amount coupons cannot carry a cap")

	c = activeCampaign(now)
	c.DiscountType = DiscountTypePercentage
	c.DiscountValue = decimal.NewFromInt(120)
	assert.ErrorIs(t, c.Validate(), ErrInvalidCampaign)

	c = activeCampaign(now)
	c.DiscountType = "FREEBIE"
	assert.ErrorIs(t, c.Validate(), ErrInvalidCampaign)
}

func TestCampaign_Discount(t *testing.T) {
	now := time.Now()

	fixed := activeCampaign(now)
	got, err := fixed.Discount(decimal.NewFromInt(80))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(10)))

	_, err = fixed.Discount(decimal.NewFromInt(49))
	assert.ErrorIs(t, err, ErrOrderBelowMinimum)

	pct := activeCampaign(now)
	pct.DiscountType = DiscountTypePercentage
	pct.DiscountValue = decimal.NewFromInt(15)
	pct.MaxDiscount = decimal.NewFromInt(20)

	got, err = pct.Discount(decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(15)), "15%% of 100, got %s", got)

	got, err = pct.Discount(decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(20)), "capped at max discount, got %s", got)
}

func TestCampaign_Remaining(t *testing.T) {
	c := &Campaign{TotalQuantity: 5, IssuedQuantity: 3}
	assert.Equal(t, int64(2), c.Remaining())

	c.IssuedQuantity = 5
	assert.Equal(t, int64(0), c.Remaining())
}

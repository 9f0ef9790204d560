// internal/service/coupon/domain/campaign.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType 定义了优惠的计算方式，固定金额与折扣率二选一。
type DiscountType string

const (
	DiscountTypeFixedAmount DiscountType = "FIXED_AMOUNT" // 立减
	DiscountTypePercentage  DiscountType = "PERCENTAGE"   // 折扣
)

// CampaignStatus 是活动(券模板)的生命周期状态
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "ACTIVE"
	CampaignInactive CampaignStatus = "INACTIVE"
	CampaignDeleted  CampaignStatus = "DELETED"
)

// Campaign 是一次限量发券活动。
// IssuedQuantity 是持久化的权威发放数量，只能由 IssuanceWriter 在唯一约束事务中递增。
type Campaign struct {
	ID             int64
	Name           string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal // 立减金额，或折扣百分比 (例如 15 表示减 15%)
	MaxDiscount    decimal.Decimal // 折扣券的优惠上限，0 表示不封顶
	MinOrderAmount decimal.Decimal
	TotalQuantity  int64
	IssuedQuantity int64
	ValidFrom      time.Time
	ValidUntil     time.Time
	Status         CampaignStatus

	// EligibilityRule 是可选的 CEL 表达式，在准入时针对 user_id / campaign_id 求值
	EligibilityRule string
}

// CanIssue 要求活动处于 ACTIVE、在有效期内、且还有剩余数量
func (c *Campaign) CanIssue(now time.Time) bool {
	return c.Status == CampaignActive &&
		!now.Before(c.ValidFrom) &&
		!now.After(c.ValidUntil) &&
		c.IssuedQuantity < c.TotalQuantity
}

// Remaining 是按持久化数量计算的剩余可发数量
func (c *Campaign) Remaining() int64 {
	if r := c.TotalQuantity - c.IssuedQuantity; r > 0 {
		return r
	}
	return 0
}

// Validate 校验活动定义本身是否合法
func (c *Campaign) Validate() error {
	if c.TotalQuantity < 0 || c.IssuedQuantity < 0 || c.IssuedQuantity > c.TotalQuantity {
		return fmt.Errorf("%w: quantities out of range (issued=%d, total=%d)", ErrInvalidCampaign, c.IssuedQuantity, c.TotalQuantity)
	}
	if c.ValidUntil.Before(c.ValidFrom) {
		return fmt.Errorf("%w: validity window ends before it starts", ErrInvalidCampaign)
	}
	if !c.DiscountValue.IsPositive() {
		return fmt.Errorf("%w: discount value must be positive", ErrInvalidCampaign)
	}
	switch c.DiscountType {
	case DiscountTypeFixedAmount:
		if !c.MaxDiscount.IsZero() {
			return fmt.Errorf("%w: max discount only applies to percentage coupons", ErrInvalidCampaign)
		}
	case DiscountTypePercentage:
		if c.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: percentage above 100", ErrInvalidCampaign)
		}
	default:
		return fmt.Errorf("%w: unknown discount type %q", ErrInvalidCampaign, c.DiscountType)
	}
	return nil
}

// Discount 计算给定订单金额可以优惠的金额，优惠金额不会超过订单金额本身。
func (c *Campaign) Discount(orderAmount decimal.Decimal) (decimal.Decimal, error) {
	if orderAmount.LessThan(c.MinOrderAmount) {
		return decimal.Zero, ErrOrderBelowMinimum
	}

	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountTypeFixedAmount:
		discount = c.DiscountValue
	case DiscountTypePercentage:
		discount = orderAmount.Mul(c.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
		if c.MaxDiscount.IsPositive() && discount.GreaterThan(c.MaxDiscount) {
			discount = c.MaxDiscount
		}
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown discount type %q", ErrInvalidCampaign, c.DiscountType)
	}

	if discount.GreaterThan(orderAmount) {
		discount = orderAmount
	}
	return discount, nil
}

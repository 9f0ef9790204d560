package infrastructure

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// CampaignModel 对应数据库中的 coupon_campaign 表
type CampaignModel struct {
	ID              int64           `gorm:"primaryKey"`
	Name            string          `gorm:"size:128;not null"`
	DiscountType    string          `gorm:"size:16;not null"`
	DiscountValue   decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	MaxDiscount     decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	MinOrderAmount  decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0"`
	TotalQuantity   int64           `gorm:"not null"`
	IssuedQuantity  int64           `gorm:"not null;default:0"`
	ValidFrom       time.Time       `gorm:"not null"`
	ValidUntil      time.Time       `gorm:"not null"`
	Status          string          `gorm:"size:16;not null;index"`
	EligibilityRule string          `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName 指定 GORM 应该使用的表名
func (CampaignModel) TableName() string {
	return "coupon_campaign"
}

// UserCouponModel 对应数据库中的 user_coupon 表。
// uniq_campaign_user 是防止重复发放的唯一防线，调度器和消费者两条写路径都依赖它。
type UserCouponModel struct {
	ID         int64        `gorm:"primaryKey;autoIncrement"`
	CampaignID int64        `gorm:"not null;uniqueIndex:uniq_campaign_user,priority:1"`
	UserID     int64        `gorm:"not null;uniqueIndex:uniq_campaign_user,priority:2;index:idx_user"`
	Status     string       `gorm:"size:16;not null"`
	IssuedAt   time.Time    `gorm:"not null"`
	UsedAt     sql.NullTime
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 指定 GORM 应该使用的表名
func (UserCouponModel) TableName() string {
	return "user_coupon"
}

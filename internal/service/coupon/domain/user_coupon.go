// internal/service/coupon/domain/user_coupon.go
package domain

import (
	"fmt"
	"time"
)

// UserCouponStatus 定义了用户优惠券的生命周期状态。
// RESERVED 用于下单未支付的中间态，支付失败时回到 UNUSED。
type UserCouponStatus string

const (
	StatusUnused   UserCouponStatus = "UNUSED"   // 未使用
	StatusReserved UserCouponStatus = "RESERVED" // 已锁定（下单但未支付）
	StatusUsed     UserCouponStatus = "USED"     // 已使用
	StatusExpired  UserCouponStatus = "EXPIRED"  // 已过期
)

// UserCoupon 是所有权记录: 某个用户确实领到了某个活动的一张券。
// 每个 (CampaignID, UserID) 至多一条，由数据库唯一约束保证。
type UserCoupon struct {
	ID         int64
	CampaignID int64
	UserID     int64
	Status     UserCouponStatus
	IssuedAt   time.Time
	UsedAt     *time.Time
}

// NewUserCoupon 创建一张刚发放的券
func NewUserCoupon(campaignID, userID int64, now time.Time) *UserCoupon {
	return &UserCoupon{
		CampaignID: campaignID,
		UserID:     userID,
		Status:     StatusUnused,
		IssuedAt:   now,
	}
}

// Reserve 下单时锁定优惠券
func (uc *UserCoupon) Reserve() error {
	return uc.transition(StatusUnused, StatusReserved)
}

// Use 支付完成，核销优惠券
func (uc *UserCoupon) Use(now time.Time) error {
	if err := uc.transition(StatusReserved, StatusUsed); err != nil {
		return err
	}
	uc.UsedAt = &now
	return nil
}

// CancelReservation 支付失败时释放锁定
func (uc *UserCoupon) CancelReservation() error {
	return uc.transition(StatusReserved, StatusUnused)
}

// Expire 将未使用或锁定中的券置为过期
func (uc *UserCoupon) Expire() error {
	if uc.Status != StatusUnused && uc.Status != StatusReserved {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, uc.Status, StatusExpired)
	}
	uc.Status = StatusExpired
	return nil
}

func (uc *UserCoupon) transition(from, to UserCouponStatus) error {
	if uc.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, uc.Status, to)
	}
	uc.Status = to
	return nil
}

package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/service/coupon/domain"
)

// OwnershipService 处理已发放券在订单流程中的状态流转:
// 下单锁定 -> 支付核销，或支付失败后释放。
type OwnershipService struct {
	campaigns domain.CampaignRepository
	coupons   domain.UserCouponRepository
	tracer    trace.Tracer
	now       func() time.Time
}

func NewOwnershipService(campaigns domain.CampaignRepository, coupons domain.UserCouponRepository, tracer trace.Tracer) *OwnershipService {
	return &OwnershipService{campaigns: campaigns, coupons: coupons, tracer: tracer, now: time.Now}
}

// WithClock 替换时钟
func (s *OwnershipService) WithClock(now func() time.Time) *OwnershipService {
	s.now = now
	return s
}

// Reserve 下单时锁定用户的券并返回可优惠金额。活动已过期的券会被标记为 EXPIRED。
func (s *OwnershipService) Reserve(ctx context.Context, campaignID, userID int64, orderAmount decimal.Decimal) (decimal.Decimal, error) {
	ctx, span := s.tracer.Start(ctx, "app.ReserveCoupon")
	defer span.End()
	span.SetAttributes(attribute.Int64("coupon.campaign.id", campaignID), attribute.Int64("user.id", userID))

	campaign, err := s.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		return decimal.Zero, err
	}
	coupon, err := s.coupons.FindByCampaignAndUser(ctx, campaignID, userID)
	if err != nil {
		return decimal.Zero, err
	}

	if s.now().After(campaign.ValidUntil) {
		if coupon.Status == domain.StatusUnused {
			s.expire(ctx, coupon)
		}
		return decimal.Zero, fmt.Errorf("%w: campaign %d has ended", domain.ErrCampaignUnavailable, campaignID)
	}

	discount, err := campaign.Discount(orderAmount)
	if err != nil {
		return decimal.Zero, err
	}
	if err := coupon.Reserve(); err != nil {
		return decimal.Zero, err
	}
	if err := s.coupons.UpdateStatus(ctx, coupon, domain.StatusUnused); err != nil {
		return decimal.Zero, err
	}
	span.SetAttributes(attribute.String("coupon.discount", discount.String()))
	return discount, nil
}

// Confirm 支付成功后核销
func (s *OwnershipService) Confirm(ctx context.Context, campaignID, userID int64) error {
	coupon, err := s.coupons.FindByCampaignAndUser(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if err := coupon.Use(s.now()); err != nil {
		return err
	}
	return s.coupons.UpdateStatus(ctx, coupon, domain.StatusReserved)
}

// CancelReservation 支付失败时把券还给用户
func (s *OwnershipService) CancelReservation(ctx context.Context, campaignID, userID int64) error {
	coupon, err := s.coupons.FindByCampaignAndUser(ctx, campaignID, userID)
	if err != nil {
		return err
	}
	if err := coupon.CancelReservation(); err != nil {
		return err
	}
	return s.coupons.UpdateStatus(ctx, coupon, domain.StatusReserved)
}

func (s *OwnershipService) expire(ctx context.Context, coupon *domain.UserCoupon) {
	if err := coupon.Expire(); err != nil {
		return
	}
	if err := s.coupons.UpdateStatus(ctx, coupon, domain.StatusUnused); err != nil && !errors.Is(err, domain.ErrStaleStatus) {
		logger.Ctx(ctx).Warn().Err(err).Int64("coupon_id", coupon.ID).Msg("failed to expire coupon")
	}
}

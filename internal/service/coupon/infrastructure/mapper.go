package infrastructure

import (
	"database/sql"

	"nexus-coupon/internal/service/coupon/domain"
)

// toDomainCampaign 将数据库模型转换为领域模型
func toDomainCampaign(m *CampaignModel) *domain.Campaign {
	if m == nil {
		return nil
	}
	return &domain.Campaign{
		ID:              m.ID,
		Name:            m.Name,
		DiscountType:    domain.DiscountType(m.DiscountType),
		DiscountValue:   m.DiscountValue,
		MaxDiscount:     m.MaxDiscount,
		MinOrderAmount:  m.MinOrderAmount,
		TotalQuantity:   m.TotalQuantity,
		IssuedQuantity:  m.IssuedQuantity,
		ValidFrom:       m.ValidFrom,
		ValidUntil:      m.ValidUntil,
		Status:          domain.CampaignStatus(m.Status),
		EligibilityRule: m.EligibilityRule,
	}
}

func fromDomainCampaign(c *domain.Campaign) *CampaignModel {
	return &CampaignModel{
		ID:              c.ID,
		Name:            c.Name,
		DiscountType:    string(c.DiscountType),
		DiscountValue:   c.DiscountValue,
		MaxDiscount:     c.MaxDiscount,
		MinOrderAmount:  c.MinOrderAmount,
		TotalQuantity:   c.TotalQuantity,
		IssuedQuantity:  c.IssuedQuantity,
		ValidFrom:       c.ValidFrom,
		ValidUntil:      c.ValidUntil,
		Status:          string(c.Status),
		EligibilityRule: c.EligibilityRule,
	}
}

func toDomainUserCoupon(m *UserCouponModel) *domain.UserCoupon {
	if m == nil {
		return nil
	}
	uc := &domain.UserCoupon{
		ID:         m.ID,
		CampaignID: m.CampaignID,
		UserID:     m.UserID,
		Status:     domain.UserCouponStatus(m.Status),
		IssuedAt:   m.IssuedAt,
	}
	if m.UsedAt.Valid {
		t := m.UsedAt.Time
		uc.UsedAt = &t
	}
	return uc
}

func fromDomainUserCoupon(uc *domain.UserCoupon) *UserCouponModel {
	m := &UserCouponModel{
		ID:         uc.ID,
		CampaignID: uc.CampaignID,
		UserID:     uc.UserID,
		Status:     string(uc.Status),
		IssuedAt:   uc.IssuedAt,
	}
	if uc.UsedAt != nil {
		m.UsedAt = sql.NullTime{Time: *uc.UsedAt, Valid: true}
	}
	return m
}

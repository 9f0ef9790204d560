package application

import (
	"context"
	"fmt"

	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
)

// CampaignOverview 对比快速通道和持久化两侧的数量
type CampaignOverview struct {
	CampaignID     int64 `json:"campaignId"`
	TotalQuantity  int64 `json:"totalQuantity"`
	IssuedQuantity int64 `json:"issuedQuantity"`
	Counter        int64 `json:"counter"`
	QueueLength    int64 `json:"queueLength"`
}

// StatusService 提供只读的状态查询和管理用的重置
type StatusService struct {
	campaigns domain.CampaignRepository
	store     port.AdmissionStore
}

func NewStatusService(campaigns domain.CampaignRepository, store port.AdmissionStore) *StatusService {
	return &StatusService{campaigns: campaigns, store: store}
}

// UserStatus 返回用户的发券状态，记录不存在或已过期时返回 domain.ErrStatusNotFound
func (s *StatusService) UserStatus(ctx context.Context, campaignID, userID int64) (domain.IssuanceStatus, error) {
	return s.store.GetStatus(ctx, campaignID, userID)
}

func (s *StatusService) Overview(ctx context.Context, campaignID int64) (*CampaignOverview, error) {
	campaign, err := s.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counter, err := s.store.CounterValue(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read counter: %w", err)
	}
	queueLength, err := s.store.QueueLength(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read queue length: %w", err)
	}
	return &CampaignOverview{
		CampaignID:     campaignID,
		TotalQuantity:  campaign.TotalQuantity,
		IssuedQuantity: campaign.IssuedQuantity,
		Counter:        counter,
		QueueLength:    queueLength,
	}, nil
}

// ResetCampaign 清空快速通道状态，然后把计数器恢复到持久化的发放数量，上限依旧有效。
func (s *StatusService) ResetCampaign(ctx context.Context, campaignID int64) error {
	campaign, err := s.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := s.store.Reset(ctx, campaignID); err != nil {
		return err
	}
	if _, err := s.store.RaiseCounter(ctx, campaignID, campaign.IssuedQuantity); err != nil {
		return fmt.Errorf("restore counter after reset: %w", err)
	}
	return nil
}

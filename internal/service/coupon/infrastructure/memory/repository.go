package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nexus-coupon/internal/service/coupon/domain"
)

// Repository 同时实现 CampaignRepository / IssuanceWriter / UserCouponRepository。
// (campaign, user) 的唯一性在锁内判断，相当于数据库的唯一索引。
type Repository struct {
	mu        sync.Mutex
	now       func() time.Time
	campaigns map[int64]domain.Campaign
	coupons   map[[2]int64]domain.UserCoupon
	nextID    int64
}

func NewRepository() *Repository {
	return &Repository{
		now:       time.Now,
		campaigns: make(map[int64]domain.Campaign),
		coupons:   make(map[[2]int64]domain.UserCoupon),
	}
}

// WithClock 替换时钟
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) FindByID(_ context.Context, id int64) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, domain.ErrCampaignNotFound
	}
	return &c, nil
}

func (r *Repository) ListActive(_ context.Context) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		if c.Status == domain.CampaignActive {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) Save(_ context.Context, campaign *domain.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[campaign.ID] = *campaign
	return nil
}

// Issue 校验、插入、递增在同一把锁内完成，等价于一个数据库事务
func (r *Repository) Issue(_ context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil, fmt.Errorf("%w: campaign %d: %w", domain.ErrCampaignUnavailable, campaignID, domain.ErrCampaignNotFound)
	}
	if !c.CanIssue(now) {
		return nil, fmt.Errorf("%w: campaign %d cannot issue", domain.ErrCampaignUnavailable, campaignID)
	}
	key := [2]int64{campaignID, userID}
	if _, exists := r.coupons[key]; exists {
		return nil, fmt.Errorf("%w: campaign %d user %d", domain.ErrAlreadyIssued, campaignID, userID)
	}

	r.nextID++
	uc := domain.NewUserCoupon(campaignID, userID, now)
	uc.ID = r.nextID
	r.coupons[key] = *uc
	c.IssuedQuantity++
	r.campaigns[campaignID] = c
	return uc, nil
}

func (r *Repository) FindByCampaignAndUser(_ context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uc, ok := r.coupons[[2]int64{campaignID, userID}]
	if !ok {
		return nil, domain.ErrUserCouponNotFound
	}
	return &uc, nil
}

func (r *Repository) UpdateStatus(_ context.Context, coupon *domain.UserCoupon, from domain.UserCouponStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int64{coupon.CampaignID, coupon.UserID}
	current, ok := r.coupons[key]
	if !ok {
		return domain.ErrUserCouponNotFound
	}
	if current.Status != from {
		return domain.ErrStaleStatus
	}
	current.Status = coupon.Status
	current.UsedAt = coupon.UsedAt
	r.coupons[key] = current
	return nil
}

// CouponCount 返回某活动已存在的所有权记录数 (测试观察用)
func (r *Repository) CouponCount(campaignID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.coupons {
		if key[0] == campaignID {
			n++
		}
	}
	return n
}

package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"nexus-coupon/internal/service/coupon/domain"
)

const mysqlErrDuplicateEntry = 1062

// GormCouponRepository 是 CampaignRepository、IssuanceWriter 和 UserCouponRepository 的 GORM 实现
type GormCouponRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormCouponRepository 创建一个新的 GORM 仓储实例
func NewGormCouponRepository(db *gorm.DB) *GormCouponRepository {
	return &GormCouponRepository{db: db, now: time.Now}
}

// FindByID 按 ID 查找活动
func (r *GormCouponRepository) FindByID(ctx context.Context, id int64) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCampaignNotFound
		}
		return nil, err
	}
	return toDomainCampaign(&model), nil
}

// ListActive 返回所有 ACTIVE 活动，调度器每个 tick 调用一次
func (r *GormCouponRepository) ListActive(ctx context.Context) ([]*domain.Campaign, error) {
	var models []CampaignModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(domain.CampaignActive)).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	campaigns := make([]*domain.Campaign, 0, len(models))
	for i := range models {
		campaigns = append(campaigns, toDomainCampaign(&models[i]))
	}
	return campaigns, nil
}

// Save 新建或整体覆盖一个活动定义
func (r *GormCouponRepository) Save(ctx context.Context, campaign *domain.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(fromDomainCampaign(campaign)).Error
}

// Issue 在一个事务中插入所有权记录并递增 issued_quantity。
// 重复由 uniq_campaign_user 唯一索引裁决，递增带 issued_quantity < total_quantity 条件，
// 两条写路径并发时也不会超发。
func (r *GormCouponRepository) Issue(ctx context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	var issued *domain.UserCoupon
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model CampaignModel
		if err := tx.Where("id = ?", campaignID).Take(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: campaign %d: %w", domain.ErrCampaignUnavailable, campaignID, domain.ErrCampaignNotFound)
			}
			return err
		}

		now := r.now()
		campaign := toDomainCampaign(&model)
		if !campaign.CanIssue(now) {
			return fmt.Errorf("%w: campaign %d cannot issue (status=%s, issued=%d/%d)",
				domain.ErrCampaignUnavailable, campaignID, campaign.Status, campaign.IssuedQuantity, campaign.TotalQuantity)
		}

		coupon := domain.NewUserCoupon(campaignID, userID, now)
		row := fromDomainUserCoupon(coupon)
		if err := tx.Create(row).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: campaign %d user %d", domain.ErrAlreadyIssued, campaignID, userID)
			}
			return err
		}

		res := tx.Model(&CampaignModel{}).
			Where("id = ? AND issued_quantity < total_quantity", campaignID).
			UpdateColumn("issued_quantity", gorm.Expr("issued_quantity + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: campaign %d sold out", domain.ErrCampaignUnavailable, campaignID)
		}

		coupon.ID = row.ID
		issued = coupon
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyIssued) || errors.Is(err, domain.ErrCampaignUnavailable) {
			return nil, err
		}
		// 保留调用栈，死信记录的 trace 字段从这里取
		return nil, pkgerrors.WithStack(fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}
	return issued, nil
}

// FindByCampaignAndUser 读取一个用户在某活动下的券
func (r *GormCouponRepository) FindByCampaignAndUser(ctx context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	var model UserCouponModel
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND user_id = ?", campaignID, userID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUserCouponNotFound
		}
		return nil, err
	}
	return toDomainUserCoupon(&model), nil
}

// UpdateStatus 用 status = from 作为乐观锁条件
func (r *GormCouponRepository) UpdateStatus(ctx context.Context, coupon *domain.UserCoupon, from domain.UserCouponStatus) error {
	updateData := map[string]interface{}{
		"status": string(coupon.Status),
	}
	if coupon.UsedAt != nil {
		updateData["used_at"] = *coupon.UsedAt
	}
	res := r.db.WithContext(ctx).Model(&UserCouponModel{}).
		Where("id = ? AND status = ?", coupon.ID, string(from)).
		Updates(updateData)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: coupon %d no longer %s", domain.ErrStaleStatus, coupon.ID, from)
	}
	return nil
}

// isDuplicateKey 兼容 TranslateError 翻译后的错误和驱动原始的 1062 错误
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

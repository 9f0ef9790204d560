// internal/service/coupon/domain/repository.go
package domain

import "context"

// CampaignRepository 定义了活动的持久化接口。
// 它位于领域层，但由基础设施层实现。
type CampaignRepository interface {
	FindByID(ctx context.Context, id int64) (*Campaign, error)
	// ListActive 返回所有 ACTIVE 状态的活动 (不判断有效期)
	ListActive(ctx context.Context) ([]*Campaign, error)
	Save(ctx context.Context, campaign *Campaign) error
}

// IssuanceWriter 在一个事务中创建所有权记录并递增活动的 IssuedQuantity。
// 重复由唯一约束裁决并返回 ErrAlreadyIssued，不做事先的存在性查询。
type IssuanceWriter interface {
	Issue(ctx context.Context, campaignID, userID int64) (*UserCoupon, error)
}

// UserCouponRepository 负责所有权记录的读取和状态流转
type UserCouponRepository interface {
	FindByCampaignAndUser(ctx context.Context, campaignID, userID int64) (*UserCoupon, error)
	// UpdateStatus 仅当当前状态等于 from 时才更新，否则返回 ErrStaleStatus
	UpdateStatus(ctx context.Context, coupon *UserCoupon, from UserCouponStatus) error
}

// Fact 是规则引擎求值时可见的事实
type Fact struct {
	CampaignID int64
	UserID     int64
}

// RuleEngine 评估活动的准入规则
type RuleEngine interface {
	Evaluate(ruleDefinition string, fact Fact) (bool, error)
}

// internal/service/coupon/application/gatekeeper.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/metrics"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
)

// Gatekeeper 是快速通道的准入入口，每次抢券请求同步调用一次。
// 这里只访问 AdmissionStore，不产生任何关系库写入。
type Gatekeeper struct {
	campaigns domain.CampaignRepository
	store     port.AdmissionStore
	rules     domain.RuleEngine
	statusTTL time.Duration
	tracer    trace.Tracer
	now       func() time.Time
}

// NewGatekeeper 创建准入服务。rules 可以为 nil，表示不启用准入规则。
func NewGatekeeper(campaigns domain.CampaignRepository, store port.AdmissionStore, rules domain.RuleEngine, statusTTL time.Duration, tracer trace.Tracer) *Gatekeeper {
	return &Gatekeeper{
		campaigns: campaigns,
		store:     store,
		rules:     rules,
		statusTTL: statusTTL,
		tracer:    tracer,
		now:       time.Now,
	}
}

// WithClock 替换时钟，排队分数取自这个时钟
func (g *Gatekeeper) WithClock(now func() time.Time) *Gatekeeper {
	g.now = now
	return g
}

// RequestAdmission 对一次抢券请求做出准入决定。
// 返回 nil 表示已进入队列；拒绝原因通过 domain.ReasonOf(err) 获得。
// 任何一步失败都会回滚之前步骤对计数器和去重集合的修改。
func (g *Gatekeeper) RequestAdmission(ctx context.Context, campaignID, userID int64) (err error) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "app.RequestAdmission")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("coupon.campaign.id", campaignID),
		attribute.Int64("user.id", userID),
	)
	defer func() {
		metrics.AdmissionLatency.Observe(time.Since(start).Seconds())
		metrics.AdmissionTotal.WithLabelValues(admissionResult(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.ReasonOf(err)))
		}
	}()

	// 1. 活动必须可发放，并且用户满足活动的准入规则
	campaign, err := g.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, domain.ErrCampaignNotFound) {
			return fmt.Errorf("%w: %w", domain.ErrCampaignUnavailable, err)
		}
		return fmt.Errorf("load campaign %d: %w", campaignID, err)
	}
	now := g.now()
	if !campaign.CanIssue(now) {
		return fmt.Errorf("%w: campaign %d is not issuable", domain.ErrCampaignUnavailable, campaignID)
	}
	if g.rules != nil && campaign.EligibilityRule != "" {
		eligible, err := g.rules.Evaluate(campaign.EligibilityRule, domain.Fact{CampaignID: campaignID, UserID: userID})
		if err != nil {
			return fmt.Errorf("evaluate eligibility rule of campaign %d: %w", campaignID, err)
		}
		if !eligible {
			return fmt.Errorf("%w: user %d is not eligible for campaign %d", domain.ErrCampaignUnavailable, userID, campaignID)
		}
	}

	// 2. 带上限的原子加一
	reserved, err := g.store.Reserve(ctx, campaignID, campaign.TotalQuantity)
	if err != nil {
		return fmt.Errorf("reserve slot for campaign %d: %w", campaignID, err)
	}
	if !reserved {
		return fmt.Errorf("%w: campaign %d sold out", domain.ErrCampaignUnavailable, campaignID)
	}
	span.AddEvent("Slot reserved.")

	// 3. 去重
	added, err := g.store.TestAndAdd(ctx, campaignID, userID)
	if err != nil {
		g.releaseSlot(ctx, campaignID)
		return fmt.Errorf("dedup check for user %d: %w", userID, err)
	}
	if !added {
		g.releaseSlot(ctx, campaignID)
		return fmt.Errorf("%w: user %d already admitted to campaign %d", domain.ErrAlreadyIssued, userID, campaignID)
	}

	// 4. 按毫秒时间戳入队
	entry := domain.QueueEntry{CampaignID: campaignID, UserID: userID, AdmittedAt: now.UnixMilli()}
	if err := g.store.Enqueue(ctx, entry); err != nil {
		g.releaseSlot(ctx, campaignID)
		g.forgetUser(ctx, campaignID, userID)
		return fmt.Errorf("%w: campaign %d user %d: %v", domain.ErrQueueWrite, campaignID, userID, err)
	}
	span.AddEvent("Admission enqueued.")

	// 5. 用户已经在队列里，状态写失败不再拒绝，调度器会覆盖最终状态
	if err := g.store.SetStatus(ctx, campaignID, userID, domain.IssuancePending, g.statusTTL); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Int64("campaign_id", campaignID).
			Int64("user_id", userID).
			Msg("failed to write PENDING status after enqueue")
	}
	return nil
}

func (g *Gatekeeper) releaseSlot(ctx context.Context, campaignID int64) {
	if err := g.store.Release(ctx, campaignID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("campaign_id", campaignID).
			Msg("CRITICAL: failed to roll back reserved slot, counter is now ahead of admissions")
	}
}

func (g *Gatekeeper) forgetUser(ctx context.Context, campaignID, userID int64) {
	if err := g.store.Forget(ctx, campaignID, userID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("campaign_id", campaignID).Int64("user_id", userID).
			Msg("CRITICAL: failed to roll back dedup membership, user cannot retry admission")
	}
}

func admissionResult(err error) string {
	switch domain.ReasonOf(err) {
	case domain.ReasonNone:
		return "accepted"
	case domain.ReasonNotAvailable:
		return "not_available"
	case domain.ReasonAlreadyIssued:
		return "already_issued"
	default:
		return "internal_error"
	}
}

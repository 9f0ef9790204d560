// internal/service/coupon/application/scheduler.go
package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/metrics"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
)

// TickGuard 是集群范围的 tick 互斥锁，*zookeeper.DistributedLock 满足这个接口。
type TickGuard interface {
	TryLock() (bool, error)
	Unlock() error
}

// SchedulerOptions 是调度器的运行参数
type SchedulerOptions struct {
	Interval     time.Duration
	MaxBatchSize int
	StatusTTL    time.Duration
}

// Scheduler 周期性地从每个活动的队列中按 FIFO 取出一批用户并落库。
// 同一进程内 tick 不会重入: 上一个 tick 还没结束时到期的 tick 直接跳过。
type Scheduler struct {
	campaigns   domain.CampaignRepository
	store       port.AdmissionStore
	issuer      *IssuanceService
	deadLetters port.DeadLetterPublisher
	guard       TickGuard
	opts        SchedulerOptions
	tracer      trace.Tracer
	now         func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewScheduler 创建调度器。deadLetters 可以为 nil。
func NewScheduler(campaigns domain.CampaignRepository, store port.AdmissionStore, issuer *IssuanceService, deadLetters port.DeadLetterPublisher, opts SchedulerOptions, tracer trace.Tracer) *Scheduler {
	return &Scheduler{
		campaigns:   campaigns,
		store:       store,
		issuer:      issuer,
		deadLetters: deadLetters,
		opts:        opts,
		tracer:      tracer,
		now:         time.Now,
	}
}

// WithTickGuard 启用集群锁，多个实例中同一时刻只有一个执行 tick
func (s *Scheduler) WithTickGuard(guard TickGuard) *Scheduler {
	s.guard = guard
	return s
}

// Run 按固定间隔触发 tick，直到 ctx 被取消。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().
		Dur("interval", s.opts.Interval).
		Int("max_batch_size", s.opts.MaxBatchSize).
		Msg("✅ Issuance scheduler started.")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			logger.L().Info().Msg("🛑 Issuance scheduler stopped.")
			return nil
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick 执行一次调度。返回 false 表示本次被跳过。
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SchedulerTicksSkipped.Inc()
		logger.Ctx(ctx).Debug().Msg("previous tick still running, skipping")
		return false
	}
	defer s.running.Store(false)

	if s.guard != nil {
		acquired, err := s.guard.TryLock()
		if err != nil {
			metrics.SchedulerTicksSkipped.Inc()
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to acquire scheduler cluster lock, skipping tick")
			return false
		}
		if !acquired {
			metrics.SchedulerTicksSkipped.Inc()
			return false
		}
		defer func() {
			if err := s.guard.Unlock(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to release scheduler cluster lock")
			}
		}()
	}

	if err := s.RunOnce(ctx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("scheduler tick failed")
	}
	return true
}

// RunOnce 处理所有 ACTIVE 活动。单个活动的失败只会被记录，不影响其他活动。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.Tick")
	defer span.End()

	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	for _, campaign := range campaigns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processCampaignSafely(ctx, campaign)
	}
	return nil
}

func (s *Scheduler) processCampaignSafely(ctx context.Context, campaign *domain.Campaign) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx).Error().
				Int64("campaign_id", campaign.ID).
				Interface("panic", r).
				Msg("CRITICAL: panic while processing campaign queue")
		}
	}()
	if err := s.processCampaign(ctx, campaign); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("campaign_id", campaign.ID).Msg("campaign tick aborted")
	}
}

func (s *Scheduler) processCampaign(ctx context.Context, campaign *domain.Campaign) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.ProcessCampaign")
	defer span.End()
	span.SetAttributes(attribute.Int64("coupon.campaign.id", campaign.ID))

	queueLength, err := s.store.QueueLength(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("read queue length: %w", err)
	}
	if queueLength == 0 {
		s.reconcile(ctx, campaign.ID)
		return nil
	}

	// 剩余数量以持久化的 IssuedQuantity 为准
	remaining := campaign.Remaining()
	if remaining == 0 {
		return s.drainSoldOut(ctx, campaign.ID, queueLength)
	}

	batchSize := min(remaining, queueLength, int64(s.opts.MaxBatchSize))
	entries, err := s.store.PopBatch(ctx, campaign.ID, int(batchSize))
	if err != nil {
		return fmt.Errorf("pop batch of %d: %w", batchSize, err)
	}
	metrics.SchedulerBatchSize.Observe(float64(len(entries)))
	span.SetAttributes(attribute.Int("coupon.batch.size", len(entries)))

	statuses := make(map[int64]domain.IssuanceStatus, len(entries))
	for _, entry := range entries {
		statuses[entry.UserID] = s.issueEntry(ctx, entry)
	}
	if err := s.store.SetStatuses(ctx, campaign.ID, statuses, s.opts.StatusTTL); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Int64("campaign_id", campaign.ID).
			Int("batch_size", len(entries)).
			Msg("failed to write batch statuses")
	}

	s.reconcile(ctx, campaign.ID)
	return nil
}

// issueEntry 独立处理一个排队用户，返回它的最终状态
func (s *Scheduler) issueEntry(ctx context.Context, entry domain.QueueEntry) domain.IssuanceStatus {
	_, err := s.issuer.Issue(ctx, domain.SourceScheduler, entry.CampaignID, entry.UserID)
	switch {
	case err == nil:
		return domain.IssuanceIssued
	case errors.Is(err, domain.ErrAlreadyIssued):
		// 这张券已经计入持久化数量，对账下限里已有它，这次占用的名额要还回去
		if err := s.store.Release(ctx, entry.CampaignID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("campaign_id", entry.CampaignID).Int64("user_id", entry.UserID).
				Msg("failed to release slot of duplicate entry")
		}
		return domain.IssuanceIssued
	}

	logger.Ctx(ctx).Error().Err(err).
		Int64("campaign_id", entry.CampaignID).
		Int64("user_id", entry.UserID).
		Msg("scheduler failed to issue coupon, releasing reservation and dead-lettering")

	// 归还名额并移出去重集合，用户可以重新抢
	if err := s.store.Release(ctx, entry.CampaignID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("campaign_id", entry.CampaignID).Msg("failed to release slot of failed entry")
	}
	if err := s.store.Forget(ctx, entry.CampaignID, entry.UserID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("campaign_id", entry.CampaignID).Int64("user_id", entry.UserID).
			Msg("failed to remove failed entry from dedup set")
	}

	req := domain.IssuanceRequested{
		EventID:    uuid.NewString(),
		EventType:  domain.EventTypeIssuanceRequested,
		OccurredAt: time.UnixMilli(entry.AdmittedAt),
		CampaignID: entry.CampaignID,
		UserID:     entry.UserID,
		Timestamp:  entry.AdmittedAt,
	}
	PublishDeadLetter(ctx, s.deadLetters, NewDeadLetterRecord(req, domain.SourceScheduler, err, 1, s.now()))
	return domain.IssuanceFailed
}

// drainSoldOut 持久化数量已满但队列里还有人: 这些用户不可能再拿到券，直接标记 FAILED
func (s *Scheduler) drainSoldOut(ctx context.Context, campaignID, queueLength int64) error {
	entries, err := s.store.PopBatch(ctx, campaignID, int(min(queueLength, int64(s.opts.MaxBatchSize))))
	if err != nil {
		return fmt.Errorf("drain sold out queue: %w", err)
	}
	statuses := make(map[int64]domain.IssuanceStatus, len(entries))
	for _, entry := range entries {
		statuses[entry.UserID] = domain.IssuanceFailed
	}
	if err := s.store.SetStatuses(ctx, campaignID, statuses, s.opts.StatusTTL); err != nil {
		return fmt.Errorf("write sold out statuses: %w", err)
	}
	logger.Ctx(ctx).Info().Int64("campaign_id", campaignID).Int("drained", len(entries)).
		Msg("campaign sold out, remaining queue entries marked FAILED")
	s.reconcile(ctx, campaignID)
	return nil
}

// reconcile 把快速通道计数器抬到至少持久化的发放数量，并导出两者的偏差
func (s *Scheduler) reconcile(ctx context.Context, campaignID int64) {
	campaign, err := s.campaigns.FindByID(ctx, campaignID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("campaign_id", campaignID).Msg("reconcile skipped, campaign reload failed")
		return
	}
	counter, err := s.store.RaiseCounter(ctx, campaignID, campaign.IssuedQuantity)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("campaign_id", campaignID).Msg("reconcile skipped, counter update failed")
		return
	}
	metrics.CounterSkew.WithLabelValues(strconv.FormatInt(campaignID, 10)).Set(float64(counter - campaign.IssuedQuantity))
}

package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/metrics"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
)

// IssuanceService 包装 IssuanceWriter，调度器和 Kafka 消费者共用它落库。
type IssuanceService struct {
	writer    domain.IssuanceWriter
	store     port.AdmissionStore
	publisher port.IssuanceRequestPublisher
	statusTTL time.Duration
	tracer    trace.Tracer
	now       func() time.Time
}

// NewIssuanceService 创建发券服务。publisher 为 nil 时异步发券入口不可用。
func NewIssuanceService(writer domain.IssuanceWriter, store port.AdmissionStore, publisher port.IssuanceRequestPublisher, statusTTL time.Duration, tracer trace.Tracer) *IssuanceService {
	return &IssuanceService{
		writer:    writer,
		store:     store,
		publisher: publisher,
		statusTTL: statusTTL,
		tracer:    tracer,
		now:       time.Now,
	}
}

// Issue 调用 IssuanceWriter 落库一张券，source 标识调用方 (scheduler / consumer)。
func (s *IssuanceService) Issue(ctx context.Context, source domain.DeadLetterSource, campaignID, userID int64) (*domain.UserCoupon, error) {
	ctx, span := s.tracer.Start(ctx, "app.Issue")
	defer span.End()
	span.SetAttributes(
		attribute.String("coupon.issue.source", string(source)),
		attribute.Int64("coupon.campaign.id", campaignID),
		attribute.Int64("user.id", userID),
	)

	coupon, err := s.writer.Issue(ctx, campaignID, userID)
	metrics.IssuanceTotal.WithLabelValues(string(source), issuanceResult(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, issuanceResult(err))
		return nil, err
	}
	span.AddEvent("Ownership record created.")
	return coupon, nil
}

// RecordOutcome 把最终结果写回用户状态。写失败只记日志，状态记录是尽力而为的观察窗口。
func (s *IssuanceService) RecordOutcome(ctx context.Context, campaignID, userID int64, status domain.IssuanceStatus) {
	if err := s.store.SetStatus(ctx, campaignID, userID, status, s.statusTTL); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Int64("campaign_id", campaignID).
			Int64("user_id", userID).
			Str("status", string(status)).
			Msg("failed to record issuance outcome")
	}
}

// RememberOwner 把已经拿到券的用户写入去重集合，之后的快速通道请求在第 3 步直接返回 ALREADY_ISSUED。
// 异步路径不经过 Gatekeeper，需要在落库成功后补上这一步。
func (s *IssuanceService) RememberOwner(ctx context.Context, campaignID, userID int64) {
	if _, err := s.store.TestAndAdd(ctx, campaignID, userID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Int64("campaign_id", campaignID).
			Int64("user_id", userID).
			Msg("failed to add owner to dedup set")
	}
}

// RequestIssuance 走异步路径: 直接发布一条发券请求消息，由消费者落库，不经过快速通道队列。
func (s *IssuanceService) RequestIssuance(ctx context.Context, campaignID, userID int64) (*domain.IssuanceRequested, error) {
	if s.publisher == nil {
		return nil, errors.New("issuance request publisher is not configured")
	}
	ctx, span := s.tracer.Start(ctx, "app.RequestIssuance", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	now := s.now()
	event := &domain.IssuanceRequested{
		EventID:    uuid.NewString(),
		EventType:  domain.EventTypeIssuanceRequested,
		OccurredAt: now,
		CampaignID: campaignID,
		UserID:     userID,
		Timestamp:  now.UnixMilli(),
	}
	span.SetAttributes(attribute.String("messaging.message.id", event.EventID))

	if err := s.publisher.PublishIssuanceRequest(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return nil, fmt.Errorf("publish issuance request: %w", err)
	}
	s.RecordOutcome(ctx, campaignID, userID, domain.IssuancePending)
	return event, nil
}

func issuanceResult(err error) string {
	switch {
	case err == nil:
		return "issued"
	case errors.Is(err, domain.ErrAlreadyIssued):
		return "duplicate"
	case errors.Is(err, domain.ErrCampaignUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}

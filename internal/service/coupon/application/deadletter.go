package application

import (
	"context"
	"fmt"
	"time"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/metrics"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
)

// NewDeadLetterRecord 把最后一次失败包装成死信记录。
// Trace 使用 %+v，对 pkg/errors 包装过的错误会带上调用栈。
func NewDeadLetterRecord(req domain.IssuanceRequested, source domain.DeadLetterSource, lastErr error, attempts int, at time.Time) *domain.DeadLetterRecord {
	return &domain.DeadLetterRecord{
		Request:       req,
		Source:        source,
		FailureReason: lastErr.Error(),
		RetryCount:    attempts,
		LastAttemptAt: at,
		ErrorType:     fmt.Sprintf("%T", lastErr),
		Trace:         fmt.Sprintf("%+v", lastErr),
	}
}

// PublishDeadLetter 投递死信。投递失败只记录日志并吞掉错误，调用方照常确认原消息。
func PublishDeadLetter(ctx context.Context, publisher port.DeadLetterPublisher, record *domain.DeadLetterRecord) {
	source := string(record.Source)
	if publisher == nil {
		metrics.DeadLettersPublished.WithLabelValues(source, "disabled").Inc()
		logger.Ctx(ctx).Error().
			Int64("campaign_id", record.Request.CampaignID).
			Int64("user_id", record.Request.UserID).
			Str("reason", record.FailureReason).
			Msg("dead letter channel not configured, failure record dropped")
		return
	}
	if err := publisher.PublishDeadLetter(ctx, record); err != nil {
		metrics.DeadLettersPublished.WithLabelValues(source, "error").Inc()
		logger.Ctx(ctx).Error().Err(err).
			Int64("campaign_id", record.Request.CampaignID).
			Int64("user_id", record.Request.UserID).
			Int("retry_count", record.RetryCount).
			Str("reason", record.FailureReason).
			Msg("CRITICAL: failed to publish dead letter, failure record dropped")
		return
	}
	metrics.DeadLettersPublished.WithLabelValues(source, "ok").Inc()
}

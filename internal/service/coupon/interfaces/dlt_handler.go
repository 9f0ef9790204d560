// internal/service/coupon/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/metrics"
	"nexus-coupon/internal/pkg/mq"
	"nexus-coupon/internal/service/coupon/domain"
)

// DltConsumerAdapter 监听死信队列并记录日志，不做任何补救
type DltConsumerAdapter struct {
	reader MessageFetcher
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewDltConsumerAdapter(reader MessageFetcher) *DltConsumerAdapter {
	return &DltConsumerAdapter{
		reader: reader,
	}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Msg("✅ DLT Consumer Adapter started.")
		for {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					logger.L().Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not fetch dead letter, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			logDeadLetter(mq.ExtractTraceContext(ctx, msg.Headers), msg)
			metrics.DeadLettersObserved.Inc()

			// DLT中的消息总是直接提交，因为它们已经被"处理"了（即记录日志）
			if err := a.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit dead letter")
			}
		}
	}()
}

func (a *DltConsumerAdapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if err := a.reader.Close(); err != nil {
		logger.L().Error().Err(err).Msg("failed to close DLT reader")
	}
	logger.L().Info().Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	event := logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", mq.Header(msg.Headers, mq.HeaderOriginalTopic)).
		Str("original_partition", mq.Header(msg.Headers, mq.HeaderOriginalPartition)).
		Str("original_offset", mq.Header(msg.Headers, mq.HeaderOriginalOffset)).
		Str("exception_fqcn", mq.Header(msg.Headers, mq.HeaderExceptionFqcn)).
		Str("exception_message", mq.Header(msg.Headers, mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key))

	var record domain.DeadLetterRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		event.Str("value", string(msg.Value)).Msg("🚨 CRITICAL: Undecodable dead letter message received")
		return
	}
	event.
		Str("source", string(record.Source)).
		Int64("campaign_id", record.Request.CampaignID).
		Int64("user_id", record.Request.UserID).
		Str("event_id", record.Request.EventID).
		Int("retry_count", record.RetryCount).
		Time("last_attempt_at", record.LastAttemptAt).
		Str("failure_reason", record.FailureReason).
		Str("trace", record.Trace).
		Msg("🚨 CRITICAL: Dead letter message received")
}

// internal/service/coupon/interfaces/issuance_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/pkg/metrics"
	"nexus-coupon/internal/pkg/mq"
	"nexus-coupon/internal/service/coupon/application"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/domain/port"
)

const commitTimeout = 5 * time.Second

// MessageFetcher 是 *kafka.Reader 中消费者用到的部分
type MessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerOptions 是发券消费者的重试与并发参数
type ConsumerOptions struct {
	MaxAttempts int
	// 第 n 次失败后等待 n * BackoffUnit 再重试
	BackoffUnit time.Duration
	// MaxInFlight 限制已拉取但尚未确认的消息数
	MaxInFlight int64
}

// delivery 是一条消息的处理过程，重试时复用
type delivery struct {
	ctx      context.Context
	msg      kafka.Message
	event    domain.IssuanceRequested
	attempts int
}

// IssuanceConsumerAdapter 是一个驱动适配器，消费发券请求并调用 IssuanceService。
// 每个分区一个 worker 按顺序处理首次尝试；失败的消息在定时器上延迟重试，不阻塞分区 worker。
// offset 按分区水位提交，每条消息只被确认一次。
type IssuanceConsumerAdapter struct {
	reader      MessageFetcher
	issuer      *application.IssuanceService
	deadLetters port.DeadLetterPublisher
	opts        ConsumerOptions
	tracer      trace.Tracer
	now         func() time.Time

	sem      *semaphore.Weighted
	offsets  *offsetTracker
	commitMu sync.Mutex

	cancel   context.CancelFunc
	done     chan struct{}
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

// NewIssuanceConsumerAdapter 创建一个新的发券消费者。
func NewIssuanceConsumerAdapter(reader MessageFetcher, issuer *application.IssuanceService, deadLetters port.DeadLetterPublisher, opts ConsumerOptions, tracer trace.Tracer) *IssuanceConsumerAdapter {
	return &IssuanceConsumerAdapter{
		reader:      reader,
		issuer:      issuer,
		deadLetters: deadLetters,
		opts:        opts,
		tracer:      tracer,
		now:         time.Now,
		sem:         semaphore.NewWeighted(opts.MaxInFlight),
		offsets:     newOffsetTracker(),
		done:        make(chan struct{}),
	}
}

// Start 开始消费。这是一个非阻塞方法，调用 Stop 结束。
func (a *IssuanceConsumerAdapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.run(ctx)
}

// Stop 停止拉取，等待正在处理的消息结束，然后关闭 reader。
// 还在等待重试的消息会被放弃且不提交，重启后由 broker 重新投递。
func (a *IssuanceConsumerAdapter) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if err := a.reader.Close(); err != nil {
		logger.L().Error().Err(err).Msg("failed to close issuance consumer reader")
	}
	logger.L().Info().Msg("✅ Issuance Consumer Adapter stopped.")
}

func (a *IssuanceConsumerAdapter) run(ctx context.Context) {
	defer close(a.done)
	logger.Ctx(ctx).Info().
		Int("max_attempts", a.opts.MaxAttempts).
		Dur("backoff_unit", a.opts.BackoffUnit).
		Msg("✅ Issuance Consumer Adapter started.")

	partitions := make(map[int]chan *delivery)
	defer func() {
		for _, ch := range partitions {
			close(ch)
		}
		a.workers.Wait()
		a.inflight.Wait()
		logger.L().Info().Msg("🛑 Issuance Consumer Adapter shutting down.")
	}()

	for {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			a.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		a.offsets.track(msg.Partition, msg.Offset)
		a.inflight.Add(1)

		ch, ok := partitions[msg.Partition]
		if !ok {
			ch = make(chan *delivery, 64)
			partitions[msg.Partition] = ch
			a.workers.Add(1)
			go a.partitionWorker(ctx, ch)
		}
		d := &delivery{ctx: mq.ExtractTraceContext(ctx, msg.Headers), msg: msg}
		select {
		case ch <- d:
		case <-ctx.Done():
			a.abandon(d)
			return
		}
	}
}

func (a *IssuanceConsumerAdapter) partitionWorker(ctx context.Context, ch <-chan *delivery) {
	defer a.workers.Done()
	for d := range ch {
		if ctx.Err() != nil {
			a.abandon(d)
			continue
		}
		if err := json.Unmarshal(d.msg.Value, &d.event); err != nil {
			d.attempts = 1
			a.deadLetter(d, fmt.Errorf("undecodable issuance request: %w", err))
			continue
		}
		a.attempt(ctx, d)
	}
}

// attempt 执行一次发券尝试，并根据结果确认、重试或转入死信
func (a *IssuanceConsumerAdapter) attempt(ctx context.Context, d *delivery) {
	d.attempts++
	spanCtx, span := a.tracer.Start(d.ctx, "consumer.IssueCoupon", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("messaging.message.id", d.event.EventID),
		attribute.Int("messaging.kafka.partition", d.msg.Partition),
		attribute.Int64("messaging.kafka.offset", d.msg.Offset),
		attribute.Int("coupon.attempt", d.attempts),
	)
	err := a.issueSafely(spanCtx, d)
	span.End()

	if err != nil && ctx.Err() != nil {
		a.abandon(d)
		return
	}
	switch {
	case err == nil, errors.Is(err, domain.ErrAlreadyIssued):
		a.issuer.RememberOwner(d.ctx, d.event.CampaignID, d.event.UserID)
		a.issuer.RecordOutcome(d.ctx, d.event.CampaignID, d.event.UserID, domain.IssuanceIssued)
		a.ack(d)
	case !domain.IsRetryable(err):
		a.deadLetter(d, err)
	case d.attempts >= a.opts.MaxAttempts:
		a.deadLetter(d, fmt.Errorf("%w after %d attempts: %w", domain.ErrDeliveryExhausted, d.attempts, err))
	default:
		a.scheduleRetry(ctx, d, err)
	}
}

func (a *IssuanceConsumerAdapter) issueSafely(ctx context.Context, d *delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while issuing coupon: %v", r)
		}
	}()
	_, err = a.issuer.Issue(ctx, domain.SourceConsumer, d.event.CampaignID, d.event.UserID)
	return err
}

// scheduleRetry 在 attempts * BackoffUnit 之后重新提交，分区 worker 立即返回处理下一条消息
func (a *IssuanceConsumerAdapter) scheduleRetry(ctx context.Context, d *delivery, err error) {
	delay := time.Duration(d.attempts) * a.opts.BackoffUnit
	metrics.ConsumerRetries.Inc()
	logger.Ctx(d.ctx).Warn().Err(err).
		Int64("campaign_id", d.event.CampaignID).
		Int64("user_id", d.event.UserID).
		Int("attempt", d.attempts).
		Dur("backoff", delay).
		Msg("issuance attempt failed, retry scheduled")

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			a.abandon(d)
		case <-timer.C:
			a.attempt(ctx, d)
		}
	}()
}

// deadLetter 投递死信、标记 FAILED，并照常确认原消息
func (a *IssuanceConsumerAdapter) deadLetter(d *delivery, err error) {
	logger.Ctx(d.ctx).Error().Err(err).
		Int64("campaign_id", d.event.CampaignID).
		Int64("user_id", d.event.UserID).
		Int("attempts", d.attempts).
		Msg("issuance request moved to dead letter channel")

	record := application.NewDeadLetterRecord(d.event, domain.SourceConsumer, err, d.attempts, a.now())
	record.Origin = &domain.DeliveryOrigin{Topic: d.msg.Topic, Partition: d.msg.Partition, Offset: d.msg.Offset}
	application.PublishDeadLetter(d.ctx, a.deadLetters, record)

	if d.event.CampaignID != 0 {
		a.issuer.RecordOutcome(d.ctx, d.event.CampaignID, d.event.UserID, domain.IssuanceFailed)
	}
	a.ack(d)
}

// ack 标记消息完成，并在水位前进时提交 offset
func (a *IssuanceConsumerAdapter) ack(d *delivery) {
	defer a.finish()

	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	watermark, advanced := a.offsets.markDone(d.msg.Partition, d.msg.Offset)
	if !advanced {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), commitTimeout)
	defer cancel()
	commit := kafka.Message{Topic: d.msg.Topic, Partition: d.msg.Partition, Offset: watermark}
	if err := a.reader.CommitMessages(ctx, commit); err != nil {
		logger.Ctx(d.ctx).Error().Err(err).
			Int("partition", d.msg.Partition).
			Int64("offset", watermark).
			Msg("failed to commit messages")
	}
}

// abandon 放弃一条消息，不提交 offset
func (a *IssuanceConsumerAdapter) abandon(d *delivery) {
	logger.L().Debug().Int("partition", d.msg.Partition).Int64("offset", d.msg.Offset).
		Msg("consumer stopping, message left for redelivery")
	a.finish()
}

func (a *IssuanceConsumerAdapter) finish() {
	a.sem.Release(1)
	a.inflight.Done()
}

package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"nexus-coupon/internal/pkg/mq"
	"nexus-coupon/internal/service/coupon/domain"
)

// DeadLetterKafkaAdapter 实现了 port.DeadLetterPublisher 接口。
// 消息 Key 使用活动 ID，同一活动的死信保持有序。
type DeadLetterKafkaAdapter struct {
	writer mq.MessageWriter
}

// NewDeadLetterKafkaAdapter 创建一个新的死信生产者适配器。
func NewDeadLetterKafkaAdapter(writer mq.MessageWriter) *DeadLetterKafkaAdapter {
	return &DeadLetterKafkaAdapter{writer: writer}
}

// PublishDeadLetter 把死信记录序列化为 JSON 并附带 dlt-* 诊断头
func (a *DeadLetterKafkaAdapter) PublishDeadLetter(ctx context.Context, record *domain.DeadLetterRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter record: %w", err)
	}

	headers := []kafka.Header{
		{Key: mq.HeaderExceptionFqcn, Value: []byte(record.ErrorType)},
		{Key: mq.HeaderExceptionMessage, Value: []byte(record.FailureReason)},
	}
	if o := record.Origin; o != nil {
		headers = append(headers,
			kafka.Header{Key: mq.HeaderOriginalTopic, Value: []byte(o.Topic)},
			kafka.Header{Key: mq.HeaderOriginalPartition, Value: []byte(strconv.Itoa(o.Partition))},
			kafka.Header{Key: mq.HeaderOriginalOffset, Value: []byte(strconv.FormatInt(o.Offset, 10))},
		)
	}

	key := []byte(strconv.FormatInt(record.Request.CampaignID, 10))
	if err := mq.ProduceMessage(ctx, a.writer, key, payload, headers...); err != nil {
		return fmt.Errorf("failed to publish dead letter for campaign %d user %d: %w",
			record.Request.CampaignID, record.Request.UserID, err)
	}
	return nil
}

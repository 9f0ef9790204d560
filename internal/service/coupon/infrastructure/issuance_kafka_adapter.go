package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"nexus-coupon/internal/pkg/mq"
	"nexus-coupon/internal/service/coupon/domain"
)

// IssuanceRequestKafkaAdapter 实现了 port.IssuanceRequestPublisher 接口，
// 把发券请求投递到 broker 通道。Key 为活动 ID。
type IssuanceRequestKafkaAdapter struct {
	writer mq.MessageWriter
}

func NewIssuanceRequestKafkaAdapter(writer mq.MessageWriter) *IssuanceRequestKafkaAdapter {
	return &IssuanceRequestKafkaAdapter{writer: writer}
}

func (a *IssuanceRequestKafkaAdapter) PublishIssuanceRequest(ctx context.Context, event *domain.IssuanceRequested) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal issuance request: %w", err)
	}
	key := []byte(strconv.FormatInt(event.CampaignID, 10))
	return mq.ProduceMessage(ctx, a.writer, key, eventBytes)
}

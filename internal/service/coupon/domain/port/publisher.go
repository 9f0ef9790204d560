package port

import (
	"context"

	"nexus-coupon/internal/service/coupon/domain"
)

// DeadLetterPublisher 把最终失败的发券请求投递到死信通道，按 campaignID 作为 key。
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, record *domain.DeadLetterRecord) error
}

// IssuanceRequestPublisher 把发券请求发布到消息队列，走异步发券路径。
type IssuanceRequestPublisher interface {
	PublishIssuanceRequest(ctx context.Context, event *domain.IssuanceRequested) error
}

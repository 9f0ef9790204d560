// internal/service/coupon/domain/event.go
package domain

import "time"

const EventTypeIssuanceRequested = "COUPON_ISSUANCE_REQUESTED"

// IssuanceRequested 是经由 Kafka 传递的发券请求，发布后不可变
type IssuanceRequested struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
	CampaignID int64     `json:"campaignId"`
	UserID     int64     `json:"userId"`
	Timestamp  int64     `json:"timestamp"` // 请求时间，毫秒
}

// DeadLetterSource 标识死信来自哪条发券路径
type DeadLetterSource string

const (
	SourceConsumer  DeadLetterSource = "consumer"
	SourceScheduler DeadLetterSource = "scheduler"
)

// DeadLetterRecord 包装了一个最终失败的发券请求
type DeadLetterRecord struct {
	Request       IssuanceRequested `json:"request"`
	Source        DeadLetterSource  `json:"source"`
	FailureReason string            `json:"failureReason"`
	RetryCount    int               `json:"retryCount"`
	LastAttemptAt time.Time         `json:"lastAttemptAt"`
	// ErrorType 是最后一次失败的错误类型，写入 dlt-exception-fqcn 头
	ErrorType string          `json:"errorType,omitempty"`
	Trace     string          `json:"trace,omitempty"`
	Origin    *DeliveryOrigin `json:"origin,omitempty"`
}

// DeliveryOrigin 记录原消息在 broker 中的位置，调度器路径没有这个信息
type DeliveryOrigin struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// internal/service/coupon/domain/errors.go
package domain

import "errors"

var (
	// ErrCampaignUnavailable 活动未激活、不在有效期内或已售罄
	ErrCampaignUnavailable = errors.New("campaign unavailable")
	// ErrAlreadyIssued 重复准入，或数据库中已存在该用户的券
	ErrAlreadyIssued = errors.New("coupon already issued to user")
	// ErrQueueWrite 写入排队结构失败，准入已回滚
	ErrQueueWrite = errors.New("queue write failure")
	// ErrPersistence 发券事务失败
	ErrPersistence = errors.New("persistence failure")
	// ErrDeliveryExhausted 消息重试次数耗尽
	ErrDeliveryExhausted = errors.New("broker delivery exhausted")

	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrUserCouponNotFound = errors.New("user coupon not found")
	ErrStatusNotFound     = errors.New("issuance status not found")
	ErrInvalidCampaign    = errors.New("invalid campaign")
	ErrIllegalTransition  = errors.New("illegal user coupon status transition")
	ErrOrderBelowMinimum  = errors.New("order amount below campaign minimum")
	ErrStaleStatus        = errors.New("user coupon status changed concurrently")
)

// RejectReason 是返回给准入调用方的拒绝原因
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonNotAvailable  RejectReason = "NOT_AVAILABLE"
	ReasonAlreadyIssued RejectReason = "ALREADY_ISSUED"
	ReasonInternalError RejectReason = "INTERNAL_ERROR"
)

// ReasonOf 把错误翻译成对调用方可见的拒绝原因
func ReasonOf(err error) RejectReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrCampaignUnavailable), errors.Is(err, ErrCampaignNotFound):
		return ReasonNotAvailable
	case errors.Is(err, ErrAlreadyIssued):
		return ReasonAlreadyIssued
	default:
		return ReasonInternalError
	}
}

// IsRetryable 判断一次发券失败是否值得重试。
// 重复和活动不可用是确定性的结果，重试不会改变它们。
func IsRetryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrAlreadyIssued) &&
		!errors.Is(err, ErrCampaignUnavailable) &&
		!errors.Is(err, ErrCampaignNotFound)
}

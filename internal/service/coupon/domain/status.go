package domain

// IssuanceStatus 是快速通道中每个用户的发券状态，调用方通过它观察最终结果。
type IssuanceStatus string

const (
	IssuancePending IssuanceStatus = "PENDING"
	IssuanceIssued  IssuanceStatus = "ISSUED"
	IssuanceFailed  IssuanceStatus = "FAILED"
)

// Valid 判断是否是已知状态
func (s IssuanceStatus) Valid() bool {
	switch s {
	case IssuancePending, IssuanceIssued, IssuanceFailed:
		return true
	}
	return false
}

// QueueEntry 是排队结构中的一个成员，AdmittedAt 为毫秒时间戳，越小越优先。
type QueueEntry struct {
	CampaignID int64
	UserID     int64
	AdmittedAt int64
}

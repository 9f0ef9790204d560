package port

import (
	"context"
	"time"

	"nexus-coupon/internal/service/coupon/domain"
)

// AdmissionStore 是快速通道共享状态 (计数器、去重集合、排队结构、用户状态) 的出站端口。
// 每个方法都必须是存储端的原子原语，多个进程同时调用也不能出现读后写竞态。
type AdmissionStore interface {
	// Reserve 仅当计数器 < ceiling 时加一，返回是否成功占位
	Reserve(ctx context.Context, campaignID, ceiling int64) (bool, error)
	// Release 回滚一次占位，计数器不会减到负数
	Release(ctx context.Context, campaignID int64) error
	CounterValue(ctx context.Context, campaignID int64) (int64, error)
	// RaiseCounter 把计数器抬高到至少 floor，返回调整后的值。只升不降。
	RaiseCounter(ctx context.Context, campaignID, floor int64) (int64, error)

	// TestAndAdd 原子地把用户加入去重集合，已存在时返回 false
	TestAndAdd(ctx context.Context, campaignID, userID int64) (bool, error)
	// Forget 把用户移出去重集合
	Forget(ctx context.Context, campaignID, userID int64) error

	Enqueue(ctx context.Context, entry domain.QueueEntry) error
	QueueLength(ctx context.Context, campaignID int64) (int64, error)
	// PopBatch 原子地弹出分数最小的 n 个成员，按分数升序返回
	PopBatch(ctx context.Context, campaignID int64, n int) ([]domain.QueueEntry, error)

	SetStatus(ctx context.Context, campaignID, userID int64, status domain.IssuanceStatus, ttl time.Duration) error
	// SetStatuses 用一次批量往返写入多个用户的状态
	SetStatuses(ctx context.Context, campaignID int64, statuses map[int64]domain.IssuanceStatus, ttl time.Duration) error
	// GetStatus 读取用户状态，不存在时返回 domain.ErrStatusNotFound
	GetStatus(ctx context.Context, campaignID, userID int64) (domain.IssuanceStatus, error)

	// Reset 清空一个活动的计数器、去重集合和队列 (管理用)
	Reset(ctx context.Context, campaignID int64) error
}

package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nexus-coupon/internal/pkg/redis"
	"nexus-coupon/internal/service/coupon/domain"
)

const (
	reserveScriptName = "coupon_reserve"
	releaseScriptName = "coupon_release"
	raiseScriptName   = "coupon_raise_counter"
)

// 同一活动的所有 key 共享 {campaignID} hash tag，多 key 操作在 Redis Cluster 下落在同一个 slot。
func counterKey(campaignID int64) string { return fmt.Sprintf("coupon:counter:{%d}", campaignID) }
func usersKey(campaignID int64) string   { return fmt.Sprintf("coupon:users:{%d}", campaignID) }
func queueKey(campaignID int64) string   { return fmt.Sprintf("coupon:queue:{%d}", campaignID) }
func statusKey(campaignID, userID int64) string {
	return fmt.Sprintf("coupon:status:{%d}:%d", campaignID, userID)
}

// AdmissionRedisStore 是 port.AdmissionStore 的 Redis 实现。
type AdmissionRedisStore struct {
	redisClient *redis.Client
}

// NewAdmissionRedisStore 创建存储适配器，并在创建时加载所有需要的 Lua 脚本。
func NewAdmissionRedisStore(redisClient *redis.Client) (*AdmissionRedisStore, error) {
	for name, src := range map[string]string{
		reserveScriptName: reserveScript,
		releaseScriptName: releaseScript,
		raiseScriptName:   raiseCounterScript,
	} {
		if err := redisClient.LoadScriptFromContent(name, src); err != nil {
			return nil, fmt.Errorf("failed to load critical admission script: %w", err)
		}
	}
	return &AdmissionRedisStore{redisClient: redisClient}, nil
}

func (s *AdmissionRedisStore) Reserve(ctx context.Context, campaignID, ceiling int64) (bool, error) {
	code, err := s.runInt(ctx, reserveScriptName, []string{counterKey(campaignID)}, ceiling)
	if err != nil {
		return false, err
	}
	return code > 0, nil
}

func (s *AdmissionRedisStore) Release(ctx context.Context, campaignID int64) error {
	_, err := s.runInt(ctx, releaseScriptName, []string{counterKey(campaignID)})
	return err
}

func (s *AdmissionRedisStore) CounterValue(ctx context.Context, campaignID int64) (int64, error) {
	v, err := s.redisClient.GetClient().Get(ctx, counterKey(campaignID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return v, nil
}

func (s *AdmissionRedisStore) RaiseCounter(ctx context.Context, campaignID, floor int64) (int64, error) {
	return s.runInt(ctx, raiseScriptName, []string{counterKey(campaignID)}, floor)
}

func (s *AdmissionRedisStore) TestAndAdd(ctx context.Context, campaignID, userID int64) (bool, error) {
	added, err := s.redisClient.GetClient().SAdd(ctx, usersKey(campaignID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("sadd dedup set: %w", err)
	}
	return added == 1, nil
}

func (s *AdmissionRedisStore) Forget(ctx context.Context, campaignID, userID int64) error {
	if err := s.redisClient.GetClient().SRem(ctx, usersKey(campaignID), userID).Err(); err != nil {
		return fmt.Errorf("srem dedup set: %w", err)
	}
	return nil
}

func (s *AdmissionRedisStore) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	err := s.redisClient.GetClient().ZAdd(ctx, queueKey(entry.CampaignID), goredis.Z{
		Score:  float64(entry.AdmittedAt),
		Member: strconv.FormatInt(entry.UserID, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd queue: %w", err)
	}
	return nil
}

func (s *AdmissionRedisStore) QueueLength(ctx context.Context, campaignID int64) (int64, error) {
	n, err := s.redisClient.GetClient().ZCard(ctx, queueKey(campaignID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard queue: %w", err)
	}
	return n, nil
}

// PopBatch 使用 ZPOPMIN，弹出和删除是同一个原子命令
func (s *AdmissionRedisStore) PopBatch(ctx context.Context, campaignID int64, n int) ([]domain.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.redisClient.GetClient().ZPopMin(ctx, queueKey(campaignID), int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("zpopmin queue: %w", err)
	}

	entries := make([]domain.QueueEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			// 已经弹出，无法放回；跳过非法成员，不影响同批其他用户
			continue
		}
		entries = append(entries, domain.QueueEntry{
			CampaignID: campaignID,
			UserID:     userID,
			AdmittedAt: int64(z.Score),
		})
	}
	return entries, nil
}

func (s *AdmissionRedisStore) SetStatus(ctx context.Context, campaignID, userID int64, status domain.IssuanceStatus, ttl time.Duration) error {
	if err := s.redisClient.GetClient().Set(ctx, statusKey(campaignID, userID), string(status), ttl).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// SetStatuses 使用 pipeline，一次往返写完整个批次
func (s *AdmissionRedisStore) SetStatuses(ctx context.Context, campaignID int64, statuses map[int64]domain.IssuanceStatus, ttl time.Duration) error {
	if len(statuses) == 0 {
		return nil
	}
	_, err := s.redisClient.GetClient().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for userID, status := range statuses {
			pipe.Set(ctx, statusKey(campaignID, userID), string(status), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pipelined status write: %w", err)
	}
	return nil
}

func (s *AdmissionRedisStore) GetStatus(ctx context.Context, campaignID, userID int64) (domain.IssuanceStatus, error) {
	v, err := s.redisClient.GetClient().Get(ctx, statusKey(campaignID, userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", domain.ErrStatusNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	return domain.IssuanceStatus(v), nil
}

// Reset (测试和管理用) 清空活动的快速通道状态。状态记录依赖 TTL 自然过期。
func (s *AdmissionRedisStore) Reset(ctx context.Context, campaignID int64) error {
	err := s.redisClient.GetClient().Del(ctx, counterKey(campaignID), usersKey(campaignID), queueKey(campaignID)).Err()
	if err != nil {
		return fmt.Errorf("failed to reset campaign %d: %w", campaignID, err)
	}
	return nil
}

func (s *AdmissionRedisStore) runInt(ctx context.Context, script string, keys []string, args ...interface{}) (int64, error) {
	result, err := s.redisClient.RunScript(ctx, script, keys, args...)
	if err != nil {
		return 0, fmt.Errorf("admission store failed to run %s: %w", script, err)
	}
	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script %s: %T", script, result)
	}
	return code, nil
}

// KEYS[1]: 计数器, ARGV[1]: 上限 (totalQuantity)
// 返回 -1 表示已达上限，否则返回加一后的值
var reserveScript = `
local current = tonumber(redis.call('get', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
    return -1
end
return redis.call('incr', KEYS[1])
`

// KEYS[1]: 计数器。计数器不会被减到负数
var releaseScript = `
local current = tonumber(redis.call('get', KEYS[1]) or '0')
if current <= 0 then
    return 0
end
return redis.call('decr', KEYS[1])
`

// KEYS[1]: 计数器, ARGV[1]: 下限 (持久化的 issuedQuantity)。只升不降
var raiseCounterScript = `
local current = tonumber(redis.call('get', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if current < floor then
    redis.call('set', KEYS[1], floor)
    return floor
end
return current
`

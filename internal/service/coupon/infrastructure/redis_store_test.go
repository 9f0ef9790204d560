package infrastructure

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-coupon/internal/pkg/redis"
	"nexus-coupon/internal/service/coupon/domain"
)

func newTestRedisStore(t *testing.T) (*AdmissionRedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := NewAdmissionRedisStore(redis.Wrap(rdb))
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_ReserveRespectsCeilingUnderConcurrency(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	const ceiling, callers = 10, 64
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Reserve(ctx, 7, ceiling)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(ceiling), granted.Load())
	v, err := store.CounterValue(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(ceiling), v)
}

func TestRedisStore_ReleaseNeverGoesNegative(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := store.Reserve(ctx, 1, 5)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, 1))
	require.NoError(t, store.Release(ctx, 1))

	v, err := store.CounterValue(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestRedisStore_TestAndAddAndForget(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	added, err := store.TestAndAdd(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.TestAndAdd(ctx, 1, 42)
	require.NoError(t, err)
	assert.False(t, added, "second add of the same user must be rejected")

	require.NoError(t, store.Forget(ctx, 1, 42))
	added, err = store.TestAndAdd(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestRedisStore_PopBatchInAdmissionOrder(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i, userID := range []int64{5, 3, 9, 1} {
		require.NoError(t, store.Enqueue(ctx, domain.QueueEntry{CampaignID: 2, UserID: userID, AdmittedAt: base + int64(i)}))
	}

	n, err := store.QueueLength(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	batch, err := store.PopBatch(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []int64{5, 3, 9}, []int64{batch[0].UserID, batch[1].UserID, batch[2].UserID})
	assert.Equal(t, base, batch[0].AdmittedAt)

	n, err = store.QueueLength(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_StatusesWithTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.GetStatus(ctx, 3, 1)
	assert.ErrorIs(t, err, domain.ErrStatusNotFound)

	require.NoError(t, store.SetStatus(ctx, 3, 1, domain.IssuancePending, time.Hour))
	require.NoError(t, store.SetStatuses(ctx, 3, map[int64]domain.IssuanceStatus{
		1: domain.IssuanceIssued,
		2: domain.IssuanceFailed,
	}, time.Hour))

	st, err := store.GetStatus(ctx, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.IssuanceIssued, st)
	st, err = store.GetStatus(ctx, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.IssuanceFailed, st)

	mr.FastForward(2 * time.Hour)
	_, err = store.GetStatus(ctx, 3, 2)
	assert.ErrorIs(t, err, domain.ErrStatusNotFound)
}

func TestRedisStore_RaiseCounterAndReset(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	v, err := store.RaiseCounter(ctx, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = store.RaiseCounter(ctx, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "raise never lowers the counter")

	_, err = store.TestAndAdd(ctx, 4, 8)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, domain.QueueEntry{CampaignID: 4, UserID: 8, AdmittedAt: 1}))

	require.NoError(t, store.Reset(ctx, 4))
	v, err = store.CounterValue(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	n, err := store.QueueLength(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

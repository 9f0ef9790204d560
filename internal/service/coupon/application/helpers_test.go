package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/infrastructure/memory"
)

const testStatusTTL = time.Hour

var testTracer = otel.Tracer("coupon-test")

type fixture struct {
	repo        *memory.Repository
	store       *memory.Store
	deadLetters *recordingDeadLetters
	gatekeeper  *Gatekeeper
	issuer      *IssuanceService
	scheduler   *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:        memory.NewRepository(),
		store:       memory.NewStore(),
		deadLetters: &recordingDeadLetters{},
	}
	f.gatekeeper = NewGatekeeper(f.repo, f.store, nil, testStatusTTL, testTracer)
	f.useWriter(f.repo)
	return f
}

// useWriter 替换调度器使用的 IssuanceWriter
func (f *fixture) useWriter(w domain.IssuanceWriter) {
	f.issuer = NewIssuanceService(w, f.store, nil, testStatusTTL, testTracer)
	f.scheduler = NewScheduler(f.repo, f.store, f.issuer, f.deadLetters, SchedulerOptions{
		Interval:     time.Second,
		MaxBatchSize: 100,
		StatusTTL:    testStatusTTL,
	}, testTracer)
}

func (f *fixture) saveCampaign(t *testing.T, id, total int64) *domain.Campaign {
	t.Helper()
	now := time.Now()
	c := &domain.Campaign{
		ID:             id,
		Name:           fmt.Sprintf("flash-%d", id),
		DiscountType:   domain.DiscountTypeFixedAmount,
		DiscountValue:  decimal.NewFromInt(10),
		MinOrderAmount: decimal.NewFromInt(50),
		TotalQuantity:  total,
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(time.Hour),
		Status:         domain.CampaignActive,
	}
	require.NoError(t, f.repo.Save(context.Background(), c))
	return c
}

func (f *fixture) status(t *testing.T, campaignID, userID int64) domain.IssuanceStatus {
	t.Helper()
	st, err := f.store.GetStatus(context.Background(), campaignID, userID)
	require.NoError(t, err)
	return st
}

func (f *fixture) counter(t *testing.T, campaignID int64) int64 {
	t.Helper()
	v, err := f.store.CounterValue(context.Background(), campaignID)
	require.NoError(t, err)
	return v
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	records []*domain.DeadLetterRecord
	err     error
}

func (r *recordingDeadLetters) PublishDeadLetter(_ context.Context, record *domain.DeadLetterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, record)
	return nil
}

func (r *recordingDeadLetters) all() []*domain.DeadLetterRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.DeadLetterRecord(nil), r.records...)
}

// flakyWriter 对指定用户总是返回持久化失败
type flakyWriter struct {
	domain.IssuanceWriter
	failFor map[int64]bool
}

func (w *flakyWriter) Issue(ctx context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	if w.failFor[userID] {
		return nil, fmt.Errorf("%w: lock wait timeout", domain.ErrPersistence)
	}
	return w.IssuanceWriter.Issue(ctx, campaignID, userID)
}

// blockingWriter 在第一次 Issue 时通知 entered，并阻塞到 release 被关闭
type blockingWriter struct {
	domain.IssuanceWriter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (w *blockingWriter) Issue(ctx context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	w.once.Do(func() { close(w.entered) })
	<-w.release
	return w.IssuanceWriter.Issue(ctx, campaignID, userID)
}

// failingEnqueueStore 让入队失败，用来验证回滚
type failingEnqueueStore struct {
	*memory.Store
}

func (s failingEnqueueStore) Enqueue(context.Context, domain.QueueEntry) error {
	return errors.New("redis: connection pool timeout")
}

type ruleFunc func(rule string, fact domain.Fact) (bool, error)

func (f ruleFunc) Evaluate(rule string, fact domain.Fact) (bool, error) { return f(rule, fact) }

type stubGuard struct {
	acquired bool
	locks    int
	unlocks  int
}

func (g *stubGuard) TryLock() (bool, error) {
	g.locks++
	return g.acquired, nil
}

func (g *stubGuard) Unlock() error {
	g.unlocks++
	return nil
}

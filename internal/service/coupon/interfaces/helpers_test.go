package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"nexus-coupon/internal/service/coupon/application"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/infrastructure/memory"
)

var testTracer = otel.Tracer("coupon-test")

// fakeReader 模拟一个消费组 Reader，记录所有提交
type fakeReader struct {
	msgs chan kafka.Message

	mu      sync.Mutex
	commits []kafka.Message
	closed  bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 16)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.commits...)
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	records []*domain.DeadLetterRecord
}

func (r *recordingDeadLetters) PublishDeadLetter(_ context.Context, record *domain.DeadLetterRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingDeadLetters) all() []*domain.DeadLetterRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.DeadLetterRecord(nil), r.records...)
}

// countingWriter 让指定用户的前 failures 次 Issue 失败
type countingWriter struct {
	domain.IssuanceWriter
	mu       sync.Mutex
	failures map[int64]int
	calls    map[int64]int
}

func (w *countingWriter) Issue(ctx context.Context, campaignID, userID int64) (*domain.UserCoupon, error) {
	w.mu.Lock()
	w.calls[userID]++
	fail := w.calls[userID] <= w.failures[userID]
	w.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: deadlock found when trying to get lock", domain.ErrPersistence)
	}
	return w.IssuanceWriter.Issue(ctx, campaignID, userID)
}

func (w *countingWriter) callsFor(userID int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[userID]
}

type consumerFixture struct {
	repo        *memory.Repository
	store       *memory.Store
	writer      *countingWriter
	reader      *fakeReader
	deadLetters *recordingDeadLetters
	consumer    *IssuanceConsumerAdapter
}

func newConsumerFixture(t *testing.T, failures map[int64]int, backoff time.Duration) *consumerFixture {
	t.Helper()
	f := &consumerFixture{
		repo:        memory.NewRepository(),
		store:       memory.NewStore(),
		reader:      newFakeReader(),
		deadLetters: &recordingDeadLetters{},
	}
	f.writer = &countingWriter{IssuanceWriter: f.repo, failures: failures, calls: make(map[int64]int)}

	now := time.Now()
	require.NoError(t, f.repo.Save(context.Background(), &domain.Campaign{
		ID:            1,
		DiscountType:  domain.DiscountTypeFixedAmount,
		DiscountValue: decimal.NewFromInt(5),
		TotalQuantity: 100,
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.Add(time.Hour),
		Status:        domain.CampaignActive,
	}))

	issuer := application.NewIssuanceService(f.writer, f.store, nil, time.Hour, testTracer)
	f.consumer = NewIssuanceConsumerAdapter(f.reader, issuer, f.deadLetters, ConsumerOptions{
		MaxAttempts: 3,
		BackoffUnit: backoff,
		MaxInFlight: 8,
	}, testTracer)
	return f
}

func (f *consumerFixture) send(t *testing.T, partition int, offset int64, campaignID, userID int64) {
	t.Helper()
	payload, err := json.Marshal(domain.IssuanceRequested{
		EventID:    fmt.Sprintf("evt-%d-%d", partition, offset),
		EventType:  domain.EventTypeIssuanceRequested,
		OccurredAt: time.Now(),
		CampaignID: campaignID,
		UserID:     userID,
		Timestamp:  time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	f.reader.msgs <- kafka.Message{Topic: "coupon-issuance-requests", Partition: partition, Offset: offset, Value: payload}
}

func (f *consumerFixture) statusOf(campaignID, userID int64) domain.IssuanceStatus {
	st, _ := f.store.GetStatus(context.Background(), campaignID, userID)
	return st
}

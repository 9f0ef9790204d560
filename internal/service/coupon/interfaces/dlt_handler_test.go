package interfaces

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-coupon/internal/pkg/mq"
	"nexus-coupon/internal/service/coupon/domain"
)

func TestDltConsumerAdapter_LogsAndCommits(t *testing.T) {
	reader := newFakeReader()
	observer := NewDltConsumerAdapter(reader)
	observer.Start(context.Background())

	payload, err := json.Marshal(domain.DeadLetterRecord{
		Request:       domain.IssuanceRequested{CampaignID: 1, UserID: 2},
		Source:        domain.SourceConsumer,
		FailureReason: "persistence failure",
		RetryCount:    3,
	})
	require.NoError(t, err)
	reader.msgs <- kafka.Message{
		Topic:   "coupon-issuance-requests.DLT",
		Offset:  0,
		Key:     []byte("1"),
		Value:   payload,
		Headers: []kafka.Header{{Key: mq.HeaderOriginalOffset, Value: []byte("7")}},
	}
	reader.msgs <- kafka.Message{Topic: "coupon-issuance-requests.DLT", Offset: 1, Value: []byte("garbage")}

	require.Eventually(t, func() bool { return len(reader.committed()) == 2 }, waitFor, time.Millisecond)
	observer.Stop()

	assert.True(t, reader.closed)
	assert.Equal(t, int64(1), reader.committed()[1].Offset, "undecodable records are committed too")
}

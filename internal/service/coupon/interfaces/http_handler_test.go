package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-coupon/internal/service/coupon/application"
	"nexus-coupon/internal/service/coupon/domain"
	"nexus-coupon/internal/service/coupon/infrastructure/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	store := memory.NewStore()
	now := time.Now()
	require.NoError(t, repo.Save(context.Background(), &domain.Campaign{
		ID:             1,
		DiscountType:   domain.DiscountTypeFixedAmount,
		DiscountValue:  decimal.NewFromInt(10),
		MinOrderAmount: decimal.NewFromInt(50),
		TotalQuantity:  2,
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(time.Hour),
		Status:         domain.CampaignActive,
	}))

	handler := NewCouponHandler(
		application.NewGatekeeper(repo, store, nil, time.Hour, testTracer),
		application.NewIssuanceService(repo, store, nil, time.Hour, testTracer),
		application.NewStatusService(repo, store),
		application.NewOwnershipService(repo, repo, testTracer),
		testTracer,
	)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, repo
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHTTP_AdmissionAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/campaigns/1/admissions?user_id=7", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["accepted"])

	resp, err = http.Post(srv.URL+"/campaigns/1/admissions", "application/json", strings.NewReader(`{"userId":7}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonAlreadyIssued), decode(t, resp)["reason"])

	resp, err = http.Post(srv.URL+"/campaigns/1/admissions?user_id=9", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/campaigns/1/admissions?user_id=8", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(domain.ReasonNotAvailable), decode(t, resp)["reason"])

	resp, err = http.Get(srv.URL + "/campaigns/1/status?user_id=7")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(domain.IssuancePending), decode(t, resp)["status"])

	resp, err = http.Get(srv.URL + "/campaigns/1/status?user_id=8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/campaigns/1/status")
	require.NoError(t, err)
	overview := decode(t, resp)
	assert.Equal(t, float64(2), overview["queueLength"])
	assert.Equal(t, float64(2), overview["counter"])
}

func TestHTTP_BadInput(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/campaigns/abc/admissions?user_id=1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/campaigns/1/admissions", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing user id")

	resp, err = http.Post(srv.URL+"/campaigns/1/issuance-requests?user_id=1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no broker configured")
}

func TestHTTP_OwnershipLifecycle(t *testing.T) {
	srv, repo := newTestServer(t)
	_, err := repo.Issue(context.Background(), 1, 3)
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/campaigns/1/ownership/reserve?user_id=3&order_amount=20", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/campaigns/1/ownership/reserve", "application/json",
		strings.NewReader(`{"userId":3,"orderAmount":"88.50"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10.00", decode(t, resp)["discount"])

	resp, err = http.Post(srv.URL+"/campaigns/1/ownership/confirm?user_id=3", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/campaigns/1/ownership/cancel?user_id=3", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a used coupon cannot be released")

	resp, err = http.Post(srv.URL+"/campaigns/1/ownership/refund?user_id=3", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_ResetCampaign(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/campaigns/1/admissions?user_id=7", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/admin/campaigns/1/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/campaigns/1/admissions?user_id=7", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "reset frees the slot and the dedup entry")

	resp, err = http.Post(srv.URL+"/admin/campaigns/99/reset", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

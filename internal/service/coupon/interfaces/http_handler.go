package interfaces

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"nexus-coupon/internal/pkg/logger"
	"nexus-coupon/internal/service/coupon/application"
	"nexus-coupon/internal/service/coupon/domain"
)

// CouponHandler 封装了发券服务的 HTTP 处理器
type CouponHandler struct {
	gatekeeper *application.Gatekeeper
	issuer     *application.IssuanceService
	status     *application.StatusService
	ownership  *application.OwnershipService
	tracer     trace.Tracer
}

// NewCouponHandler 创建一个新的 HTTP 处理器实例
func NewCouponHandler(gatekeeper *application.Gatekeeper, issuer *application.IssuanceService, status *application.StatusService, ownership *application.OwnershipService, tracer trace.Tracer) *CouponHandler {
	return &CouponHandler{gatekeeper: gatekeeper, issuer: issuer, status: status, ownership: ownership, tracer: tracer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *CouponHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /campaigns/{id}/admissions", h.traced("http.RequestAdmission", h.admissionHandler))
	mux.HandleFunc("POST /campaigns/{id}/issuance-requests", h.traced("http.RequestIssuance", h.issuanceRequestHandler))
	mux.HandleFunc("GET /campaigns/{id}/status", h.traced("http.Status", h.statusHandler))
	mux.HandleFunc("POST /campaigns/{id}/ownership/{action}", h.traced("http.Ownership", h.ownershipHandler))
	mux.HandleFunc("POST /admin/campaigns/{id}/reset", h.traced("http.ResetCampaign", h.resetHandler))
}

// requestBody 是可选的 JSON 请求体，查询参数优先
type requestBody struct {
	UserID      int64  `json:"userId"`
	OrderAmount string `json:"orderAmount"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, campaignID int64)

func (h *CouponHandler) traced(name string, next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		campaignID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || campaignID <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid campaign id"})
			return
		}
		span.SetAttributes(attribute.Int64("coupon.campaign.id", campaignID))
		next(w, r.WithContext(ctx), campaignID)
	}
}

func (h *CouponHandler) admissionHandler(w http.ResponseWriter, r *http.Request, campaignID int64) {
	body, ok := parseBody(w, r)
	if !ok {
		return
	}
	err := h.gatekeeper.RequestAdmission(r.Context(), campaignID, body.UserID)
	if err != nil {
		reason := domain.ReasonOf(err)
		code := http.StatusConflict
		if reason == domain.ReasonInternalError {
			code = http.StatusInternalServerError
			logger.Ctx(r.Context()).Error().Err(err).Int64("campaign_id", campaignID).Int64("user_id", body.UserID).Msg("admission failed")
		}
		writeJSON(w, code, map[string]any{"accepted": false, "reason": reason})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "status": domain.IssuancePending})
}

func (h *CouponHandler) issuanceRequestHandler(w http.ResponseWriter, r *http.Request, campaignID int64) {
	body, ok := parseBody(w, r)
	if !ok {
		return
	}
	event, err := h.issuer.RequestIssuance(r.Context(), campaignID, body.UserID)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Int64("campaign_id", campaignID).Msg("failed to request issuance")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"eventId": event.EventID})
}

func (h *CouponHandler) statusHandler(w http.ResponseWriter, r *http.Request, campaignID int64) {
	if r.URL.Query().Get("user_id") == "" {
		overview, err := h.status.Overview(r.Context(), campaignID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, overview)
		return
	}

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user_id"})
		return
	}
	st, err := h.status.UserStatus(r.Context(), campaignID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaignId": campaignID, "userId": userID, "status": st})
}

func (h *CouponHandler) ownershipHandler(w http.ResponseWriter, r *http.Request, campaignID int64) {
	body, ok := parseBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	switch r.PathValue("action") {
	case "reserve":
		amount, err := decimal.NewFromString(body.OrderAmount)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order amount"})
			return
		}
		discount, err := h.ownership.Reserve(ctx, campaignID, body.UserID, amount)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"discount": discount.StringFixed(2)})
	case "confirm":
		if err := h.ownership.Confirm(ctx, campaignID, body.UserID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "cancel":
		if err := h.ownership.CancelReservation(ctx, campaignID, body.UserID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (h *CouponHandler) resetHandler(w http.ResponseWriter, r *http.Request, campaignID int64) {
	if err := h.status.ResetCampaign(r.Context(), campaignID); err != nil {
		writeError(w, err)
		return
	}
	logger.Ctx(r.Context()).Warn().Int64("campaign_id", campaignID).Msg("campaign fast-path state reset")
	w.WriteHeader(http.StatusNoContent)
}

// parseBody 读取 user_id / order_amount，查询参数优先于 JSON 请求体
func parseBody(w http.ResponseWriter, r *http.Request) (requestBody, bool) {
	var body requestBody
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return body, false
		}
	}
	q := r.URL.Query()
	if v := q.Get("user_id"); v != "" {
		userID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user_id"})
			return body, false
		}
		body.UserID = userID
	}
	if v := q.Get("order_amount"); v != "" {
		body.OrderAmount = v
	}
	if body.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return body, false
	}
	return body, true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound),
		errors.Is(err, domain.ErrUserCouponNotFound),
		errors.Is(err, domain.ErrStatusNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrStaleStatus),
		errors.Is(err, domain.ErrCampaignUnavailable):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrOrderBelowMinimum):
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

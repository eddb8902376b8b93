package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/shopfabric/microservices/common/httpclient"
	"github.com/shopfabric/microservices/common/metrics"
	"github.com/shopfabric/microservices/common/outbox"
)

type httpHandler struct {
	svc     *service
	store   OrdersStore
	outbox  *outbox.Store
	breaker *httpclient.Breaker
	logger  *slog.Logger
	metrics *metrics.HTTPMetrics
}

func NewHTTPHandler(svc *service, store OrdersStore, ob *outbox.Store, breaker *httpclient.Breaker, logger *slog.Logger, m *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{svc: svc, store: store, outbox: ob, breaker: breaker, logger: logger, metrics: m}
}

func (h *httpHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/orders", h.instrument("/api/orders", h.createOrder))
	mux.HandleFunc("GET /api/orders/{orderID}", h.instrument("/api/orders/{orderID}", h.getOrder))
	mux.HandleFunc("GET /circuit-breaker/status", h.instrument("/circuit-breaker/status", h.breakerStatus))
	mux.HandleFunc("POST /admin/outbox/{eventID}/retry", h.instrument("/admin/outbox/{eventID}/retry", h.retryOutboxEvent))
}

type createOrderRequest struct {
	ProductIDs []string `json:"productIds"`
	Quantities []int64  `json:"quantities"`
}

func (r createOrderRequest) lines() ([]OrderLine, bool) {
	if len(r.ProductIDs) == 0 || len(r.ProductIDs) != len(r.Quantities) {
		return nil, false
	}
	lines := make([]OrderLine, len(r.ProductIDs))
	for i, id := range r.ProductIDs {
		lines[i] = OrderLine{ProductID: id, Quantity: r.Quantities[i]}
	}
	return lines, true
}

type orderResponse struct {
	*Order
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

func toResponse(o *Order) orderResponse {
	return orderResponse{Order: o, TotalPrice: o.TotalPrice()}
}

func (h *httpHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	lines, ok := req.lines()
	if !ok {
		writeError(w, http.StatusBadRequest, "productIds and quantities must be non-empty and the same length")
		return
	}

	o, err := h.svc.CreateOrder(r.Context(), userID, lines)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toResponse(o))
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrProductNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, httpclient.ErrCircuitOpen), errors.Is(err, httpclient.ErrTimeout):
		// Product lookups are degraded; tell the client to come back
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "product service unavailable, try again later")
	default:
		h.logger.Error("create order failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *httpHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.Get(r.Context(), r.PathValue("orderID"))
	if errors.Is(err, ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.Error("get order failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(o))
}

func (h *httpHandler) breakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": map[string]any{
			h.breaker.Name(): map[string]any{
				"state": h.breaker.State(),
				"stats": h.breaker.Stats(),
			},
		},
	})
}

// retryOutboxEvent resets a FAILED outbox event to PENDING so the relay's
// next scan republishes it.
func (h *httpHandler) retryOutboxEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	err := h.outbox.ManualRetry(r.Context(), eventID)
	if errors.Is(err, outbox.ErrEventNotFound) {
		writeError(w, http.StatusNotFound, "no failed event with that id")
		return
	}
	if err != nil {
		h.logger.Error("manual outbox retry failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"eventId": eventID, "status": string(outbox.StatusPending)})
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument wraps a handler with request metrics.
func (h *httpHandler) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		h.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(sw.status), time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

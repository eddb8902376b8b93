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
)

type httpHandler struct {
	svc     *service
	breaker *httpclient.Breaker
	logger  *slog.Logger
	metrics *metrics.HTTPMetrics
}

func NewHTTPHandler(svc *service, breaker *httpclient.Breaker, logger *slog.Logger, m *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{svc: svc, breaker: breaker, logger: logger, metrics: m}
}

func (h *httpHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/products", h.instrument("/api/products", h.createProduct))
	mux.HandleFunc("GET /api/products/{productID}", h.instrument("/api/products/{productID}", h.getProduct))
	mux.HandleFunc("DELETE /api/products/{productID}", h.instrument("/api/products/{productID}", h.deleteProduct))
	mux.HandleFunc("GET /circuit-breaker/status", h.instrument("/circuit-breaker/status", h.breakerStatus))
}

type createProductRequest struct {
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available int64           `json:"available"`
}

func (h *httpHandler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	view, err := h.svc.CreateProduct(r.Context(), req.Name, req.Price, req.Available)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, view)
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInventorySync):
		writeError(w, http.StatusBadGateway, "inventory provisioning failed, product rolled back")
	default:
		h.logger.Error("create product failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *httpHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetProduct(r.Context(), r.PathValue("productID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, ErrProductNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, httpclient.ErrCircuitOpen), errors.Is(err, httpclient.ErrTimeout):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "inventory unavailable, try again later")
	default:
		h.logger.Error("get product failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *httpHandler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteProduct(r.Context(), r.PathValue("productID"))
	if err != nil {
		h.logger.Error("delete product failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

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

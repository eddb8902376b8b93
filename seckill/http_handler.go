package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopfabric/microservices/common/metrics"
)

type httpHandler struct {
	engine   *Engine
	adminKey string
	logger   *slog.Logger
	metrics  *metrics.HTTPMetrics
}

func NewHTTPHandler(engine *Engine, adminKey string, logger *slog.Logger, m *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{engine: engine, adminKey: adminKey, logger: logger, metrics: m}
}

func (h *httpHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /seckill/buy", h.instrument("/seckill/buy", h.buy))
	mux.HandleFunc("GET /seckill/status/{productID}", h.instrument("/seckill/status/{productID}", h.status))
	mux.HandleFunc("POST /admin/seckill/init", h.instrument("/admin/seckill/init", h.initCampaign))
}

type buyRequest struct {
	ProductID string `json:"productId"`
}

func (h *httpHandler) buy(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "productId required")
		return
	}

	reservationID, err := h.engine.Buy(r.Context(), req.ProductID, userID)
	switch {
	case err == nil:
		// Accepted, not created: the order materializes asynchronously.
		writeJSON(w, http.StatusAccepted, map[string]string{"orderId": reservationID})
	case errors.Is(err, ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrAlreadyPurchased), errors.Is(err, ErrOutOfStock), errors.Is(err, ErrNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrCampaignNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("buy failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *httpHandler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context(), r.PathValue("productID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, ErrCampaignNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("status failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *httpHandler) initCampaign(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Admin-Key")
	if h.adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	var c Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.engine.Init(r.Context(), c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"productId": c.ProductID, "status": "initialized"})
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

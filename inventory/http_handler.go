package main

import (
	"context"
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
	store   InventoryStore
	logger  *slog.Logger
	metrics *metrics.HTTPMetrics
}

func NewHTTPHandler(store InventoryStore, logger *slog.Logger, m *metrics.HTTPMetrics) *httpHandler {
	return &httpHandler{store: store, logger: logger, metrics: m}
}

func (h *httpHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/inventory", h.instrument("/api/inventory", h.createRecord))
	mux.HandleFunc("GET /api/inventory/{productID}", h.instrument("/api/inventory/{productID}", h.getRecord))
	mux.HandleFunc("DELETE /api/inventory/{productID}", h.instrument("/api/inventory/{productID}", h.deleteRecord))
	mux.HandleFunc("POST /api/inventory/{productID}/reserve", h.instrument("/api/inventory/{productID}/reserve", h.reserve))
	mux.HandleFunc("POST /api/inventory/{productID}/release", h.instrument("/api/inventory/{productID}/release", h.release))
}

type createRecordRequest struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name"`
	InitialStock int64  `json:"initialStock"`
}

func (h *httpHandler) createRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProductID == "" || req.InitialStock < 0 {
		writeError(w, http.StatusBadRequest, "productId required, initialStock must not be negative")
		return
	}

	rec, err := h.store.Upsert(r.Context(), req.ProductID, req.Name, req.InitialStock)
	if err != nil {
		h.logger.Error("create inventory record failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *httpHandler) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("productID"))
	if errors.Is(err, ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "no inventory record for product")
		return
	}
	if err != nil {
		h.logger.Error("get inventory record failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *httpHandler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("productID")); err != nil {
		h.logger.Error("delete inventory record failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quantityRequest struct {
	Quantity int64 `json:"quantity"`
}

// Manual reserve/release carry no order, so they run against the aggregate
// counters only and never touch per-order reservations.
func (h *httpHandler) reserve(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, productID string, quantity int64) (*Record, error) {
		return h.store.Reserve(ctx, "", productID, quantity)
	})
}

func (h *httpHandler) release(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(ctx context.Context, productID string, quantity int64) (*Record, error) {
		return h.store.Release(ctx, "", productID, quantity)
	})
}

func (h *httpHandler) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, productID string, quantity int64) (*Record, error)) {
	var req quantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	rec, err := op(r.Context(), r.PathValue("productID"), req.Quantity)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "no inventory record for product")
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrCannotRelease):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("inventory mutation failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
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

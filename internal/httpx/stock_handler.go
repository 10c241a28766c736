package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/stock"
)

type StockHandler struct {
	Ledger stock.Ledger
	Audit  *audit.Logger
	Log    *zap.Logger
}

func (h *StockHandler) Register(r *chi.Mux) {
	r.Get("/stock/summary", h.summary)
	r.Get("/stock/product/{id}", h.productInfo)
	r.Get("/stock/low-stock", h.lowStock)
	r.Put("/stock/adjust", h.adjust)
	r.Post("/stock/validate", h.validate)
}

func (h *StockHandler) summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	s, err := h.Ledger.Summary(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *StockHandler) productInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	info, err := h.Ledger.Info(ctx, chi.URLParam(r, "id"), r.URL.Query().Get("variant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *StockHandler) lowStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var threshold *int
	if v := r.URL.Query().Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid threshold"})
			return
		}
		threshold = &n
	}

	infos, err := h.Ledger.LowStock(ctx, threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	if infos == nil {
		infos = []stock.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

type adjustReq struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Delta     int    `json:"delta"`
	Note      string `json:"note,omitempty"`
}

func (h *StockHandler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	before, err := h.Ledger.Info(ctx, req.ProductID, req.VariantID)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.Ledger.Adjust(ctx, req.ProductID, req.VariantID, req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}

	actor := actorFrom(r)
	h.Audit.Record(ctx, audit.Entry{
		Action:        audit.ActionStockAdjust,
		Field:         "stock",
		OldValue:      strconv.Itoa(before.Quantity),
		NewValue:      strconv.Itoa(info.Quantity),
		ChangedBy:     actor.ID,
		ChangedByRole: actor.Role,
		Note:          req.Note,
		Metadata: map[string]any{
			"product_id": req.ProductID,
			"variant_id": req.VariantID,
			"delta":      req.Delta,
		},
	})

	writeJSON(w, http.StatusOK, info)
}

type validateReq struct {
	Items []stock.Item `json:"items"`
}

func (h *StockHandler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	shortages, err := h.Ledger.Validate(ctx, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	if shortages == nil {
		shortages = []stock.Shortage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     len(shortages) == 0,
		"errors": shortages,
	})
}

package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
	"github.com/nandasafiq/go-shop-orders/internal/redisx"
)

type OrdersHandler struct {
	Orders *orders.Service
	Audit  *audit.Logger
	Redis  *redis.Client
	Log    *zap.Logger
}

// OrderItemReq names only what the client may choose; name, image and
// price are snapshotted from the catalog server-side.
type OrderItemReq struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Qty       int    `json:"qty"`
}

type CreateOrderReq struct {
	ExternalID      string         `json:"external_id"`
	UserID          string         `json:"user_id"`
	PaymentMethod   string         `json:"payment_method"`
	ShippingAddress orders.Address `json:"shipping_address"`
	Items           []OrderItemReq `json:"items"`
}

type CreateOrderResp struct {
	OrderID    string `json:"order_id"`
	Number     string `json:"number"`
	TotalCents int    `json:"total_cents"`
	Idempotent bool   `json:"idempotent"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/history", h.getHistory)
	r.Put("/orders/{id}/pay", h.markPaid)
	r.Put("/orders/{id}/deliver", h.markDelivered)
	r.Put("/orders/{id}/status", h.changeStatus)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Fast-path idempotency: a retried request with a known external id
	// returns the order it created the first time.
	if req.ExternalID != "" {
		idemKey := redisx.IdemOrderCreateKey(req.ExternalID)
		if ok, _ := redisx.Exists(ctx, h.Redis, idemKey); ok {
			if o, err := h.Orders.GetByExternalID(ctx, req.ExternalID); err == nil {
				writeJSON(w, http.StatusOK, CreateOrderResp{
					OrderID: o.ID, Number: o.Number,
					TotalCents: o.Totals.TotalCents, Idempotent: true,
				})
				return
			}
		}
	}

	items := make([]orders.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = orders.Item{ProductID: it.ProductID, VariantID: it.VariantID, Qty: it.Qty}
	}

	o, err := h.Orders.Create(ctx, orders.CreateInput{
		ExternalID:      req.ExternalID,
		UserID:          req.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if req.ExternalID != "" {
		_ = h.Redis.Set(ctx, redisx.IdemOrderCreateKey(req.ExternalID), o.ID, redisx.TTLIdempotency).Err()
	}
	h.cacheStatus(ctx, o.ID, o.Status)

	writeJSON(w, http.StatusCreated, CreateOrderResp{
		OrderID: o.ID, Number: o.Number,
		TotalCents: o.Totals.TotalCents, Idempotent: false,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	entries := h.Audit.OrderHistory(ctx, orderID, limit)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "history": entries})
}

func (h *OrdersHandler) markPaid(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var paymentResult json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&paymentResult); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.MarkPaid(ctx, orderID, paymentResult, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) markDelivered(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.MarkDelivered(ctx, orderID, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) changeStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	status, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.ChangeStatus(ctx, orderID, status, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, orderID string, status orders.Status) {
	if h.Redis == nil {
		return
	}
	body, _ := json.Marshal(map[string]string{"status": string(status)})
	_ = h.Redis.Set(ctx, redisx.OrderStatusKey(orderID), body, redisx.TTLStatusCache).Err()
}

// actorFrom trusts the identity headers set by the auth layer in front
// of this service.
func actorFrom(r *http.Request) orders.Actor {
	role := audit.RoleUser
	if r.Header.Get("X-User-Role") == "admin" {
		role = audit.RoleAdmin
	}
	id := r.Header.Get("X-User-Id")
	if id == "" {
		id = "anonymous"
	}
	return orders.Actor{ID: id, Role: role}
}

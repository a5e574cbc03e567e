package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/core/service"
)

// Identity is resolved upstream; these headers carry it in.
const (
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

type HTTPHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

type orderItemRequest struct {
	Product  string `json:"product"`
	Quantity int    `json:"quantity"`
}

type PlaceOrderRequest struct {
	OrderItems      []orderItemRequest     `json:"orderItems"`
	ShippingAddress domain.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	ItemsPrice      decimal.Decimal        `json:"itemsPrice"`
	TaxPrice        decimal.Decimal        `json:"taxPrice"`
	ShippingPrice   decimal.Decimal        `json:"shippingPrice"`
	TotalPrice      decimal.Decimal        `json:"totalPrice"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProductID string `json:"productId,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func NewHTTPHandler(orderService *service.OrderService, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{orderService: orderService, logger: logger}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Get("/my", h.ListMyOrders)
		r.Get("/{id}", h.GetOrder)
	})

	r.Route("/api/admin/orders", func(r chi.Router) {
		r.Get("/", h.ListOrders)
		r.Put("/{id}/deliver", h.MarkDelivered)
	})

	return r
}

func identityFrom(r *http.Request) domain.Identity {
	return domain.Identity{
		UserID: r.Header.Get(HeaderUserID),
		Role:   domain.ParseRole(r.Header.Get(HeaderUserRole)),
	}
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	if !id.Authenticated() {
		h.writeError(w, domain.Unauthenticated())
		return
	}

	var body PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, domain.Validation("invalid request body"))
		return
	}

	req := service.PlaceOrderRequest{
		Items:           make([]service.CartLine, 0, len(body.OrderItems)),
		ShippingAddress: body.ShippingAddress,
		PaymentMethod:   body.PaymentMethod,
		Prices: service.DeclaredPrices{
			ItemsPrice:    body.ItemsPrice,
			TaxPrice:      body.TaxPrice,
			ShippingPrice: body.ShippingPrice,
			TotalPrice:    body.TotalPrice,
		},
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	}
	for _, it := range body.OrderItems {
		req.Items = append(req.Items, service.CartLine{ProductID: it.Product, Quantity: it.Quantity})
	}

	order, err := h.orderService.PlaceOrder(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *HTTPHandler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orderService.ListMyOrders(r.Context(), identityFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderService.GetOrder(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders lists every order, or one buyer's orders with ?buyer=.
func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []domain.Order
		err    error
	)
	if buyer := r.URL.Query().Get("buyer"); buyer != "" {
		orders, err = h.orderService.ListOrdersOfBuyer(r.Context(), identityFrom(r), buyer)
	} else {
		orders, err = h.orderService.ListAllOrders(r.Context(), identityFrom(r))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderService.MarkDelivered(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func httpStatus(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindProductNotFound, domain.KindOrderNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock, domain.KindDuplicateRequest:
		return http.StatusConflict
	case domain.KindPriceMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	resp := ErrorResponse{Error: string(kind), Message: "storage unavailable"}

	var derr *domain.Error
	if errors.As(err, &derr) && kind != domain.KindStorageUnavailable {
		resp.Message = derr.Message
		resp.ProductID = derr.ProductID
		if kind == domain.KindInsufficientStock {
			available := derr.Available
			resp.Requested = derr.Requested
			resp.Available = &available
		}
	}

	if kind == domain.KindStorageUnavailable {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, httpStatus(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

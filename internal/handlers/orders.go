package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketplane/api/internal/domain"
	"github.com/marketplane/api/internal/gateway"
	"github.com/marketplane/api/internal/platform/httpx"
	"github.com/marketplane/api/internal/services"
)

const (
	defaultOrderPageSize  = 20
	maxOrderPageSize      = 100
	maxOrderBodySize      = 64 * 1024
	maxOrderSmallBodySize = 4 * 1024
)

var transitionTargets = map[domain.OrderStatus]struct{}{
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
}

type createOrderRequest struct {
	Lines           []cartLinePayload `json:"lines"`
	ShippingAddress addressPayload    `json:"shipping_address"`
	Contact         contactPayload    `json:"contact"`
	Metadata        map[string]any    `json:"metadata"`
}

type cartLinePayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type contactPayload struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type transitionOrderRequest struct {
	TargetStatus   string  `json:"target_status"`
	TrackingNumber *string `json:"tracking_number,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// OrderHandlers exposes checkout, payment and fulfillment endpoints.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}/payment:retry", h.retryPayment)
	r.Post("/{orderID}/payment:refresh", h.refreshPayment)
	r.Get("/{orderID}/payments", h.listPaymentAttempts)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}
	if actor.Type != domain.ActorTypeCustomer {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "only customers may place orders", http.StatusForbidden))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	lines := make([]services.CartLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, services.CartLine{
			ProductID: strings.TrimSpace(line.ProductID),
			Quantity:  line.Quantity,
		})
	}

	result, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		CustomerID:      actor.ID,
		Lines:           lines,
		ShippingAddress: addressFromPayload(req.ShippingAddress),
		Contact: services.OrderContact{
			Email: strings.TrimSpace(req.Contact.Email),
			Name:  strings.TrimSpace(req.Contact.Name),
			Phone: strings.TrimSpace(req.Contact.Phone),
		},
		Metadata: cloneMap(req.Metadata),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := createOrderResponse{
		Order:      buildOrderPayload(result.Order),
		PaymentURL: strings.TrimSpace(result.PaymentURL),
	}
	if result.Attempt.ID != "" {
		attempt := buildPaymentAttemptPayload(result.Attempt)
		payload.PaymentAttempt = &attempt
	}
	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	filter := services.OrderListFilter{
		Status: parseFilterValues(query["status"]),
	}

	switch actor.Type {
	case domain.ActorTypeCustomer:
		filter.CustomerID = actor.ID
	case domain.ActorTypeMerchant:
		filter.MerchantID = actor.ID
	case domain.ActorTypeAdmin, domain.ActorTypeSystem:
		filter.CustomerID = strings.TrimSpace(query.Get("customer_id"))
		filter.MerchantID = strings.TrimSpace(query.Get("merchant_id"))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "actor may not list orders", http.StatusForbidden))
		return
	}

	var dateRange domain.RangeQuery[time.Time]
	var hasDateRange bool
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
		hasDateRange = true
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
		hasDateRange = true
	}
	if hasDateRange {
		filter.DateRange = dateRange
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}
	filter.Pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !actorMaySeeOrder(actor, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderSmallBodySize)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// Cancellation without a reason is allowed.
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cancelled, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   actor,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req transitionOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderSmallBodySize, &req) {
		return
	}

	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.TargetStatus)))
	if _, ok := transitionTargets[target]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target_status must be processing, shipped or delivered", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionOrder(ctx, services.TransitionOrderCommand{
		OrderID:        orderID,
		Actor:          actor,
		TargetStatus:   target,
		TrackingNumber: req.TrackingNumber,
		Reason:         strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	attempt, err := h.orders.RetryPayment(ctx, services.RetryPaymentCommand{
		OrderID: orderID,
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentAttemptResponse{
		PaymentAttempt: buildPaymentAttemptPayload(attempt),
		PaymentURL:     strings.TrimSpace(attempt.PaymentURL),
	})
}

func (h *OrderHandlers) refreshPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.RefreshPaymentStatus(ctx, services.RefreshPaymentCommand{
		OrderID: orderID,
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listPaymentAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "caller identity required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	attempts, err := h.orders.ListPaymentAttempts(ctx, services.ListPaymentAttemptsCommand{
		OrderID: orderID,
		Actor:   actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]paymentAttemptPayload, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, buildPaymentAttemptPayload(attempt))
	}
	writeJSONResponse(w, http.StatusOK, paymentAttemptListResponse{Items: items})
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, target any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func actorMaySeeOrder(actor services.Actor, order services.Order) bool {
	switch actor.Type {
	case domain.ActorTypeAdmin, domain.ActorTypeSystem:
		return true
	case domain.ActorTypeCustomer:
		return strings.EqualFold(strings.TrimSpace(order.CustomerID), strings.TrimSpace(actor.ID))
	case domain.ActorTypeMerchant:
		for _, sub := range order.SubOrders {
			if strings.EqualFold(strings.TrimSpace(sub.MerchantID), strings.TrimSpace(actor.ID)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

type createOrderResponse struct {
	Order          orderPayload           `json:"order"`
	PaymentURL     string                 `json:"payment_url,omitempty"`
	PaymentAttempt *paymentAttemptPayload `json:"payment_attempt,omitempty"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type paymentAttemptResponse struct {
	PaymentAttempt paymentAttemptPayload `json:"payment_attempt"`
	PaymentURL     string                `json:"payment_url,omitempty"`
}

type paymentAttemptListResponse struct {
	Items []paymentAttemptPayload `json:"items"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	CustomerID  string `json:"customer_id"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	TotalAmount int64  `json:"total_amount"`
	Total       string `json:"total"`
	CreatedAt   string `json:"created_at"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	CustomerID      string                `json:"customer_id"`
	Status          string                `json:"status"`
	Currency        string                `json:"currency"`
	TotalAmount     int64                 `json:"total_amount"`
	Total           string                `json:"total"`
	PaymentRef      *string               `json:"payment_ref,omitempty"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	Contact         contactPayload        `json:"contact"`
	SubOrders       []merchantOrderPayload `json:"sub_orders"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
	PaidAt          string                `json:"paid_at,omitempty"`
	ShippedAt       string                `json:"shipped_at,omitempty"`
	DeliveredAt     string                `json:"delivered_at,omitempty"`
	CancelledAt     string                `json:"cancelled_at,omitempty"`
	CancelReason    *string               `json:"cancel_reason,omitempty"`
}

type merchantOrderPayload struct {
	ID             string             `json:"id"`
	MerchantID     string             `json:"merchant_id"`
	Status         string             `json:"status"`
	TrackingNumber *string            `json:"tracking_number,omitempty"`
	Subtotal       int64              `json:"subtotal"`
	Lines          []orderLinePayload `json:"lines"`
}

type orderLinePayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

type paymentAttemptPayload struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	GatewayRef string `json:"gateway_ref,omitempty"`
	PaymentURL string `json:"payment_url,omitempty"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		CustomerID:  strings.TrimSpace(order.CustomerID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount: order.TotalAmount,
		Total:       domain.FormatMinorUnits(order.TotalAmount),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		CustomerID:      strings.TrimSpace(order.CustomerID),
		Status:          strings.TrimSpace(string(order.Status)),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount:     order.TotalAmount,
		Total:           domain.FormatMinorUnits(order.TotalAmount),
		PaymentRef:      cloneStringPointer(order.PaymentRef),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Contact: contactPayload{
			Email: strings.TrimSpace(order.Contact.Email),
			Name:  strings.TrimSpace(order.Contact.Name),
			Phone: strings.TrimSpace(order.Contact.Phone),
		},
		SubOrders:    make([]merchantOrderPayload, 0, len(order.SubOrders)),
		Metadata:     cloneMap(order.Metadata),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		PaidAt:       formatTime(pointerTime(order.PaidAt)),
		ShippedAt:    formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:  formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		CancelReason: cloneStringPointer(order.CancelReason),
	}

	for _, sub := range order.SubOrders {
		entry := merchantOrderPayload{
			ID:             strings.TrimSpace(sub.ID),
			MerchantID:     strings.TrimSpace(sub.MerchantID),
			Status:         strings.TrimSpace(string(sub.Status)),
			TrackingNumber: cloneStringPointer(sub.TrackingNumber),
			Subtotal:       sub.Subtotal,
			Lines:          make([]orderLinePayload, 0, len(sub.Lines)),
		}
		for _, line := range sub.Lines {
			entry.Lines = append(entry.Lines, orderLinePayload{
				ProductID: strings.TrimSpace(line.ProductID),
				Name:      strings.TrimSpace(line.Name),
				SKU:       strings.TrimSpace(line.SKU),
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
				Subtotal:  line.Subtotal,
			})
		}
		payload.SubOrders = append(payload.SubOrders, entry)
	}

	return payload
}

func buildPaymentAttemptPayload(attempt services.PaymentAttempt) paymentAttemptPayload {
	return paymentAttemptPayload{
		ID:         strings.TrimSpace(attempt.ID),
		OrderID:    strings.TrimSpace(attempt.OrderID),
		GatewayRef: strings.TrimSpace(attempt.GatewayRef),
		PaymentURL: strings.TrimSpace(attempt.PaymentURL),
		Status:     strings.TrimSpace(string(attempt.Status)),
		Amount:     attempt.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(attempt.Currency)),
		CreatedAt:  formatTime(attempt.CreatedAt),
		ExpiresAt:  formatTime(attempt.ExpiresAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var gatewayErr *gateway.Error
	switch {
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart must contain at least one line", http.StatusBadRequest))
	case errors.Is(err, services.ErrProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "actor is not permitted to perform this action", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.As(err, &gatewayErr):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment provider rejected the request", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

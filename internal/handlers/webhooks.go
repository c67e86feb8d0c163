package handlers

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marketplane/api/internal/platform/httpx"
	"github.com/marketplane/api/internal/platform/requestctx"
	"github.com/marketplane/api/internal/services"
)

const maxCallbackBodySize = 16 * 1024

// WebhookHandlers receives asynchronous notifications from the payment gateway.
type WebhookHandlers struct {
	orders  services.OrderService
	limiter rateLimiter
}

// WebhookOption customises webhook handler construction.
type WebhookOption func(*WebhookHandlers)

// WithWebhookRateLimit bounds how many callbacks a single source may post per window.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = newCallbackThrottle(limit, window, nil)
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(orders services.OrderService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.paymentCallback)
}

// paymentCallback ingests the signed form post from the gateway. Requests that
// fail signature verification are acknowledged with 200 so the gateway stops
// retrying a payload we will never accept.
func (h *WebhookHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(callbackSourceKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many callback requests", http.StatusTooManyRequests))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodySize)
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to parse callback form", http.StatusBadRequest))
		return
	}

	fields := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		fields[key] = r.PostForm.Get(key)
	}
	if len(fields) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "callback form is empty", http.StatusBadRequest))
		return
	}

	err := h.orders.HandlePaymentCallback(ctx, services.PaymentCallbackCommand{Fields: fields})
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, map[string]string{"result": "OK"})
	case errors.Is(err, services.ErrSignatureMismatch):
		// Dropped; the service already logged the rejection.
		writeJSONResponse(w, http.StatusOK, map[string]string{"result": "OK"})
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		if logger != nil {
			logger.Warn("payment callback processing failed")
		}
		httpx.WriteError(ctx, w, httpx.NewError("callback_error", "failed to process payment callback", http.StatusInternalServerError))
	}
}

func callbackSourceKey(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketplane/api/internal/domain"
)

// Default request bounds applied when the config leaves them unset.
const (
	defaultTimeout    = 10 * time.Second
	maxResponseBytes  = 1 << 20
	defaultCreatePath = "/payments/create"
	defaultStatusPath = "/payments/status"
)

// Config holds the merchant account and endpoint settings for the payment
// provider. Secret is the shared signing secret and never appears in logs.
type Config struct {
	MerchantID     string
	BaseURL        string
	CreateEndpoint string
	StatusEndpoint string
	Secret         string
	Currency       string
	ReturnURL      string
	CallbackURL    string
	Timeout        time.Duration
}

// PaymentRequest carries the order fields forwarded to the provider when
// opening a payment session.
type PaymentRequest struct {
	RefNo         string
	Amount        int64
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
}

// PaymentSession is the provider's answer to a create request.
type PaymentSession struct {
	RefNo      string
	PaymentURL string
	GatewayRef string
	Raw        map[string]any
}

// StatusResult reports the provider-side state of a payment.
type StatusResult struct {
	RefNo      string
	Status     string
	GatewayRef string
	Raw        map[string]any
}

// Provider-side payment states as returned by the status endpoint.
const (
	StatusPaid    = "paid"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// Error is returned for any transport or provider-level failure. RawBody
// retains the unparsed response for diagnostics.
type Error struct {
	Op         string
	StatusCode int
	RawBody    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway: %s: provider returned status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client talks to the payment provider over signed form posts.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient validates the configuration and constructs a gateway client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" {
		return nil, errors.New("gateway: merchant id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway: base url is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("gateway: signing secret is required")
	}
	if err := domain.ValidateCurrency(cfg.Currency); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if cfg.CreateEndpoint == "" {
		cfg.CreateEndpoint = defaultCreatePath
	}
	if cfg.StatusEndpoint == "" {
		cfg.StatusEndpoint = defaultStatusPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Currency exposes the configured settlement currency.
func (c *Client) Currency() string {
	return c.cfg.Currency
}

// CreatePaymentRequest opens a payment session for the given order reference.
// The field map is signed before posting; the provider responds with a
// redirect URL the customer completes payment on.
func (c *Client) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (PaymentSession, error) {
	if strings.TrimSpace(req.RefNo) == "" {
		return PaymentSession{}, &Error{Op: "create", Err: errors.New("refno is required")}
	}
	if req.Amount <= 0 {
		return PaymentSession{}, &Error{Op: "create", Err: errors.New("amount must be positive")}
	}

	fields := map[string]string{
		"merchantid":  c.cfg.MerchantID,
		"refno":       req.RefNo,
		"amount":      domain.FormatMinorUnits(req.Amount),
		"currency":    c.cfg.Currency,
		"email":       req.CustomerEmail,
		"name":        req.CustomerName,
		"phone":       req.CustomerPhone,
		"returnurl":   c.cfg.ReturnURL,
		"callbackurl": c.cfg.CallbackURL,
	}
	fields[SignatureField] = Sign(fields, c.cfg.Secret)

	raw, err := c.postForm(ctx, "create", c.cfg.CreateEndpoint, fields)
	if err != nil {
		return PaymentSession{}, err
	}

	session := PaymentSession{
		RefNo:      req.RefNo,
		PaymentURL: stringField(raw, "payment_url"),
		GatewayRef: stringField(raw, "transaction_id"),
		Raw:        raw,
	}
	if session.PaymentURL == "" {
		return PaymentSession{}, &Error{Op: "create", Err: errors.New("response missing payment_url")}
	}
	return session, nil
}

// VerifyCallback checks the signature on an incoming callback payload. It
// returns false for absent or mismatching signatures and never fails.
func (c *Client) VerifyCallback(fields map[string]string) bool {
	return VerifySignature(fields, c.cfg.Secret)
}

// CheckStatus queries the provider for the current state of a payment.
func (c *Client) CheckStatus(ctx context.Context, refNo string) (StatusResult, error) {
	if strings.TrimSpace(refNo) == "" {
		return StatusResult{}, &Error{Op: "status", Err: errors.New("refno is required")}
	}

	fields := map[string]string{
		"merchantid": c.cfg.MerchantID,
		"refno":      refNo,
	}
	fields[SignatureField] = Sign(fields, c.cfg.Secret)

	raw, err := c.postForm(ctx, "status", c.cfg.StatusEndpoint, fields)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		RefNo:      refNo,
		Status:     strings.ToLower(stringField(raw, "status")),
		GatewayRef: stringField(raw, "transaction_id"),
		Raw:        raw,
	}
	if result.Status == "" {
		return StatusResult{}, &Error{Op: "status", Err: errors.New("response missing status")}
	}
	return result, nil
}

func (c *Client) postForm(ctx context.Context, op string, endpoint string, fields map[string]string) (map[string]any, error) {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}

	target := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, RawBody: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, RawBody: string(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	return raw, nil
}

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

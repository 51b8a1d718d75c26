package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultGatewayTimeout = 15 * time.Second

// GatewayClientConfig configures the HTTP gateway adapter.
type GatewayClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// GatewayClient talks to the payment gateway's REST API.
type GatewayClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

var _ Provider = (*GatewayClient)(nil)

// NewGatewayClient constructs the gateway adapter.
func NewGatewayClient(cfg GatewayClientConfig) (*GatewayClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payments: gateway base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("payments: invalid gateway base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultGatewayTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GatewayClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  httpClient,
		logger:  logger,
	}, nil
}

type gatewayOrderPayload struct {
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	Authorized     string `json:"authorized_amount"`
	Captured       string `json:"captured_amount"`
	Refunded       string `json:"refunded_amount"`
	SubscriptionID string `json:"subscription_id"`
	CardMask       string `json:"card_mask"`
	PaymentInfo    string `json:"payment_info"`
}

type gatewayErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *GatewayClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (GatewayState, error) {
	body := map[string]any{
		"order_nr":      req.OrderNr,
		"customer_code": req.CustomerCode,
		"amount":        req.Amount.StringFixed(2),
		"currency_code": req.CurrencyCode,
		"payment_token": req.PaymentToken,
	}
	if req.SubscriptionID != "" {
		body["subscription_id"] = req.SubscriptionID
	}
	return c.do(ctx, "create_order", req.OrderNr, http.MethodPost, "/orders", body)
}

func (c *GatewayClient) GetOrder(ctx context.Context, reference string) (GatewayState, error) {
	return c.do(ctx, "get_order", reference, http.MethodGet, "/orders/"+url.PathEscape(reference), nil)
}

func (c *GatewayClient) Capture(ctx context.Context, reference string, amount decimal.Decimal) (GatewayState, error) {
	body := map[string]any{"amount": amount.StringFixed(2)}
	return c.do(ctx, "capture", reference, http.MethodPost, "/orders/"+url.PathEscape(reference)+"/capture", body)
}

func (c *GatewayClient) Refund(ctx context.Context, reference string, amount decimal.Decimal) (GatewayState, error) {
	body := map[string]any{"amount": amount.StringFixed(2)}
	return c.do(ctx, "refund", reference, http.MethodPost, "/orders/"+url.PathEscape(reference)+"/refund", body)
}

func (c *GatewayClient) Cancel(ctx context.Context, reference string) (GatewayState, error) {
	return c.do(ctx, "cancel", reference, http.MethodPost, "/orders/"+url.PathEscape(reference)+"/cancel", nil)
}

func (c *GatewayClient) do(ctx context.Context, op, reference, method, path string, body map[string]any) (GatewayState, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var payload gatewayErrorPayload
		_ = json.Unmarshal(data, &payload)
		message := payload.Message
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		gatewayErr := &GatewayError{
			Op:        op,
			Reference: reference,
			Message:   message,
			Err:       fmt.Errorf("gateway returned %d", resp.StatusCode),
		}
		c.logger.Warn("gateway call rejected",
			zap.String("op", op),
			zap.String("reference", reference),
			zap.Int("status", resp.StatusCode),
			zap.Bool("permanent", gatewayErr.Permanent()),
		)
		return GatewayState{}, gatewayErr
	}

	var payload gatewayOrderPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}
	return payload.toState(op, reference)
}

func (p gatewayOrderPayload) toState(op, reference string) (GatewayState, error) {
	parse := func(value string) (decimal.Decimal, error) {
		if strings.TrimSpace(value) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(value)
	}

	authorized, err := parse(p.Authorized)
	if err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}
	captured, err := parse(p.Captured)
	if err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}
	refunded, err := parse(p.Refunded)
	if err != nil {
		return GatewayState{}, &GatewayError{Op: op, Reference: reference, Err: err}
	}
	// the gateway reports refunds as a positive total
	if refunded.IsPositive() {
		refunded = refunded.Neg()
	}

	return GatewayState{
		Reference:      p.Reference,
		Status:         GatewayStatus(strings.ToUpper(strings.TrimSpace(p.Status))),
		Authorized:     authorized,
		Captured:       captured,
		Refunded:       refunded,
		SubscriptionID: p.SubscriptionID,
		CardMask:       p.CardMask,
		PaymentInfo:    p.PaymentInfo,
	}, nil
}

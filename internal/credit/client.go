// Package credit integrates the customer credit ledger. Order credit is
// captured by appending signed ledger transactions; the ledger answers with
// the resulting per-order balance, which the caller stores as the captured
// total.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// ErrInsufficientBalance marks a withdrawal the ledger refused.
var ErrInsufficientBalance = errors.New("credit: insufficient balance")

// Transaction is one signed ledger entry scoped to an order. A positive value
// withdraws customer credit towards the order; a negative value hands credit
// back.
type Transaction struct {
	CustomerCode string          `json:"customer_code"`
	CountryCode  string          `json:"country_code"`
	OrderNr      string          `json:"order_nr"`
	Value        decimal.Decimal `json:"value"`
	Reason       string          `json:"reason"`
}

// TransactionResult reports the ledger state after the entry was applied.
// RefBalance is the running total captured against the order.
type TransactionResult struct {
	RefBalance      decimal.Decimal `json:"ref_balance"`
	CustomerBalance decimal.Decimal `json:"customer_balance"`
}

// Ledger is the contract the services depend on.
type Ledger interface {
	Balance(ctx context.Context, customerCode, countryCode string) (decimal.Decimal, error)
	Append(ctx context.Context, tx Transaction) (TransactionResult, error)
}

// ClientConfig configures the HTTP ledger client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the credit service's REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

var _ Ledger = (*Client)(nil)

// NewClient constructs the ledger client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("credit: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, client: httpClient, logger: logger}, nil
}

func (c *Client) Balance(ctx context.Context, customerCode, countryCode string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/balances/%s?country_code=%s", c.baseURL, customerCode, countryCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit: balance: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit: balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("credit: balance: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("credit: balance: %w", err)
	}
	return payload.Balance, nil
}

func (c *Client) Append(ctx context.Context, tx Transaction) (TransactionResult, error) {
	encoded, err := json.Marshal(tx)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("credit: append: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(encoded))
	if err != nil {
		return TransactionResult{}, fmt.Errorf("credit: append: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("credit: append: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return TransactionResult{}, fmt.Errorf("credit: append %s: %w", tx.OrderNr, ErrInsufficientBalance)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return TransactionResult{}, fmt.Errorf("credit: append %s: unexpected status %d", tx.OrderNr, resp.StatusCode)
	}

	var result TransactionResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return TransactionResult{}, fmt.Errorf("credit: append: %w", err)
	}
	return result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

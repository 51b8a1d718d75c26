// Package catalog reads product availability and pricing from the catalog
// service. Sessions revalidate their items against it on merge and checkout.
package catalog

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
)

const defaultTimeout = 15 * time.Second

// Availability reports the sellable state of one sku in a warehouse.
type Availability struct {
	SKU         string          `json:"sku"`
	InStock     bool            `json:"in_stock"`
	Price       decimal.Decimal `json:"price"`
	MaxQuantity int             `json:"max_quantity"`
}

// Reader is the contract the services depend on.
type Reader interface {
	Availability(ctx context.Context, countryCode, warehouseCode string, skus []string) (map[string]Availability, error)
}

// ClientConfig configures the HTTP catalog client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the catalog service's REST API.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ Reader = (*Client)(nil)

// NewClient constructs the catalog client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("catalog: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: baseURL, client: httpClient}, nil
}

func (c *Client) Availability(ctx context.Context, countryCode, warehouseCode string, skus []string) (map[string]Availability, error) {
	if len(skus) == 0 {
		return map[string]Availability{}, nil
	}

	encoded, err := json.Marshal(map[string]any{
		"country_code": countryCode,
		"wh_code":      warehouseCode,
		"skus":         skus,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: availability: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/availability", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("catalog: availability: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: availability: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: availability: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Items []Availability `json:"items"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("catalog: availability: %w", err)
	}

	out := make(map[string]Availability, len(payload.Items))
	for _, item := range payload.Items {
		out[item.SKU] = item
	}
	return out, nil
}

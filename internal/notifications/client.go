// Package notifications dispatches customer messages through the notification
// service. Idempotency keys keep redelivered queue events from producing
// duplicate messages.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// Message is one customer notification.
type Message struct {
	Template     string         `json:"template"`
	Channel      string         `json:"channel"`
	OrderNr      string         `json:"order_nr"`
	CustomerCode string         `json:"customer_code"`
	Data         map[string]any `json:"data,omitempty"`
}

// IdempotencyKey derives the deduplication key for the message. One template
// per channel per order is sent at most once.
func (m Message) IdempotencyKey() string {
	return fmt.Sprintf("%s-%s-%s", m.Template, m.Channel, m.OrderNr)
}

// Sender is the contract the services depend on.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ClientConfig configures the HTTP notification client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the notification service's REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

var _ Sender = (*Client)(nil)

// NewClient constructs the notification client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("notifications: base url is required")
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

// Send dispatches the message. Replays with the same idempotency key succeed
// without sending twice.
func (c *Client) Send(ctx context.Context, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notifications: send: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("notifications: send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: send: %w", err)
	}
	defer resp.Body.Close()

	// 409 means the key was already used, which is success for our purposes.
	if resp.StatusCode == http.StatusConflict {
		c.logger.Debug("notification already sent",
			zap.String("template", msg.Template),
			zap.String("order_nr", msg.OrderNr),
		)
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("notifications: send %s: unexpected status %d", msg.OrderNr, resp.StatusCode)
	}
	return nil
}

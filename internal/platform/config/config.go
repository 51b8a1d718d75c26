package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultLogLevel             = "info"
	defaultDBMaxOpenConns       = 25
	defaultDBMaxIdleConns       = 10
	defaultDBConnMaxLifetime    = 30 * time.Minute
	defaultGatewayTimeout       = 15 * time.Second
	defaultWorkerBatchSize      = 50
	defaultWorkerPollInterval   = 5 * time.Second
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultDocumentURLTTL       = 15 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Payments      PaymentsConfig
	Credit        CreditConfig
	Notifications NotificationsConfig
	Catalog       CatalogConfig
	Documents     DocumentsConfig
	Secrets       SecretsConfig
	Workers       WorkersConfig
	Idempotency   IdempotencyConfig
	LogLevel      string
}

// AuthConfig configures bearer token verification and webhook signing.
// Leaving JWKSURL empty disables customer authentication, which is only
// acceptable in local development.
type AuthConfig struct {
	JWKSURL          string
	Issuer           string
	Audience         string
	WebhookSecret    string
	InternalAudience string
	InternalIssuers  []string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig stores connection parameters for the primary database.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PaymentsConfig selects and configures the payment provider.
type PaymentsConfig struct {
	Provider       string
	GatewayBaseURL string
	GatewayAPIKey  string
	GatewayTimeout time.Duration
	StripeAPIKey   string
}

// CreditConfig points at the customer credit service.
type CreditConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NotificationsConfig points at the notification dispatch service. When
// PubSubTopic is set messages are published to that topic instead of the REST
// API, and the topic consumer handles rendering and delivery.
type NotificationsConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	PubSubProject string
	PubSubTopic   string
}

// DocumentsConfig configures signed download URLs for generated documents
// such as invoices. Empty Bucket disables the document endpoints.
type DocumentsConfig struct {
	Bucket        string
	SignerKeyFile string
	URLTTL        time.Duration
}

// SecretsConfig controls secret:// reference resolution. Project selects the
// Secret Manager project; FallbackFile supplies values for local development.
type SecretsConfig struct {
	Project      string
	Environment  string
	FallbackFile string
}

// CatalogConfig points at the catalog and stock service.
type CatalogConfig struct {
	BaseURL string
	Timeout time.Duration
}

// WorkersConfig controls the event pollers. PollIntervals overrides the
// default interval per action code; an explicit zero means poll continuously.
type WorkersConfig struct {
	Enabled             bool
	BatchSize           int
	DefaultPollInterval time.Duration
	PollIntervals       map[string]time.Duration
}

// PollInterval returns the poll interval for the given action code.
func (w WorkersConfig) PollInterval(actionCode string) time.Duration {
	if interval, ok := w.PollIntervals[actionCode]; ok {
		return interval
	}
	return w.DefaultPollInterval
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values
// in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the application configuration by combining defaults, .env
// overrides, and environment variables.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "ORDER_API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "ORDER_API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "ORDER_API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "ORDER_API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Database: DatabaseConfig{
			DSN:             stringWithDefault(lookup, "ORDER_API_DB_DSN", ""),
			MaxOpenConns:    intWithDefault(lookup, "ORDER_API_DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "ORDER_API_DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "ORDER_API_DB_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
		},
		Auth: AuthConfig{
			JWKSURL:          stringWithDefault(lookup, "ORDER_API_AUTH_JWKS_URL", ""),
			Issuer:           stringWithDefault(lookup, "ORDER_API_AUTH_ISSUER", ""),
			Audience:         stringWithDefault(lookup, "ORDER_API_AUTH_AUDIENCE", ""),
			WebhookSecret:    stringWithDefault(lookup, "ORDER_API_AUTH_WEBHOOK_SECRET", ""),
			InternalAudience: stringWithDefault(lookup, "ORDER_API_AUTH_INTERNAL_AUDIENCE", ""),
			InternalIssuers:  stringListWithDefault(lookup, "ORDER_API_AUTH_INTERNAL_ISSUERS", nil),
		},
		Payments: PaymentsConfig{
			Provider:       strings.ToLower(stringWithDefault(lookup, "ORDER_API_PAYMENTS_PROVIDER", "gateway")),
			GatewayBaseURL: stringWithDefault(lookup, "ORDER_API_PAYMENTS_GATEWAY_URL", ""),
			GatewayAPIKey:  stringWithDefault(lookup, "ORDER_API_PAYMENTS_GATEWAY_API_KEY", ""),
			GatewayTimeout: durationWithDefault(lookup, "ORDER_API_PAYMENTS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			StripeAPIKey:   stringWithDefault(lookup, "ORDER_API_PAYMENTS_STRIPE_API_KEY", ""),
		},
		Credit: CreditConfig{
			BaseURL: stringWithDefault(lookup, "ORDER_API_CREDIT_URL", ""),
			APIKey:  stringWithDefault(lookup, "ORDER_API_CREDIT_API_KEY", ""),
			Timeout: durationWithDefault(lookup, "ORDER_API_CREDIT_TIMEOUT", defaultGatewayTimeout),
		},
		Notifications: NotificationsConfig{
			BaseURL:       stringWithDefault(lookup, "ORDER_API_NOTIFICATIONS_URL", ""),
			APIKey:        stringWithDefault(lookup, "ORDER_API_NOTIFICATIONS_API_KEY", ""),
			Timeout:       durationWithDefault(lookup, "ORDER_API_NOTIFICATIONS_TIMEOUT", defaultGatewayTimeout),
			PubSubProject: stringWithDefault(lookup, "ORDER_API_NOTIFICATIONS_PUBSUB_PROJECT", ""),
			PubSubTopic:   stringWithDefault(lookup, "ORDER_API_NOTIFICATIONS_PUBSUB_TOPIC", ""),
		},
		Catalog: CatalogConfig{
			BaseURL: stringWithDefault(lookup, "ORDER_API_CATALOG_URL", ""),
			Timeout: durationWithDefault(lookup, "ORDER_API_CATALOG_TIMEOUT", defaultGatewayTimeout),
		},
		Documents: DocumentsConfig{
			Bucket:        stringWithDefault(lookup, "ORDER_API_DOCUMENTS_BUCKET", ""),
			SignerKeyFile: stringWithDefault(lookup, "ORDER_API_DOCUMENTS_SIGNER_KEY_FILE", ""),
			URLTTL:        durationWithDefault(lookup, "ORDER_API_DOCUMENTS_URL_TTL", defaultDocumentURLTTL),
		},
		Secrets: SecretsConfig{
			Project:      stringWithDefault(lookup, "ORDER_API_SECRETS_PROJECT", ""),
			Environment:  stringWithDefault(lookup, "ORDER_API_SECRETS_ENVIRONMENT", ""),
			FallbackFile: stringWithDefault(lookup, "ORDER_API_SECRETS_FALLBACK_FILE", ""),
		},
		Workers: WorkersConfig{
			Enabled:             boolWithDefault(lookup, "ORDER_API_WORKERS_ENABLED", true),
			BatchSize:           intWithDefault(lookup, "ORDER_API_WORKERS_BATCH_SIZE", defaultWorkerBatchSize),
			DefaultPollInterval: durationWithDefault(lookup, "ORDER_API_WORKERS_POLL_INTERVAL", defaultWorkerPollInterval),
			PollIntervals:       durationMapWithDefault(lookup, "ORDER_API_WORKERS_POLL_INTERVALS"),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "ORDER_API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "ORDER_API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "ORDER_API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "ORDER_API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		LogLevel: strings.ToLower(stringWithDefault(lookup, "ORDER_API_LOG_LEVEL", defaultLogLevel)),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		missing = append(missing, "Database.DSN")
	}
	if cfg.Database.MaxOpenConns <= 0 {
		missing = append(missing, "Database.MaxOpenConns")
	}
	switch cfg.Payments.Provider {
	case "gateway", "stripe":
	default:
		missing = append(missing, "Payments.Provider")
	}
	if cfg.Workers.BatchSize <= 0 {
		missing = append(missing, "Workers.BatchSize")
	}
	if cfg.Workers.DefaultPollInterval < 0 {
		missing = append(missing, "Workers.DefaultPollInterval")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func stringListWithDefault(lookup func(string) (string, bool), key string, fallback []string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// durationMapWithDefault parses "KEY=duration,KEY=duration" pairs, e.g.
// "SETTLE_PAYMENT=10s,PAYMENT_ORDER_CAPTURE=2s".
func durationMapWithDefault(lookup func(string) (string, bool), key string) map[string]time.Duration {
	values := make(map[string]time.Duration)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(parts[0]))
		d, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if name == "" || err != nil {
			continue
		}
		values[name] = d
	}
	return values
}

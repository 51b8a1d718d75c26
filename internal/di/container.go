// Package di assembles the runtime object graph: external clients built from
// configuration, then services wired in dependency order. Handlers and the
// worker runner consume the container; nothing below the service layer is
// reachable from outside it.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/catalog"
	"github.com/minutemart/order-api/internal/credit"
	"github.com/minutemart/order-api/internal/notifications"
	"github.com/minutemart/order-api/internal/payments"
	"github.com/minutemart/order-api/internal/platform/config"
	"github.com/minutemart/order-api/internal/platform/storage"
	"github.com/minutemart/order-api/internal/repositories"
	"github.com/minutemart/order-api/internal/services"
)

// Services bundles the service-layer contracts that handlers and workers rely
// upon.
type Services struct {
	Orders        services.OrderService
	Sessions      services.SessionService
	Payments      services.PaymentService
	Settlement    services.SettlementService
	Notifications services.NotificationService
	Documents     services.DocumentService
	System        services.SystemService
}

// Clients holds the outbound integrations built from configuration.
type Clients struct {
	Credit        credit.Ledger
	Notifications notifications.Sender
	Catalog       catalog.Reader
	Provider      payments.Provider
}

// Container wires repositories, clients, and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Clients      Clients
	Services     Services

	pubsubClient *pubsub.Client
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, logger *zap.Logger, build services.BuildInfo) (*Container, error) {
	if reg == nil {
		return nil, errors.New("di: repositories registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	container := &Container{
		Config:       cfg,
		Repositories: reg,
	}

	clients, err := container.buildClients(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	container.Clients = clients

	svc, err := buildServices(cfg, reg, clients, logger, build)
	if err != nil {
		return nil, err
	}
	container.Services = svc

	return container, nil
}

// Close releases the repository connection pool and the broker connection.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) buildClients(ctx context.Context, cfg config.Config, logger *zap.Logger) (Clients, error) {
	var clients Clients

	if cfg.Credit.BaseURL != "" {
		creditClient, err := credit.NewClient(credit.ClientConfig{
			BaseURL: cfg.Credit.BaseURL,
			APIKey:  cfg.Credit.APIKey,
			Timeout: cfg.Credit.Timeout,
			Logger:  logger.Named("credit"),
		})
		if err != nil {
			return Clients{}, fmt.Errorf("build credit client: %w", err)
		}
		clients.Credit = creditClient
	}

	switch {
	case cfg.Notifications.PubSubTopic != "":
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Notifications.PubSubProject)
		if err != nil {
			return Clients{}, fmt.Errorf("build pubsub client: %w", err)
		}
		c.pubsubClient = pubsubClient
		sender, err := notifications.NewPubSubSender(pubsubClient.Topic(cfg.Notifications.PubSubTopic))
		if err != nil {
			return Clients{}, fmt.Errorf("build pubsub sender: %w", err)
		}
		clients.Notifications = sender
	case cfg.Notifications.BaseURL != "":
		notificationClient, err := notifications.NewClient(notifications.ClientConfig{
			BaseURL: cfg.Notifications.BaseURL,
			APIKey:  cfg.Notifications.APIKey,
			Timeout: cfg.Notifications.Timeout,
			Logger:  logger.Named("notifications"),
		})
		if err != nil {
			return Clients{}, fmt.Errorf("build notification client: %w", err)
		}
		clients.Notifications = notificationClient
	}

	if cfg.Catalog.BaseURL != "" {
		catalogClient, err := catalog.NewClient(catalog.ClientConfig{
			BaseURL: cfg.Catalog.BaseURL,
			Timeout: cfg.Catalog.Timeout,
		})
		if err != nil {
			return Clients{}, fmt.Errorf("build catalog client: %w", err)
		}
		clients.Catalog = catalogClient
	}

	provider, err := buildProvider(cfg.Payments, logger)
	if err != nil {
		return Clients{}, err
	}
	clients.Provider = provider

	return clients, nil
}

func buildProvider(cfg config.PaymentsConfig, logger *zap.Logger) (payments.Provider, error) {
	switch cfg.Provider {
	case "gateway":
		provider, err := payments.NewGatewayClient(payments.GatewayClientConfig{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
			Timeout: cfg.GatewayTimeout,
			Logger:  logger.Named("gateway"),
		})
		if err != nil {
			return nil, fmt.Errorf("build gateway provider: %w", err)
		}
		return provider, nil
	case "stripe":
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.StripeAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("%w: %q", payments.ErrUnsupportedProvider, cfg.Provider)
	}
}

func buildServices(cfg config.Config, reg repositories.Registry, clients Clients, logger *zap.Logger, build services.BuildInfo) (Services, error) {
	var svc Services

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Sessions:   reg.Sessions(),
		Events:     reg.Events(),
		History:    reg.History(),
		Shipments:  reg.Shipments(),
		Credit:     clients.Credit,
		UnitOfWork: reg,
		Logger:     logger.Named("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	sessionSvc, err := services.NewSessionService(services.SessionServiceDeps{
		Sessions:   reg.Sessions(),
		Orders:     reg.Orders(),
		Catalog:    clients.Catalog,
		UnitOfWork: reg,
		Logger:     logger.Named("sessions"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build session service: %w", err)
	}
	svc.Sessions = sessionSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:          reg.Orders(),
		Events:          reg.Events(),
		DefaultPayments: reg.DefaultPayments(),
		OrderService:    orderSvc,
		Sessions:        sessionSvc,
		Provider:        clients.Provider,
		Credit:          clients.Credit,
		UnitOfWork:      reg,
		Logger:          logger.Named("payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	settlementSvc, err := services.NewSettlementService(services.SettlementServiceDeps{
		Orders:       reg.Orders(),
		OrderService: orderSvc,
		Refresher:    paymentSvc,
		Provider:     clients.Provider,
		Credit:       clients.Credit,
		UnitOfWork:   reg,
		Logger:       logger.Named("settlement"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement service: %w", err)
	}
	svc.Settlement = settlementSvc

	if clients.Notifications != nil {
		notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
			Events: reg.Events(),
			Sender: clients.Notifications,
			Logger: logger.Named("notifications"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build notification service: %w", err)
		}
		svc.Notifications = notificationSvc
	}

	if cfg.Documents.Bucket != "" && cfg.Documents.SignerKeyFile != "" {
		signer, err := storage.NewServiceAccountSignerFromFile(cfg.Documents.SignerKeyFile)
		if err != nil {
			return Services{}, fmt.Errorf("build document signer: %w", err)
		}
		signingClient, err := storage.NewClient(signer)
		if err != nil {
			return Services{}, fmt.Errorf("build document signing client: %w", err)
		}
		documentSvc, err := services.NewDocumentService(services.DocumentServiceDeps{
			Orders: reg.Orders(),
			Signer: signingClient,
			Bucket: cfg.Documents.Bucket,
			URLTTL: cfg.Documents.URLTTL,
			Logger: logger.Named("documents"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build document service: %w", err)
		}
		svc.Documents = documentSvc
	}

	if build.StartedAt.IsZero() {
		build.StartedAt = time.Now().UTC()
	}
	healthRepo, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "database", Check: reg.Health().CheckReadiness},
	})
	if err != nil {
		return Services{}, fmt.Errorf("build health checks: %w", err)
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		Health: healthRepo,
		Build:  build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

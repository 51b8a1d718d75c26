package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/platform/storage"
	"github.com/minutemart/order-api/internal/repositories"
)

// ErrInvoiceNotReady is returned when the order has no invoice number yet.
var ErrInvoiceNotReady = errors.New("document: invoice not generated yet")

const (
	defaultDocumentLinkTTL = 15 * time.Minute
	invoiceContentType     = "application/pdf"
	maxInvoiceUploadBytes  = 10 << 20
)

// DocumentServiceDeps carries the dependencies for NewDocumentService.
type DocumentServiceDeps struct {
	Orders repositories.OrderRepository
	Signer *storage.Client
	Bucket string
	URLTTL time.Duration
	Logger *zap.Logger
}

type documentService struct {
	orders repositories.OrderRepository
	signer *storage.Client
	bucket string
	urlTTL time.Duration
	logger *zap.Logger
}

// NewDocumentService issues signed download links for generated order
// documents. The invoice PDF itself is written by the invoicing pipeline;
// this service only locates and signs it.
func NewDocumentService(deps DocumentServiceDeps) (DocumentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("document service: orders repository is required")
	}
	if deps.Signer == nil {
		return nil, errors.New("document service: storage signer is required")
	}
	if deps.Bucket == "" {
		return nil, errors.New("document service: bucket is required")
	}

	ttl := deps.URLTTL
	if ttl <= 0 {
		ttl = defaultDocumentLinkTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &documentService{
		orders: deps.Orders,
		signer: deps.Signer,
		bucket: deps.Bucket,
		urlTTL: ttl,
		logger: logger,
	}, nil
}

func (s *documentService) InvoiceDownloadURL(ctx context.Context, orderNr string, identity *auth.Identity) (DocumentLink, error) {
	order, err := s.orders.GetByOrderNr(ctx, orderNr, false)
	if err != nil {
		return DocumentLink{}, mapOrderRepositoryError(err)
	}
	if order.InvoiceNr == "" {
		return DocumentLink{}, ErrInvoiceNotReady
	}

	object, err := storage.BuildObjectPath(storage.PurposeInvoice, storage.PathParams{
		OrderNr:   order.OrderNr,
		InvoiceNr: order.InvoiceNr,
	})
	if err != nil {
		return DocumentLink{}, err
	}

	result, err := s.signer.SignedURL(ctx, s.bucket, object, storage.SignedURLOptions{
		Download: &storage.DownloadOptions{
			OwnerID:      order.CustomerCode,
			Identity:     identity,
			ExpiresIn:    s.urlTTL,
			Disposition:  fmt.Sprintf("attachment; filename=%q", order.InvoiceNr+".pdf"),
			ResponseType: invoiceContentType,
		},
	})
	if err != nil {
		return DocumentLink{}, err
	}

	s.logger.Debug("signed invoice download link",
		zap.String("order_nr", order.OrderNr),
		zap.Time("expires_at", result.ExpiresAt),
	)

	return DocumentLink{URL: result.URL, Method: result.Method, ExpiresAt: result.ExpiresAt}, nil
}

func (s *documentService) InvoiceUploadURL(ctx context.Context, orderNr string) (DocumentLink, error) {
	order, err := s.orders.GetByOrderNr(ctx, orderNr, false)
	if err != nil {
		return DocumentLink{}, mapOrderRepositoryError(err)
	}
	if order.InvoiceNr == "" {
		return DocumentLink{}, ErrInvoiceNotReady
	}

	object, err := storage.BuildObjectPath(storage.PurposeInvoice, storage.PathParams{
		OrderNr:   order.OrderNr,
		InvoiceNr: order.InvoiceNr,
	})
	if err != nil {
		return DocumentLink{}, err
	}

	result, err := s.signer.SignedURL(ctx, s.bucket, object, storage.SignedURLOptions{
		Upload: &storage.UploadOptions{
			ContentType:         invoiceContentType,
			AllowedContentTypes: []string{invoiceContentType},
			MaxSize:             maxInvoiceUploadBytes,
			ExpiresIn:           s.urlTTL,
		},
	})
	if err != nil {
		return DocumentLink{}, err
	}

	s.logger.Debug("signed invoice upload link",
		zap.String("order_nr", order.OrderNr),
		zap.Time("expires_at", result.ExpiresAt),
	)

	return DocumentLink{URL: result.URL, Method: result.Method, ExpiresAt: result.ExpiresAt, Headers: result.Headers}, nil
}

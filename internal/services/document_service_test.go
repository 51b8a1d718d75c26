package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/platform/auth"
	"github.com/minutemart/order-api/internal/platform/storage"
)

type testDocumentSigner struct{}

func (testDocumentSigner) Email() string { return "signer@test.iam.gserviceaccount.com" }

func (testDocumentSigner) SignBytes(context.Context, []byte) ([]byte, error) {
	return []byte("signed"), nil
}

func newDocumentServiceForTest(t *testing.T, repo *stubOrderRepo) DocumentService {
	t.Helper()
	signer, err := storage.NewClient(testDocumentSigner{})
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	svc, err := NewDocumentService(DocumentServiceDeps{
		Orders: repo,
		Signer: signer,
		Bucket: "order-documents",
		URLTTL: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewDocumentService: %v", err)
	}
	return svc
}

func TestInvoiceDownloadURLSignsInvoicePath(t *testing.T) {
	repo := newStubOrderRepo(&domain.Order{
		OrderNr:      "MM-77",
		CustomerCode: "cust-1",
		InvoiceNr:    "INV-2025-077",
	})
	svc := newDocumentServiceForTest(t, repo)

	identity := &auth.Identity{CustomerCode: "cust-1", Roles: []string{auth.RoleCustomer}}
	link, err := svc.InvoiceDownloadURL(context.Background(), "MM-77", identity)
	if err != nil {
		t.Fatalf("InvoiceDownloadURL: %v", err)
	}
	if link.Method != "GET" {
		t.Fatalf("expected GET link, got %s", link.Method)
	}
	if !strings.Contains(link.URL, "documents/orders/MM-77/invoices/INV-2025-077.pdf") {
		t.Fatalf("expected invoice object path in URL, got %s", link.URL)
	}
	if link.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be set")
	}
}

func TestInvoiceDownloadURLBeforeInvoiceGenerated(t *testing.T) {
	repo := newStubOrderRepo(&domain.Order{
		OrderNr:      "MM-78",
		CustomerCode: "cust-1",
	})
	svc := newDocumentServiceForTest(t, repo)

	identity := &auth.Identity{CustomerCode: "cust-1"}
	_, err := svc.InvoiceDownloadURL(context.Background(), "MM-78", identity)
	if !errors.Is(err, ErrInvoiceNotReady) {
		t.Fatalf("expected ErrInvoiceNotReady, got %v", err)
	}
}

func TestInvoiceDownloadURLRejectsForeignCustomer(t *testing.T) {
	repo := newStubOrderRepo(&domain.Order{
		OrderNr:      "MM-79",
		CustomerCode: "cust-1",
		InvoiceNr:    "INV-2025-079",
	})
	svc := newDocumentServiceForTest(t, repo)

	identity := &auth.Identity{CustomerCode: "cust-2", Roles: []string{auth.RoleCustomer}}
	_, err := svc.InvoiceDownloadURL(context.Background(), "MM-79", identity)
	if !errors.Is(err, storage.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestInvoiceDownloadURLUnknownOrder(t *testing.T) {
	svc := newDocumentServiceForTest(t, newStubOrderRepo())

	identity := &auth.Identity{CustomerCode: "cust-1"}
	_, err := svc.InvoiceDownloadURL(context.Background(), "MM-404", identity)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestInvoiceUploadURLSignsPutLink(t *testing.T) {
	repo := newStubOrderRepo(&domain.Order{
		OrderNr:      "MM-77",
		CustomerCode: "cust-1",
		InvoiceNr:    "INV-2025-077",
	})
	svc := newDocumentServiceForTest(t, repo)

	link, err := svc.InvoiceUploadURL(context.Background(), "MM-77")
	if err != nil {
		t.Fatalf("InvoiceUploadURL: %v", err)
	}
	if link.Method != "PUT" {
		t.Fatalf("expected PUT link, got %s", link.Method)
	}
	if !strings.Contains(link.URL, "documents/orders/MM-77/invoices/INV-2025-077.pdf") {
		t.Fatalf("expected invoice object path in URL, got %s", link.URL)
	}
	if link.Headers["Content-Type"] != "application/pdf" {
		t.Fatalf("expected pdf content type header, got %v", link.Headers)
	}
	if link.Headers["x-goog-content-length-range"] == "" {
		t.Fatalf("expected size cap header, got %v", link.Headers)
	}
}

func TestInvoiceUploadURLBeforeInvoiceGenerated(t *testing.T) {
	repo := newStubOrderRepo(&domain.Order{OrderNr: "MM-77", CustomerCode: "cust-1"})
	svc := newDocumentServiceForTest(t, repo)

	if _, err := svc.InvoiceUploadURL(context.Background(), "MM-77"); !errors.Is(err, ErrInvoiceNotReady) {
		t.Fatalf("expected ErrInvoiceNotReady, got %v", err)
	}
}

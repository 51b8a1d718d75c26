package storage

import (
	"fmt"
	"strings"
	"sync"
)

// DocumentPurpose captures high-level intent for storage layout decisions.
type DocumentPurpose string

const (
	PurposeInvoice       DocumentPurpose = "invoice"
	PurposeCreditNote    DocumentPurpose = "credit-note"
	PurposeShippingLabel DocumentPurpose = "shipping-label"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	OrderNr   string
	InvoiceNr string
	AwbNr     string
	FileName  string
}

// PathBuilder composes the object path for a given document purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[DocumentPurpose]PathBuilder{
		PurposeInvoice:       buildInvoicePath,
		PurposeCreditNote:    buildCreditNotePath,
		PurposeShippingLabel: buildShippingLabelPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose DocumentPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose DocumentPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported document purpose %q", purpose)
	}
	return builder(params)
}

func buildInvoicePath(params PathParams) (string, error) {
	orderNr, err := validateSegment("orderNr", params.OrderNr)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(params.FileName)
	if name == "" && params.InvoiceNr != "" {
		name = fmt.Sprintf("%s.pdf", strings.TrimSpace(params.InvoiceNr))
	}
	fileName, err := validateFileName(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("documents/orders/%s/invoices/%s", orderNr, fileName), nil
}

func buildCreditNotePath(params PathParams) (string, error) {
	orderNr, err := validateSegment("orderNr", params.OrderNr)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("documents/orders/%s/credit-notes/%s", orderNr, fileName), nil
}

func buildShippingLabelPath(params PathParams) (string, error) {
	awbNr, err := validateSegment("awbNr", params.AwbNr)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(params.FileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("documents/shipments/%s/%s", awbNr, fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}

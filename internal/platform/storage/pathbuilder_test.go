package storage

import "testing"

func TestBuildInvoicePathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeInvoice, PathParams{
		OrderNr:   "MM-1001",
		InvoiceNr: "INV-2025-001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "documents/orders/MM-1001/invoices/INV-2025-001.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildShippingLabelPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeShippingLabel, PathParams{
		AwbNr:    "AWB-555",
		FileName: "label.pdf",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "documents/shipments/AWB-555/label.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeInvoice, PathParams{
		OrderNr:  "../bad",
		FileName: "invoice.pdf",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}

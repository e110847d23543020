package scanning

import "context"

// ReceiptData contains the fields extracted from a receipt. Currency and
// Category are optional and left empty when the model does not report them.
type ReceiptData struct {
	Merchant string `json:"merchant"`
	Amount   string `json:"amount"`
	Currency string `json:"currency,omitempty"`
	Date     string `json:"date"` // YYYY-MM-DD when recognisable
	Category string `json:"category,omitempty"`
}

// Scanner defines the interface for receipt field extraction
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its fields
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}

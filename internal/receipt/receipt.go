package receipt

import "time"

// Status is the externally visible lifecycle stage of an Item
type Status string

const (
	// StatusPending is reserved for a future capture-confirmation step and
	// is never assigned.
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusSubmitted  Status = "submitted"
	StatusError      Status = "error"
)

// Placeholder values shown until extraction completes
const (
	placeholderMerchant = "Identifying..."
	placeholderAmount   = "..."
	placeholderCategory = "Uncategorized"
)

// Failure causes shown on errored items
const (
	causeExtraction = "Failed to process image"
	causeSubmission = "Upload failed"
)

// Item is a snapshot of one captured receipt
type Item struct {
	ID          string    `json:"id"`
	Merchant    string    `json:"merchant"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Date        string    `json:"date"`
	Category    string    `json:"category"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ContentType string    `json:"content_type"`
	HasImage    bool      `json:"has_image"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// fields are the extractable values of an item
type fields struct {
	Merchant string
	Amount   string
	Currency string
	Date     string
	Category string
}

func placeholderFields(now time.Time) fields {
	return fields{
		Merchant: placeholderMerchant,
		Amount:   placeholderAmount,
		Date:     now.Format("2006-01-02"),
		Category: placeholderCategory,
	}
}

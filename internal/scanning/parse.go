package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dateLayouts are tried in order when the model ignores the ISO format
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// rawReceipt mirrors the response schema. Amount is kept raw because
// models return it either as a string or as a number.
type rawReceipt struct {
	Merchant string          `json:"merchant"`
	Amount   json.RawMessage `json:"amount"`
	Currency string          `json:"currency"`
	Date     string          `json:"date"`
	Category string          `json:"category"`
}

// parseReceiptJSON parses the model's JSON answer into ReceiptData
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var raw rawReceipt
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return nil, err
	}

	data := &ReceiptData{
		Merchant: strings.TrimSpace(raw.Merchant),
		Amount:   amount,
		Currency: strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Date:     normalizeDate(raw.Date),
		Category: strings.TrimSpace(raw.Category),
	}

	switch {
	case data.Merchant == "":
		return nil, fmt.Errorf("missing required field: merchant")
	case data.Amount == "":
		return nil, fmt.Errorf("missing required field: amount")
	case data.Date == "":
		return nil, fmt.Errorf("missing required field: date")
	}

	return data, nil
}

// parseAmount returns string amounts verbatim and formats numeric ones
// with two decimal places
func parseAmount(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("unmarshaling amount: %w", err)
		}
		return strings.TrimSpace(s), nil
	}

	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return "", fmt.Errorf("parsing amount %s: %w", raw, err)
	}
	return d.StringFixed(2), nil
}

// normalizeDate converts recognised layouts to YYYY-MM-DD and leaves
// anything else untouched
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return s
}

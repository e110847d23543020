package settings

import "strings"

// Config holds the form submission target and the entry ids the receipt
// fields are mapped onto.
type Config struct {
	FormURL       string `json:"formUrl"`
	AmountEntryID string `json:"amountEntryId"` // Expense amount
	TypeEntryID   string `json:"typeEntryId"`   // Type of expense (merchant)
	MethodEntryID string `json:"methodEntryId"` // Cash or Card
}

// Default returns the built-in configuration used when nothing has been saved yet
func Default() Config {
	return Config{
		FormURL:       "https://docs.google.com/forms/d/e/1FAIpQLScBqSPn8KeJNhhRkTUHMUdv4OrVptYXQMNgQqoAsPN5MUJSKQ/viewform",
		AmountEntryID: "entry.527204928",
		TypeEntryID:   "entry.183344116",
		MethodEntryID: "entry.2064509286",
	}
}

// Normalize trims surrounding whitespace from every field
func (c Config) Normalize() Config {
	return Config{
		FormURL:       strings.TrimSpace(c.FormURL),
		AmountEntryID: strings.TrimSpace(c.AmountEntryID),
		TypeEntryID:   strings.TrimSpace(c.TypeEntryID),
		MethodEntryID: strings.TrimSpace(c.MethodEntryID),
	}
}

// HasTarget reports whether a submission endpoint is configured
func (c Config) HasTarget() bool {
	return strings.TrimSpace(c.FormURL) != ""
}

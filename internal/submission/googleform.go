package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/zombor/paytrack/internal/settings"
)

// ErrNoTarget is returned when the config has no form URL
var ErrNoTarget = errors.New("no form url configured")

var viewFormSuffix = regexp.MustCompile(`/viewform.*$`)

// Entry holds the receipt fields that are forwarded to the form
type Entry struct {
	Amount   string
	Merchant string
	Category string
}

// GoogleForm posts entries to a Google Form's formResponse endpoint
type GoogleForm struct {
	client *http.Client
}

// NewGoogleForm creates a new GoogleForm submitter. A zero timeout keeps
// the default of 30 seconds.
func NewGoogleForm(timeout time.Duration) *GoogleForm {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GoogleForm{
		client: &http.Client{Timeout: timeout},
	}
}

// ResponseURL derives the POST endpoint from a form URL. URLs already
// pointing at formResponse are returned unchanged; a trailing /viewform
// (and anything after it) is replaced with /formResponse.
func ResponseURL(formURL string) string {
	if strings.Contains(formURL, "formResponse") {
		return formURL
	}
	return viewFormSuffix.ReplaceAllString(formURL, "/formResponse")
}

// PaymentMethod maps a category onto the form's Cash/Card choice
func PaymentMethod(category string) string {
	if strings.Contains(strings.ToLower(category), "cash") {
		return "Cash"
	}
	return "Card"
}

// Encode builds the urlencoded form body for entry
func Encode(entry Entry, cfg settings.Config) string {
	values := url.Values{}
	values.Add(cfg.AmountEntryID, entry.Amount)
	values.Add(cfg.TypeEntryID, entry.Merchant)
	values.Add(cfg.MethodEntryID, PaymentMethod(entry.Category))
	return values.Encode()
}

// Submit sends one entry to the configured form. The form endpoint gives
// no usable confirmation, so any completed HTTP exchange counts as success
// and only transport failures are reported.
func (g *GoogleForm) Submit(ctx context.Context, entry Entry, cfg settings.Config) error {
	if !cfg.HasTarget() {
		return ErrNoTarget
	}

	target := ResponseURL(strings.TrimSpace(cfg.FormURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(Encode(entry, cfg)))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting form: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		slog.Warn("Form endpoint returned an error status", "url", target, "status", resp.StatusCode)
	}
	return nil
}

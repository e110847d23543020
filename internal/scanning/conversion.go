package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// sourceFormat is what an uploaded payload turned out to be
type sourceFormat int

const (
	formatPNG sourceFormat = iota
	formatImage
	formatHEIC
	formatPDF
)

// heicBrands are the ftyp brands used by HEIC/HEIF files
var heicBrands = map[string]bool{"heic": true, "heix": true, "heif": true, "mif1": true, "msf1": true}

// detectFormat classifies the payload from its bytes, falling back to the
// declared MIME type
func detectFormat(data []byte, contentType string) sourceFormat {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	if len(data) >= 12 && string(data[4:8]) == "ftyp" && heicBrands[string(data[8:12])] {
		return formatHEIC
	}
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return formatHEIC
	}

	switch http.DetectContentType(data) {
	case "application/pdf":
		return formatPDF
	case "image/png":
		return formatPNG
	}
	if mimeType == "application/pdf" {
		return formatPDF
	}
	return formatImage
}

// toPNG normalizes any supported payload to PNG bytes. PNG input is
// returned as-is; PDFs are rendered from their first page.
func toPNG(data []byte, contentType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	switch detectFormat(data, contentType) {
	case formatPNG:
		return data, nil
	case formatPDF:
		img, err = renderFirstPage(data)
	case formatHEIC:
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			err = fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, HEIC, PDF): %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// renderFirstPage rasterizes page one of a PDF; receipts are single page
func renderFirstPage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

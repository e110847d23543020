package receipt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/paytrack/internal/settings"
)

// maxUploadSize handles high-resolution phone photos
const maxUploadSize = int64(50 << 20)

const tooLargeMessage = "File is too large. Maximum size is 50MB. Please compress or resize your image."

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes an {"error": message} response with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// ledgerError maps ledger errors onto HTTP responses
func ledgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound):
		jsonError(w, "Item not found", http.StatusNotFound)
	case errors.Is(err, ErrNoFormURL):
		jsonError(w, "Please configure your Google Form URL in settings first!", http.StatusPreconditionFailed)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoImage):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrEmptyImage):
		jsonError(w, "No image was provided", http.StatusBadRequest)
	default:
		slog.Error("Ledger operation failed", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleStaticCSS serves the CSS file
func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

// handleStaticJS serves the JavaScript file
func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// handleListItems returns all items, newest first, with the pending count
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   s.ledger.List(),
		"pending": s.ledger.Pending(),
	})
}

// handleCreateItem accepts a multipart "file" upload or a JSON body with a
// base64 data URL in "image"
func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	var (
		data        []byte
		contentType string
		err         error
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		data, contentType, err = readDataURLBody(r)
	default:
		data, contentType, err = readMultipartFile(r)
	}
	if err != nil {
		slog.Error("Error reading upload", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, tooLargeMessage, http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	item, err := s.ledger.Create(data, contentType)
	if err != nil {
		ledgerError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, item)
}

// readMultipartFile reads the "file" field of a multipart form
func readMultipartFile(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, "", fmt.Errorf("parsing form: %w", err)
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", errors.New("no file was selected, please choose a file to upload")
		}
		return nil, "", fmt.Errorf("getting file from form: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	return data, uploadContentType(header), nil
}

// uploadContentType determines the MIME type of an uploaded file
func uploadContentType(header *multipart.FileHeader) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return "application/octet-stream"
}

// readDataURLBody reads {"image": "data:<mime>;base64,<payload>"}
func readDataURLBody(r *http.Request) ([]byte, string, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", fmt.Errorf("decoding body: %w", err)
	}
	return decodeDataURL(req.Image)
}

// decodeDataURL decodes a base64 data URL. A bare base64 payload is
// accepted and assumed to be JPEG, which is what camera captures produce.
func decodeDataURL(s string) ([]byte, string, error) {
	contentType := "image/jpeg"
	payload := strings.TrimSpace(s)

	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, encoded, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("malformed data URL")
		}
		mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, "", errors.New("data URL must be base64 encoded")
		}
		if mediaType != "" {
			contentType = strings.ToLower(mediaType)
		}
		payload = encoded
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decoding base64 image: %w", err)
	}
	return data, contentType, nil
}

// handleGetItem returns a single item
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.ledger.Get(r.PathValue("id"))
	if err != nil {
		ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleGetItemImage returns the captured image of an item
func (s *Server) handleGetItemImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.ledger.Image(r.PathValue("id"))
	if err != nil {
		ledgerError(w, err)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleSyncItem starts submitting an item to the configured form
func (s *Server) handleSyncItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.ledger.BeginSync(r.PathValue("id"))
	if err != nil {
		ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// handleRetryItem re-runs extraction for a failed item
func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.ledger.Retry(r.PathValue("id"))
	if err != nil {
		ledgerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// handleDeleteItem removes an item
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Remove(r.PathValue("id")); err != nil {
		ledgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSettings returns the active form config
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Current())
}

// handleSaveSettings replaces and persists the form config
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var cfg settings.Config
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cfg); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	saved, err := s.settings.Save(cfg)
	if err != nil {
		slog.Error("Error saving settings", "error", err)
		jsonError(w, "Could not save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

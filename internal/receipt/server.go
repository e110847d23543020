package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/paytrack/internal/settings"
)

// SettingsManager reads and replaces the submission config
type SettingsManager interface {
	Current() settings.Config
	Save(cfg settings.Config) (settings.Config, error)
}

// Server handles HTTP requests for the capture UI and its API
type Server struct {
	ledger    *Ledger
	settings  SettingsManager
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(ledger *Ledger, settings SettingsManager, basicAuth BasicAuth) *Server {
	return NewServerWithMux(ledger, settings, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(ledger *Ledger, settings SettingsManager, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		ledger:    ledger,
		settings:  settings,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	return ok && user == s.basicAuth.Username && pass == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="PayTrack"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/app.css", s.requireAuth(s.handleStaticCSS))
	s.mux.HandleFunc("GET /static/app.js", s.requireAuth(s.handleStaticJS))

	s.mux.HandleFunc("GET /api/items/{id}/image", s.requireAuth(s.handleGetItemImage))
	s.mux.HandleFunc("POST /api/items/{id}/sync", s.requireAuth(s.handleSyncItem))
	s.mux.HandleFunc("POST /api/items/{id}/retry", s.requireAuth(s.handleRetryItem))
	s.mux.HandleFunc("GET /api/items/{id}", s.requireAuth(s.handleGetItem))
	s.mux.HandleFunc("DELETE /api/items/{id}", s.requireAuth(s.handleDeleteItem))
	s.mux.HandleFunc("GET /api/items", s.requireAuth(s.handleListItems))
	s.mux.HandleFunc("POST /api/items", s.requireAuth(s.handleCreateItem))

	s.mux.HandleFunc("GET /api/settings", s.requireAuth(s.handleGetSettings))
	s.mux.HandleFunc("PUT /api/settings", s.requireAuth(s.handleSaveSettings))

	// Static HTML interface (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /{$}", s.requireAuth(s.handleIndex))
}

// Start serves HTTP on addr until ctx is cancelled, then shuts down
// gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server shutdown", "error", err)
		}
	}()

	slog.Info("Starting server", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

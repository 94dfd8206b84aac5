// Package web exposes the dashboard over HTTP. Every user action of the receipt
// workflow maps to one JSON request authenticated with a bearer session token.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/zombor/receipt-scanner/internal/acquire"
	"github.com/zombor/receipt-scanner/internal/dashboard"
	"github.com/zombor/receipt-scanner/internal/metrics"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/session"
)

// maxUploadSize bounds upload bodies
const maxUploadSize = int64(50 << 20)

// Images reads stored receipt images
type Images interface {
	Image(ctx context.Context, ownerID, id string) (*receipt.Image, error)
}

// Options holds the optional parts of a Server
type Options struct {
	// Camera is used for captures that do not carry their own frame
	Camera acquire.Camera
	// Gatherer backs /metrics; the route is left out when nil
	Gatherer prometheus.Gatherer
	// ScanRate and ScanBurst limit scans per user; zero disables the limit
	ScanRate  rate.Limit
	ScanBurst int
}

// Server handles HTTP requests for the dashboard
type Server struct {
	sessions *session.Manager
	registry *dashboard.Registry
	images   Images
	camera   acquire.Camera
	gatherer prometheus.Gatherer
	limiter  *scanLimiter
	validate *validator.Validate
	mux      *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(sessions *session.Manager, registry *dashboard.Registry, images Images, opts Options) *Server {
	return NewServerWithMux(sessions, registry, images, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(sessions *session.Manager, registry *dashboard.Registry, images Images, opts Options, mux *http.ServeMux) *Server {
	s := &Server{
		sessions: sessions,
		registry: registry,
		images:   images,
		camera:   opts.Camera,
		gatherer: opts.Gatherer,
		validate: validator.New(),
		mux:      mux,
	}
	if opts.ScanRate > 0 {
		s.limiter = newScanLimiter(opts.ScanRate, opts.ScanBurst, 5*time.Minute)
	}
	s.registerRoutes()
	return s
}

// caller is the authenticated side of a request
type caller struct {
	token   string
	session *session.Session
	dash    *dashboard.Controller
}

type authedHandler func(w http.ResponseWriter, r *http.Request, c caller)

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// requireAuth resolves the bearer token to a session and its dashboard
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		sess, err := s.sessions.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Receipt Scanner"`)
			writeError(w, err)
			return
		}
		dash, err := s.registry.For(sess)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, caller{token: token, session: sess, dash: dash})
	}
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	// Identity
	s.mux.HandleFunc("POST /api/session", s.handleSignIn)
	s.mux.HandleFunc("GET /api/session", s.requireAuth(s.handleCurrentUser))
	s.mux.HandleFunc("DELETE /api/session", s.requireAuth(s.handleSignOut))

	// Dashboard and receipts
	s.mux.HandleFunc("GET /api/dashboard", s.requireAuth(s.handleDashboard))
	s.mux.HandleFunc("GET /api/receipts/{id}/image", s.requireAuth(s.handleReceiptImage))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))

	// Scanning
	s.mux.HandleFunc("POST /api/scan/upload", s.requireAuth(s.limitScans(s.handleUpload)))
	s.mux.HandleFunc("POST /api/scan/capture", s.requireAuth(s.limitScans(s.handleCapture)))
	s.mux.HandleFunc("DELETE /api/scan", s.requireAuth(s.handleAbandonScan))

	// Draft confirmation
	s.mux.HandleFunc("POST /api/draft/confirm", s.requireAuth(s.handleConfirmDraft))
	s.mux.HandleFunc("GET /api/draft", s.requireAuth(s.handleGetDraft))
	s.mux.HandleFunc("PATCH /api/draft", s.requireAuth(s.handleEditDraft))
	s.mux.HandleFunc("DELETE /api/draft", s.requireAuth(s.handleCancelDraft))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

// Close stops background work of the server
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

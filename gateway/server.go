// Package gateway serves the keymeter HTTP API.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ineyio/keymeter"
	"github.com/ineyio/keymeter/qrcode"
)

// QRGenerator renders text as an image.
type QRGenerator interface {
	Generate(ctx context.Context, text string) (qrcode.Image, error)
}

// Server is the HTTP front end over a quota engine.
type Server struct {
	engine      *keymeter.Engine
	qr          QRGenerator
	logger      *slog.Logger
	trustProxy  bool
	origins     []string
	metricsPath string
	gatherer    prometheus.Gatherer

	handler http.Handler
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the logger used for access logs and handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTrustProxy makes the first X-Forwarded-For entry the client id.
func WithTrustProxy(trust bool) Option {
	return func(s *Server) { s.trustProxy = trust }
}

// WithCORS sets the allowed origins. "*" allows any origin.
func WithCORS(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithMetrics exposes g on path in the Prometheus text format.
func WithMetrics(path string, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.gatherer = g
	}
}

// New creates a server. qr may be nil, in which case the QR route answers 500.
func New(engine *keymeter.Engine, qr QRGenerator, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		qr:     qr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("gateway shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)

	r.HandleFunc("/api/checker", s.handleChecker).Methods(http.MethodGet)
	r.HandleFunc("/api/use", s.handleUse).Methods(http.MethodGet)
	r.HandleFunc("/api/tools/qrcode", s.handleQRCode).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil && s.metricsPath != "" {
		r.Handle(s.metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, resultBody{Status: false, Result: "Not found."})
	})

	if len(s.origins) == 0 {
		return r
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Usage-ID", "Retry-After"},
	})
	return c.Handler(r)
}

// clientID identifies the caller by network address. Behind a trusted proxy
// the first X-Forwarded-For entry is the calling client.
func (s *Server) clientID(r *http.Request) string {
	if s.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

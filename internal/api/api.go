// Package api exposes the HTTP surface of wasender: health, status and QR
// inspection plus the bulk-send endpoint. Handlers are thin; they validate
// request shape, check session readiness and delegate to the dispatch core.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/notifica/wasender/internal/models"
	"github.com/notifica/wasender/internal/retry"
	"github.com/notifica/wasender/internal/session"
)

// DefaultShutdownTimeout bounds the graceful drain of in-flight requests.
const DefaultShutdownTimeout = 5 * time.Second

// SessionView is the read-only view of the session the API observes. The
// lifecycle manager remains the only writer.
type SessionView interface {
	Ready() bool
	State() session.State
	LastQR() (code string, at time.Time, ok bool)
	Uptime() time.Duration
}

// Dispatcher processes a send request and returns one result per recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.SendRequest, media *models.MediaPayload) []models.DispatchResult
}

// MediaResolver turns an image URL into a payload.
type MediaResolver interface {
	Resolve(ctx context.Context, url string) (*models.MediaPayload, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	Host string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address (host:port).
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithHost sets the hostname reported by GET /status.
func WithHost(host string) Option {
	return func(o *Opts) {
		o.Host = host
	}
}

// Server wires the HTTP endpoints to the dispatch core.
type Server struct {
	addr       string
	host       string
	sess       SessionView
	dispatcher Dispatcher
	resolver   MediaResolver
	retryMedia retry.Policy
}

// NewServer creates the API server around the given collaborators.
func NewServer(sess SessionView, dispatcher Dispatcher, resolver MediaResolver, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &Server{
		addr:       cfg.Addr,
		host:       cfg.Host,
		sess:       sess,
		dispatcher: dispatcher,
		resolver:   resolver,
		retryMedia: retry.DefaultPolicy(),
	}
}

// Handler builds the route mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/qr", s.qrHandler)
	mux.HandleFunc("/send-whatsapp", s.sendHandler)
	return mux
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("api: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Package httpserver exposes the JWKS and token endpoints over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"jwks-srv/internal/jwt"
	"jwks-srv/internal/keys"
	"jwks-srv/internal/logger"
	"jwks-srv/internal/metrics"
	"jwks-srv/internal/ratelimit"
)

const limiterWarnInterval = 30 * time.Second

// KeySet publishes the current public keys and mints new ones on demand.
type KeySet interface {
	JWKS(ctx context.Context) (keys.JWKS, error)
	GenerateKey(ctx context.Context) (*keys.Key, error)
}

// TokenIssuer signs tokens on request.
type TokenIssuer interface {
	Issue(ctx context.Context, wantExpired bool) (*jwt.Issued, error)
}

// AuthLogger records token issuance; optional.
type AuthLogger interface {
	LogAuthRequest(ctx context.Context, ip string, kid int64) error
}

type Deps struct {
	Keys    KeySet
	Issuer  TokenIssuer
	Limiter ratelimit.Limiter // nil disables rate limiting
	AuthLog AuthLogger
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// SRV wrapper
type Server struct {
	httpServer *http.Server
	config     *Config
	deps       Deps
	log        *zap.Logger
	router     chi.Router

	// one warning per interval while the limiter backend is down
	limiterWarn rate.Sometimes
}

// srv creation
func NewSrv(deps Deps, config *Config) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		deps:   deps,
		log:    deps.Logger.With(logger.Component("http")),

		limiterWarn: rate.Sometimes{First: 1, Interval: limiterWarnInterval},
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(s.recoverer)
	r.Use(securityHeaders)
	r.Use(cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/jwks", s.handleJWKS)
	r.With(s.rateLimit).Post("/auth", s.handleAuth)
	r.Post("/generate-key", s.handleGenerateKey)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	return r
}

// Handler returns the routed handler (httptest servers use it directly).
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package api is proctord's HTTP surface: host operations on live sessions,
// violation queries, the log-violation ingest endpoint, health, metrics and
// the page WebSocket.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/session"
	"proctord/internal/store"
)

// Options wires the server to the rest of the daemon. Store, Health,
// Metrics and Gateway may be nil; their routes then answer 503.
type Options struct {
	Address    string
	AdminToken string

	Manager *session.Manager
	Store   *store.Store
	Health  *health.Checker
	Metrics *metrics.Registry
	Gateway http.Handler
	Logger  *logging.Logger

	DisableRequestLogs bool
}

// Server is the echo application.
type Server struct {
	opts *Options
	app  *echo.Echo
}

// NewServer builds the routes.
func NewServer(opts *Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	s := &Server{opts: opts, app: echo.New()}
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Validator = &requestValidator{v: validator.New()}
	s.app.HTTPErrorHandler = s.errorHandler

	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Recover())
	if !s.opts.DisableRequestLogs {
		s.app.Use(s.requestLogger)
	}

	s.app.GET("/healthz", s.healthz)
	s.app.GET("/livez", s.livez)
	s.app.GET("/readyz", s.readyz)
	s.app.GET("/metrics", s.metrics)
	s.app.GET("/ws", s.ws)

	g := s.app.Group("/api")
	if s.opts.AdminToken != "" {
		g.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.AdminToken)) == 1, nil
			},
		}))
	}
	registerSessionAPI(g, s.opts.Manager)
	registerViolationAPI(g, s.opts.Store, s.opts.Manager)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

// Start listens on the configured address until Stop. It returns nil after
// a graceful stop.
func (s *Server) Start() error {
	s.opts.Logger.Info("api listening", "address", s.opts.Address)
	if err := s.app.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.ContextWithRequestID(req.Context(), id)))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.opts.Logger.WithRequestID(id).Debug("request",
			"method", req.Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"latency", time.Since(start),
			"remote", c.RealIP(),
		)
		return nil
	}
}

type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i any) error {
	return rv.v.Struct(i)
}

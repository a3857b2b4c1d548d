package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Options configure the admin HTTP surface.
type Options struct {
	Host            string
	Port            int
	AuthToken       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server wraps the Echo instance hosting the read-only status endpoints and
// the token-gated admin boundary.
type Server struct {
	echo   *echo.Echo
	opts   Options
	logger zerolog.Logger
}

// New constructs the server and registers all routes.
func New(opts Options, handlers *Handlers, logger zerolog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout

	s := &Server{
		echo:   e,
		opts:   opts,
		logger: logger.With().Str("component", "server").Logger(),
	}

	e.GET("/health", handlers.Health)
	e.GET("/status", handlers.Status)
	e.GET("/prices", handlers.Prices)
	e.GET("/history", handlers.History)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	admin := e.Group("/admin", s.requireToken)
	admin.POST("/kill-switch", handlers.SetKillSwitch)
	admin.POST("/override", handlers.SetOverride)
	admin.DELETE("/override", handlers.ClearOverride)
	admin.POST("/force-update", handlers.ForceUpdate)

	return s
}

// requireToken guards the admin routes with a static bearer token. An empty
// configured token leaves the boundary open, intended for local development.
func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.AuthToken == "" {
			return next(c)
		}
		if c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+s.opts.AuthToken {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

// Start begins serving in the background. The returned channel delivers the
// terminal listen error, if any.
func (s *Server) Start() <-chan error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

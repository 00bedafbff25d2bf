// Package server exposes mission submission over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docker/execops/pkg/app"
)

type Server struct {
	e        *echo.Echo
	app      *app.App
	webRoot  string
	token    string
	gatherer prometheus.Gatherer
}

type Opt func(*Server)

// WithWebRoot serves the static files under dir at the root path.
func WithWebRoot(dir string) Opt {
	return func(s *Server) {
		s.webRoot = dir
	}
}

// WithToken requires a bearer token on every API call.
func WithToken(token string) Opt {
	return func(s *Server) {
		s.token = token
	}
}

// WithGatherer selects the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Opt {
	return func(s *Server) {
		s.gatherer = g
	}
}

func New(a *app.App, opts ...Opt) *Server {
	s := &Server{
		app:      a,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	api := e.Group("/api", tokenMiddleware(s.token))
	api.GET("/health", s.health)
	api.POST("/missions", s.runMission)
	api.POST("/missions/cancel", s.cancelMission)
	api.GET("/missions", s.listMissions)
	api.GET("/missions/:id", s.getMission)
	api.PUT("/deadline", s.setDeadline)

	e.GET("/ws", s.websocket, tokenMiddleware(s.token))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	if s.webRoot != "" {
		e.Static("/", s.webRoot)
	}

	s.e = e
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

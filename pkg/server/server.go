// Package server exposes the relay over HTTP: the WebSocket upgrade
// endpoint guarded by the admission filter, static device and monitor
// pages, and health and stats endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/teslashibe/framerelay/internal/admission"
	"github.com/teslashibe/framerelay/internal/log"
	"github.com/teslashibe/framerelay/pkg/hub"
	"github.com/teslashibe/framerelay/pkg/session"
)

// ShutdownTimeout bounds a graceful shutdown in Run.
const ShutdownTimeout = 5 * time.Second

const localsPeer = "peer"

// Config configures the HTTP layer.
type Config struct {
	// Reported by /health
	Version string

	// Directory holding device.html, monitor.html and their scripts.
	// Empty disables static files.
	StaticDir string

	// Log every HTTP request
	Debug bool

	// Settings applied to every session
	Session session.Config

	Logger *slog.Logger
}

// Server is the relay's HTTP front end.
type Server struct {
	app    *fiber.App
	hub    *hub.Hub
	filter *admission.Filter
	cfg    Config
	log    *slog.Logger

	// Stats
	activeSessions atomic.Int64
	sessionsTotal  atomic.Uint64
	rejected       atomic.Uint64
}

// New creates the server and registers its routes.
func New(h *hub.Hub, filter *admission.Filter, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.L()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	s := &Server{
		hub:    h,
		filter: filter,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "server"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "framerelay",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Content-Type",
	}))
	if cfg.Debug {
		app.Use(logger.New())
	}

	s.registerRoutes(app)
	s.app = app
	return s
}

func (s *Server) registerRoutes(app *fiber.App) {
	// WebSocket upgrade middleware
	app.Use("/ws", s.admit)
	app.Get("/ws", websocket.New(s.handleSession))

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	api := app.Group("/api")
	api.Get("/stats", s.handleStats)

	if s.cfg.StaticDir != "" {
		app.Get("/device", s.sendPage("device.html"))
		app.Get("/monitor", s.sendPage("monitor.html"))
		app.Static("/", s.cfg.StaticDir)
	}
}

// admit rejects peers outside the allow-list before the upgrade.
func (s *Server) admit(c *fiber.Ctx) error {
	peer := admission.PeerAddr(c.Get(fiber.HeaderXForwardedFor), c.IP())
	if !s.filter.Allow(peer) {
		s.rejected.Add(1)
		s.log.Warn("connection is not allowed", "peer", peer)
		return c.Status(fiber.StatusForbidden).SendString("forbidden")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(localsPeer, peer)
	return c.Next()
}

// handleSession runs one relay session for the lifetime of the connection.
func (s *Server) handleSession(c *websocket.Conn) {
	peer, _ := c.Locals(localsPeer).(string)

	sess := session.New(s.hub, s.cfg.Session)
	s.sessionsTotal.Add(1)
	active := s.activeSessions.Add(1)
	s.log.Info("starting websocket connection", "peer", peer, "session", sess.ID(), "active", active)

	defer func() {
		active := s.activeSessions.Add(-1)
		s.log.Info("websocket connection closed", "peer", peer, "session", sess.ID(), "active", active)
	}()

	sess.Serve(c)
}

func (s *Server) sendPage(name string) fiber.Handler {
	path := filepath.Join(s.cfg.StaticDir, name)
	return func(c *fiber.Ctx) error {
		return c.SendFile(path)
	}
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("starting server", "addr", addr, "websocket", fmt.Sprintf("ws://%s/ws/", addr))
	return s.app.Listen(addr)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("starting server", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.Listen(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	return s.app.ShutdownWithContext(ctx)
}

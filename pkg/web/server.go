// Package web serves a participant's API: status, lifecycle and call
// actions, session chat, the device position feed and a live status
// websocket.
package web

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/internal/metrics"
	"github.com/teslashibe/safewalk/pkg/app"
	"github.com/teslashibe/safewalk/pkg/hub"
)

// Options configures a Server.
type Options struct {
	Addr    string
	Debug   bool
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Server is the participant API.
type Server struct {
	app    *fiber.App
	agent  *app.Agent
	status *hub.Hub
	opts   Options
	logger *slog.Logger
}

// NewServer creates the API for agent. Status snapshots are fanned out
// through status, which Start runs.
func NewServer(agent *app.Agent, status *hub.Hub, opts Options) *Server {
	s := &Server{
		agent:  agent,
		status: status,
		opts:   opts,
		logger: log.Component(opts.Logger, "web"),
	}

	a := fiber.New(fiber.Config{
		AppName:               "safewalk",
		DisableStartupMessage: true,
	})

	a.Use(recover.New())
	a.Use(cors.New())
	if opts.Debug {
		a.Use(logger.New())
	}

	a.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "clients": status.ClientCount()})
	})
	a.Get("/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))

	api := a.Group("/api")
	api.Get("/status", s.handleStatus)

	req := api.Group("/request", s.requireRequester)
	req.Post("/activate", s.handleActivate)
	req.Post("/cancel", s.handleCancel)
	req.Post("/start-session", s.handleStartSession)
	req.Post("/complete", s.handleRequestComplete)
	api.Get("/helpers", s.requireRequester, s.handleHelpers)

	api.Get("/pending", s.requireHelper, s.handlePending)
	api.Post("/pending/:id/accept", s.requireHelper, s.handleAccept)
	api.Post("/pending/:id/decline", s.requireHelper, s.handleDecline)
	help := api.Group("/help", s.requireHelper)
	help.Post("/arrive", s.handleArrive)
	help.Post("/complete", s.handleHelpComplete)

	calls := api.Group("/call")
	calls.Post("/start", s.handleCallStart)
	calls.Post("/end", s.handleCallEnd)
	calls.Post("/mute", s.handleCallMute)

	api.Get("/messages", s.handleMessages)
	api.Post("/messages", s.handleSendMessage)

	api.Post("/location", s.handleSetLocation)
	api.Get("/location/counterpart", s.handleCounterpart)

	a.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	a.Get("/ws/status", websocket.New(status.Serve))

	s.app = a
	return s
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Publish broadcasts a status snapshot to websocket clients. It is the
// agent's OnStatus hook.
func (s *Server) Publish(st app.Status) {
	if err := s.status.BroadcastJSON(st); err != nil {
		s.logger.Warn("status encode failed", "error", err)
	}
}

// Start runs the status hub and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.status.Run(ctx)
	s.logger.Info("participant API listening", "addr", s.opts.Addr)
	return s.app.Listen(s.opts.Addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

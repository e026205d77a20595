// Package api exposes the control plane's cluster state over a read-only
// HTTP API. All mutation flows through the volume store and the reconciler;
// these endpoints only report what the registry currently believes.
package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/blockplane/blockplane/internal/config"
	"github.com/blockplane/blockplane/internal/logging"
	"github.com/blockplane/blockplane/internal/middleware"
	"github.com/blockplane/blockplane/internal/registry"
)

// Server wraps the Fiber app serving the inspection API
type Server struct {
	app    *fiber.App
	logger *logging.Logger
}

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, reg *registry.Registry, volumes VolumeSource, cfg config.Config) *Handler {
	h := NewHandler(logger, reg, volumes)

	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger))

	// Health check (no auth required)
	app.Get("/health", h.Health)

	// API key authentication middleware
	authMiddleware := middleware.APIKeyAuth(logger, cfg.Auth.APIKeys, cfg.Auth.Enabled)

	// API v1 routes (protected by API key)
	v1 := app.Group("/v1", authMiddleware)

	// Node routes
	v1.Get("/nodes", h.ListNodes)
	v1.Get("/nodes/:node", h.GetNode)

	// Pool and replica routes
	v1.Get("/pools", h.ListPools)
	v1.Get("/replicas", h.ListReplicas)
	v1.Get("/replicas/:uuid", h.GetReplica)

	// Nexus routes
	v1.Get("/nexus", h.ListNexus)
	v1.Get("/nexus/:uuid", h.GetNexus)

	// Volume spec routes
	v1.Get("/volumes", h.ListVolumes)
	v1.Get("/volumes/:uuid", h.GetVolume)

	// 404 handler
	app.Use(h.NotFound)

	return h
}

// New creates a new Fiber app with configuration
func New(logger *logging.Logger, reg *registry.Registry, volumes VolumeSource, cfg config.Config) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Blockplane API",
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, reg, volumes, cfg)

	return &Server{app: app, logger: logger}
}

// App returns the underlying Fiber app, used by tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on host:port and blocks until the server stops
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.logger.Info("API server listening", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

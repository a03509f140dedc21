// Package api exposes the scheduling engine over HTTP for companion
// apps: today's dose list, outcome recording, risk and weekly reports,
// medicine management and sync queue introspection.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dosewise/internal/adherence"
	"dosewise/internal/config"
	"dosewise/internal/reminder"
	"dosewise/internal/schedule"
	"dosewise/internal/storage"
	"dosewise/internal/syncq"
)

// Server handles the HTTP API
type Server struct {
	app        *fiber.App
	config     *config.Config
	local      *storage.Local
	resolver   schedule.Resolver
	calc       adherence.Calculator
	reconciler *reminder.Reconciler
	drainer    *syncq.Drainer
	registry   *prometheus.Registry
	logger     *zap.Logger

	// now is swappable so handlers are testable at a fixed instant
	now func() time.Time
}

// New creates a new API server
func New(cfg *config.Config, local *storage.Local, reconciler *reminder.Reconciler, drainer *syncq.Drainer, registry *prometheus.Registry, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	s := &Server{
		app:        app,
		config:     cfg,
		local:      local,
		resolver:   schedule.Resolver{Tolerance: cfg.Tolerance()},
		reconciler: reconciler,
		drainer:    drainer,
		registry:   registry,
		logger:     logger,
		now:        time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger())
	s.app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api/v1")

	api.Post("/patients", s.handleCreatePatient)
	api.Get("/patients/:id", s.handleGetPatient)

	api.Get("/patients/:id/medicines", s.handleListMedicines)
	api.Post("/patients/:id/medicines", s.handleCreateMedicine)
	api.Put("/medicines/:id", s.handleUpdateMedicine)
	api.Delete("/medicines/:id", s.handleDeleteMedicine)

	api.Get("/patients/:id/today", s.handleToday)
	api.Post("/patients/:id/logs", s.handleRecordOutcome)
	api.Get("/patients/:id/risk", s.handleRisk)
	api.Get("/patients/:id/report/weekly", s.handleWeeklyReport)

	api.Get("/sync/status", s.handleSyncStatus)
	api.Post("/sync/drain", s.handleDrain)
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Info("Request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}

// Start starts the server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

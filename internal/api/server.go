package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/auth"
	"github.com/fluxbase-eu/fluxgate/internal/config"
	"github.com/fluxbase-eu/fluxgate/internal/database"
	"github.com/fluxbase-eu/fluxgate/internal/middleware"
	"github.com/fluxbase-eu/fluxgate/internal/observability"
	"github.com/fluxbase-eu/fluxgate/internal/plugin"
	"github.com/fluxbase-eu/fluxgate/internal/pubsub"
	"github.com/fluxbase-eu/fluxgate/internal/ratelimit"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"
)

// Options carries the shared infrastructure the server hands to its plugins.
// Every field is optional.
type Options struct {
	DB      *database.Connection
	PubSub  pubsub.PubSub
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Leader  plugin.LeaderChecker
}

// Server represents the HTTP server
type Server struct {
	app        *fiber.App
	config     *config.Config
	db         *database.Connection
	host       *plugin.Host
	rateLimit  *ratelimit.Plugin
	jwtManager *auth.JWTManager
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	startTime  time.Time
}

// NewServer creates a new HTTP server with its plugins registered
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	app := fiber.New(fiber.Config{
		ServerHeader:          "Fluxgate",
		AppName:               "Fluxgate",
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: !cfg.Debug,
	})

	server := &Server{
		app:        app,
		config:     cfg,
		db:         opts.DB,
		host:       plugin.NewHost(),
		jwtManager: auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		startTime:  time.Now(),
	}

	if cfg.RateLimit.Enabled {
		rl, err := ratelimit.NewPlugin(plugin.Deps{
			Config:  cfg,
			DB:      opts.DB,
			PubSub:  opts.PubSub,
			Metrics: opts.Metrics,
			Leader:  opts.Leader,
		}, middleware.ScopeFromContext)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limit plugin: %w", err)
		}
		if err := server.host.Register(rl); err != nil {
			return nil, err
		}
		server.rateLimit = rl
	}

	server.setupMiddlewares()
	server.setupRoutes()

	return server, nil
}

// setupMiddlewares sets up global middlewares
func (s *Server) setupMiddlewares() {
	// Request ID middleware - must be first so every log line can carry it
	log.Debug().Msg("Adding requestid middleware")
	s.app.Use(requestid.New())

	if s.config.Tracing.Enabled && s.tracer != nil && s.tracer.IsEnabled() {
		log.Debug().Msg("Adding OpenTelemetry tracing middleware")
		tracingCfg := middleware.DefaultTracingConfig()
		tracingCfg.SkipPaths = append(tracingCfg.SkipPaths, s.config.Metrics.Path)
		s.app.Use(middleware.TracingMiddleware(tracingCfg))
	}

	s.app.Use(middleware.StructuredLogger(middleware.StructuredLoggerConfig{
		SkipPaths:            []string{"/health", s.config.Metrics.Path},
		SlowRequestThreshold: time.Second,
	}))

	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: s.config.Debug,
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,PUT,DELETE,OPTIONS",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		ExposeHeaders: strings.Join([]string{middleware.HeaderRateLimitLimit, middleware.HeaderRateLimitRemaining, middleware.HeaderRateLimitReset, fiber.HeaderRetryAfter, "X-Request-ID"}, ", "),
	}))

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.app.Use(s.metrics.MetricsMiddleware())
	}
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	if s.metrics != nil && s.config.Metrics.Enabled {
		promHandler := s.metrics.Handler()
		s.app.Get(s.config.Metrics.Path, func(c *fiber.Ctx) error {
			s.metrics.UpdateUptime(s.startTime)
			return promHandler(c)
		})
	}

	apiGroup := s.app.Group(s.config.Server.APIPrefix, middleware.OptionalAuth(s.jwtManager))

	// Global enforcement covers every API route except the limiter's own
	// endpoints, so inspecting a limit never consumes it
	if s.rateLimit != nil && s.config.RateLimit.EnforceGlobal {
		ownPrefix := s.config.Server.APIPrefix + s.rateLimit.RoutePrefix()
		log.Info().
			Int64("max_requests", s.config.RateLimit.MaxRequests).
			Int64("window_ms", s.config.RateLimit.WindowMs).
			Bool("fail_open", s.config.RateLimit.FailOpen).
			Str("key_by", s.config.RateLimit.KeyBy).
			Msg("Enabling global rate limiter")
		apiGroup.Use(middleware.RateLimit(s.rateLimit.Service(), middleware.RateLimitConfig{
			KeyFunc:  globalKeyFunc(s.config.RateLimit.KeyBy),
			FailOpen: s.config.RateLimit.FailOpen,
			Skip: func(c *fiber.Ctx) bool {
				p := c.Path()
				return p == ownPrefix || strings.HasPrefix(p, ownPrefix+"/")
			},
		}))
	}

	// Registered ahead of the plugin routes so it runs before the handler
	if s.rateLimit != nil && s.config.RateLimit.ProtectConfig {
		apiGroup.Put(s.rateLimit.RoutePrefix()+"/config", middleware.RequireAuth(s.jwtManager))
	}

	s.host.RegisterRoutes(apiGroup)

	apiGroup.Get("/plugins", s.handlePlugins)

	s.app.Use(func(c *fiber.Ctx) error {
		return SendError(c, fiber.StatusNotFound, "Route not found")
	})
}

// globalKeyFunc maps rate_limit.key_by to an enforcement key. nil keeps the
// middleware default, one limit per caller.
func globalKeyFunc(keyBy string) func(c *fiber.Ctx) string {
	switch keyBy {
	case "ip":
		return middleware.KeyByIP("global")
	case "route":
		return middleware.KeyByRoute
	}
	return nil
}

// handleHealth reports the database and every plugin's health
func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	services := fiber.Map{}

	if s.db != nil {
		dbHealthy := true
		if err := s.db.Health(ctx); err != nil {
			dbHealthy = false
			healthy = false
			log.Error().Err(err).Msg("Database health check failed")
		}
		services["database"] = dbHealthy
	}

	plugins := fiber.Map{}
	for name, err := range s.host.Health(ctx) {
		if err != nil {
			healthy = false
			log.Error().Err(err).Str("plugin", name).Msg("Plugin health check failed")
			plugins[name] = err.Error()
			continue
		}
		plugins[name] = "ok"
	}
	services["plugins"] = plugins

	status := "ok"
	httpStatus := fiber.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = fiber.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"services":  services,
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	})
}

// handlePlugins lists registered plugins and their lifecycle state
func (s *Server) handlePlugins(c *fiber.Ctx) error {
	statuses := s.host.Status()
	out := make(map[string]string, len(statuses))
	for name, st := range statuses {
		out[name] = string(st)
	}
	return c.JSON(fiber.Map{"plugins": out})
}

// Start starts the plugins and then the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.host.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")
	return s.app.Listen(s.config.Server.Address)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}

	log.Info().Msg("Stopping plugins")
	if err := s.host.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// Flush remaining spans
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shutdown OpenTelemetry tracer")
		}
	}

	return errors.Join(errs...)
}

// App returns the underlying Fiber app instance for testing
func (s *Server) App() *fiber.App {
	return s.app
}

// Host returns the plugin host
func (s *Server) Host() *plugin.Host {
	return s.host
}

// RateLimit returns the rate limit plugin, or nil when disabled
func (s *Server) RateLimit() *ratelimit.Plugin {
	return s.rateLimit
}

// JWTManager returns the token manager used to authenticate API requests
func (s *Server) JWTManager() *auth.JWTManager {
	return s.jwtManager
}

// customErrorHandler handles errors globally
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	if code >= 500 {
		log.Error().Err(err).Str("path", c.Path()).Msg("Server error")
	}

	return SendError(c, code, message)
}

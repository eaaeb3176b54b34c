package server

import (
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/backendhub/hubd/internal/config"
	"github.com/backendhub/hubd/internal/observability"
	"github.com/backendhub/hubd/internal/server/handlers"
)

// HostRoutes lists the routes the host serves itself, ahead of any module.
func HostRoutes() []string {
	routes := []string{
		"GET /health",
		"GET /health/live",
		"GET /db_health",
		"GET /health/ready",
		"GET /version",
		"GET /metrics",
	}
	if os.Getenv(config.EnvPrefix+"ADMIN_TOKEN") != "" {
		routes = append(routes, "POST /admin/signal")
	}
	return routes
}

// registerRoutes registers the host-owned HTTP routes
func (t *Transport) registerRoutes() {
	// Health checks. /health/live and /health/ready are aliases for orchestrators.
	t.router.Get("/health", t.health.LivenessHandler)
	t.router.Get("/health/live", t.health.LivenessHandler)
	t.router.Get("/db_health", t.health.ReadinessHandler)
	t.router.Get("/health/ready", t.health.ReadinessHandler)

	// Version endpoint
	t.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	t.router.Get("/metrics", MetricsHandler)

	// Admin signal endpoint (optional, requires HUBD_ADMIN_TOKEN)
	t.registerAdminEndpoint()
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (t *Transport) registerAdminEndpoint() {
	tokenVar := config.EnvPrefix + "ADMIN_TOKEN"
	adminToken := os.Getenv(tokenVar)
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + tokenVar + " set)")
		}
		return
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	t.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}

package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/complaint-engine/internal/api/http/handlers"
	"github.com/spec-kit/complaint-engine/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health     *handlers.HealthHandler
	Complaints *handlers.ComplaintsHandler
	Metrics    *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	app.Get("/stats", cfg.Complaints.Stats)

	complaints := app.Group("/complaints")
	complaints.Post("/", cfg.Complaints.Create)
	complaints.Get("/overdue", cfg.Complaints.Overdue)
	complaints.Get("/stuck", cfg.Complaints.Stuck)
	complaints.Get("/:id", cfg.Complaints.Get)
	complaints.Get("/:id/events", cfg.Complaints.Events)
	complaints.Post("/:id/transitions", cfg.Complaints.Transition)
	complaints.Post("/:id/reopen", cfg.Complaints.Reopen)
	complaints.Post("/:id/timeline", cfg.Complaints.AdjustTimeline)
}

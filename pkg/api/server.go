// Package api is the HTTP surface of the runtime: the inbound intake
// endpoints (webhook, chat), the operator control plane (pause/resume,
// emergency stop, per-job directives), outbox reconciliation, routine and
// entity management, and health.
package api

import (
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/control"
	"github.com/crewhq/crewd/pkg/dispatch"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/outbox"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/routines"
	"github.com/crewhq/crewd/pkg/store"
)

// maxListLimit caps every list endpoint's page size.
const maxListLimit = 100

// Deps carries everything the handlers reach. The worker fields feed the
// health endpoint and may be nil in partial deployments and tests.
type Deps struct {
	Store    *store.Store
	Intake   *intake.Service
	Control  *control.Service
	Recovery *control.Recovery
	Registry *plugins.Registry
	Probes   *routines.ProbeRegistry
	Config   *config.Config

	Dispatch  *dispatch.Worker
	Outbox    *outbox.Worker
	Scheduler *routines.Scheduler
	Events    *routines.EventWorker

	// BaseURL is the externally reachable root (APP_BASE_URL), used to
	// derive per-instance webhook URLs. Empty disables URL derivation.
	BaseURL string
	Version string
}

// Server holds the handler dependencies. One instance serves all routes.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Server{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/healthz", s.livenessHandler)

	v1 := r.Group("/api/v1")

	v1.GET("/health", s.healthHandler)

	// Intake.
	v1.POST("/hooks/:instance", s.receiveWebhookHandler)
	v1.POST("/chat", s.chatHandler)

	// Runtime control.
	v1.GET("/control", s.controlStatusHandler)
	v1.POST("/control/pause", s.pauseHandler)
	v1.POST("/control/resume", s.resumeHandler)
	v1.POST("/control/emergency-stop", s.emergencyStopHandler)
	v1.POST("/control/recover", s.recoverHandler)
	v1.PUT("/control/max-concurrent", s.setMaxConcurrentHandler)

	// Per-run operator directives.
	v1.POST("/jobs/:id/pause", s.jobDirectiveHandler(directivePause))
	v1.POST("/jobs/:id/resume", s.jobDirectiveHandler(directiveResume))
	v1.POST("/jobs/:id/cancel", s.jobDirectiveHandler(directiveCancel))

	// Dispatches.
	v1.GET("/dispatches", s.listDispatchesHandler)
	v1.GET("/dispatches/:id", s.getDispatchHandler)
	v1.POST("/dispatches/:id/replay", s.replayDispatchHandler)

	// Effect outbox reconciliation.
	v1.GET("/effects", s.listEffectsHandler)
	v1.GET("/effects/:id", s.getEffectHandler)
	v1.POST("/effects/:id/resolve", s.resolveEffectHandler)

	// Routines.
	v1.GET("/routines", s.listRoutinesHandler)
	v1.POST("/routines", s.createRoutineHandler)
	v1.GET("/routines/:id", s.getRoutineHandler)
	v1.DELETE("/routines/:id", s.deleteRoutineHandler)
	v1.PUT("/routines/:id/enabled", s.setRoutineEnabledHandler)
	v1.GET("/routines/:id/runs", s.listRoutineRunsHandler)

	// Agents.
	v1.GET("/agents", s.listAgentsHandler)
	v1.POST("/agents", s.createAgentHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.PUT("/agents/:id/enabled", s.setAgentEnabledHandler)

	// Plugin instances.
	v1.GET("/instances", s.listInstancesHandler)
	v1.POST("/instances", s.createInstanceHandler)
	v1.GET("/instances/:id", s.getInstanceHandler)
	v1.PUT("/instances/:id/config", s.updateInstanceConfigHandler)
	v1.PUT("/instances/:id/agents", s.updateInstanceAgentsHandler)
	v1.PUT("/instances/:id/enabled", s.setInstanceEnabledHandler)

	// Session inspection.
	v1.GET("/sessions/:key/work-items", s.listSessionWorkItemsHandler)
	v1.GET("/sessions/:key/messages", s.listSessionMessagesHandler)
	v1.GET("/sessions/:key/lanes", s.listSessionLanesHandler)

	// Plugin audit trail.
	v1.GET("/plugin-events", s.listPluginEventsHandler)

	return r
}

// parseLimit reads an integer query parameter and clamps it to maxListLimit.
// Zero means "use the store default".
func parseLimit(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// Package httpapi wires spec.md §6's external interface surface onto a
// chi router, generalized from the teacher's internal/api package. This
// core has no tenant, auth, webhook, or websocket surface, so App is a
// straight trim of the teacher's AppWithAuth down to the four endpoint
// groups spec.md names: events, queue, executions, and context-render.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"

	"github.com/noetl/noetl/internal/catalog"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/events"
	"github.com/noetl/noetl/internal/httpapi/handlers"
	apimiddleware "github.com/noetl/noetl/internal/httpapi/middleware"
	"github.com/noetl/noetl/internal/planner"
	"github.com/noetl/noetl/internal/queuemgr"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/tracing"
)

// App holds the HTTP API's dependencies and router.
type App struct {
	config *config.Config
	logger *slog.Logger
	router *chi.Mux

	healthHandler    *handlers.HealthHandler
	eventHandler     *handlers.EventHandler
	queueHandler     *handlers.QueueHandler
	executionHandler *handlers.ExecutionHandler
	renderHandler    *handlers.RenderHandler
}

// New constructs the App and its router from already-wired components.
// It takes dependencies rather than constructing them, since db
// connection setup, the event store, queue manager, catalog repository,
// and planner are shared with the broker and worker pool at process
// startup (cmd/server wires all of them together).
func New(cfg *config.Config, logger *slog.Logger, db *sqlx.DB, eventStore *events.Store, queueMgr *queuemgr.Manager, catalogRepo *catalog.Repository, pl *planner.Planner) *App {
	a := &App{
		config:           cfg,
		logger:           logger,
		healthHandler:    handlers.NewHealthHandler(db),
		eventHandler:     handlers.NewEventHandler(eventStore, logger),
		queueHandler:     handlers.NewQueueHandler(queueMgr, logger),
		executionHandler: handlers.NewExecutionHandler(catalogRepo, eventStore, pl, logger),
		renderHandler:    handlers.NewRenderHandler(render.New(eventStore), logger),
	}
	a.setupRouter()
	return a
}

// Router returns the configured http.Handler.
func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.HTTPMiddleware())
	r.Use(apimiddleware.StructuredLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.CORS.AllowedOrigins,
		AllowedMethods:   a.config.CORS.AllowedMethods,
		AllowedHeaders:   a.config.CORS.AllowedHeaders,
		ExposedHeaders:   a.config.CORS.ExposedHeaders,
		AllowCredentials: a.config.CORS.AllowCredentials,
		MaxAge:           a.config.CORS.MaxAge,
	}))

	r.Get("/health", a.healthHandler.Health)
	r.Get("/ready", a.healthHandler.Ready)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", a.eventHandler.Append)
		r.Get("/{id}", a.eventHandler.Get)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/enqueue", a.queueHandler.Enqueue)
		r.Post("/lease", a.queueHandler.Lease)
		r.Post("/{id}/heartbeat", a.queueHandler.Heartbeat)
		r.Post("/{id}/complete", a.queueHandler.Complete)
		r.Post("/{id}/fail", a.queueHandler.Fail)
	})

	r.Route("/executions", func(r chi.Router) {
		r.Post("/run", a.executionHandler.Run)
		r.Get("/", a.executionHandler.List)
		r.Get("/{id}", a.executionHandler.Get)
	})
	// Legacy alias (§6.3) kept alongside /executions/run.
	r.Post("/execute", a.executionHandler.Run)

	r.Post("/context/render", a.renderHandler.Render)

	a.router = r
}

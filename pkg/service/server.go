package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/theapemachine/memcube/pkg/audit"
	"github.com/theapemachine/memcube/pkg/auth"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/orchestrator"
	"github.com/theapemachine/memcube/pkg/scheduler"
)

const DefaultAddr = ":8000"

/*
Memory is the set of operations the HTTP surface exposes. The orchestrator
implements it.
*/
type Memory interface {
	Add(ctx context.Context, req orchestrator.AddRequest) (orchestrator.AddResult, error)
	Search(ctx context.Context, req orchestrator.SearchRequest) (orchestrator.SearchResult, error)
	Update(ctx context.Context, req orchestrator.UpdateRequest) (memory.Node, error)
	Delete(ctx context.Context, req orchestrator.DeleteRequest) error
	Get(ctx context.Context, req orchestrator.GetRequest) (memory.Node, error)
	Neighbors(ctx context.Context, req orchestrator.NeighborsRequest) ([]memory.Neighbor, error)
	Path(ctx context.Context, req orchestrator.PathRequest) (memory.Path, error)
	Paths(ctx context.Context, req orchestrator.PathsRequest) ([]memory.Path, error)
}

// Tasks is the asynchronous add queue.
type Tasks interface {
	Submit(ctx context.Context, req orchestrator.AddRequest) (scheduler.Task, error)
	Status(ctx context.Context, taskID, userID string) (scheduler.Task, error)
}

type Config struct {
	Addr string
	// Metrics returns the snapshot served on /metrics.
	Metrics func() map[string]any
	// Ready probes the backends for /ready.
	Ready func(ctx context.Context) error
}

/*
MemoryServer is the product HTTP API. It is safe for concurrent use because
every collaborator is.
*/
type MemoryServer struct {
	app    *fiber.App
	config Config
	memory Memory
	tasks  Tasks
	audit  audit.Log
	auth   *auth.Service
}

func NewMemoryServer(config Config, mem Memory, tasks Tasks, auditLog audit.Log, gate *auth.Service) *MemoryServer {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}

	if gate == nil {
		gate = auth.NewService(auth.Options{})
	}

	srv := &MemoryServer{
		app: fiber.New(fiber.Config{
			AppName:      "memcube",
			ServerHeader: "memcube",
			ErrorHandler: errorHandler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}),
		config: config,
		memory: mem,
		tasks:  tasks,
		audit:  auditLog,
		auth:   gate,
	}

	srv.routes()

	return srv
}

func (srv *MemoryServer) routes() {
	srv.app.Use(
		requestid.New(),
		recoverer.New(),
		logger.New(logger.Config{
			Next: func(c fiber.Ctx) bool {
				return c.Path() == "/health"
			},
		}),
	)

	srv.app.Get("/health", healthcheck.New())
	srv.app.Get("/ready", srv.handleReady)

	srv.app.Use(srv.auth.Middleware(func(c fiber.Ctx) bool {
		return c.Path() == "/health" || c.Path() == "/ready"
	}))

	srv.app.Get("/metrics", srv.handleMetrics)

	product := srv.app.Group("/product")
	product.Post("/add", srv.handleAdd)
	product.Post("/search", srv.handleSearch)
	product.Get("/scheduler/status", srv.handleTaskStatus)
	product.Post("/update_memory", srv.handleUpdate)
	product.Post("/delete_memory", srv.handleDelete)
	product.Post("/get_memory", srv.handleGet)
	product.Post("/graph/neighbors", srv.handleNeighbors)
	product.Post("/graph/path", srv.handlePath)
	product.Post("/graph/paths", srv.handlePaths)
	product.Get("/audit/list", srv.handleAuditList)
}

// App exposes the fiber app, mostly for tests.
func (srv *MemoryServer) App() *fiber.App {
	return srv.app
}

func (srv *MemoryServer) Start() error {
	log.Info("memory server listening", "addr", srv.config.Addr)
	return srv.app.Listen(srv.config.Addr, fiber.ListenConfig{DisableStartupMessage: true})
}

func (srv *MemoryServer) Shutdown(ctx context.Context) error {
	return srv.app.ShutdownWithContext(ctx)
}

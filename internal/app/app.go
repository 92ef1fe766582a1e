package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/api"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/config"
	"github.com/aosanya/HiveCortex/internal/database"
	"github.com/aosanya/HiveCortex/internal/hive"
	"github.com/aosanya/HiveCortex/internal/store"
	"github.com/aosanya/HiveCortex/internal/team"
	"github.com/aosanya/HiveCortex/internal/workflow"

	agentpkg "github.com/aosanya/HiveCortex/internal/agent"
)

// Exit codes for the hosting process
const (
	ExitOK            = 0
	ExitConfigInvalid = 64
	ExitStoreFailure  = 70
	ExitStuckShutdown = 75
)

// shutdownTimeout bounds the drain on exit; exceeding it exits with
// ExitStuckShutdown
const shutdownTimeout = 30 * time.Second

// ErrStoreUnreachable marks a store that could not be reached at startup
var ErrStoreUnreachable = errors.New("state store unreachable")

// App is the process-wide runtime owner: it wires the bus, store, registry,
// coordinator, scheduler, workflow engine, and API server, and tears them
// down in order at shutdown. There are no package-level singletons; every
// component receives its dependencies at construction.
type App struct {
	config *config.Config

	dbClient *database.ArangoClient
	store    *store.Store
	bus      *bus.Bus
	registry *agentpkg.Registry
	coord    *team.Coordinator
	queen    *hive.Queen
	engine   *workflow.Engine
	server   *api.Server
	metrics  *prometheus.Registry

	coordCancel context.CancelFunc
}

// New wires the application from configuration. Returns
// ErrStoreUnreachable when the configured database cannot be reached.
func New(cfg *config.Config) (*App, error) {
	a := &App{config: cfg}

	var storeRepo store.Repository
	var teamRepo team.Repository
	switch cfg.Database.Type {
	case "arangodb":
		dbClient, err := database.NewArangoClient(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
		}
		a.dbClient = dbClient
		storeRepo, err = store.NewArangoRepository(dbClient.Database())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
		}
		teamRepo, err = team.NewArangoRepository(dbClient.Database())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
		}
	default:
		storeRepo = store.NewMemoryRepository()
		teamRepo = team.NewMemoryRepository()
	}

	a.store = store.New(storeRepo, store.Config{
		EventBufferSize: cfg.Store.EventBufferSize,
		FlushInterval:   cfg.Store.FlushInterval,
	})

	a.bus = bus.New(bus.Config{
		SoftLimit: cfg.Bus.SoftLimit,
		HardLimit: cfg.Bus.HardLimit,
	})

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector())
	if err := a.bus.RegisterMetrics(a.metrics); err != nil {
		return nil, fmt.Errorf("failed to register bus metrics: %w", err)
	}

	a.registry = agentpkg.NewRegistry()
	a.coord = team.NewCoordinator(a.bus, a.registry, teamRepo, a.store)
	a.queen = hive.NewQueen(hive.Config{
		HealthTick:         cfg.Hive.HealthTick,
		AnalysisTick:       cfg.Hive.AnalysisTick,
		StallThreshold:     cfg.Hive.StallThreshold,
		HeartbeatInterval:  cfg.Hive.HeartbeatInterval,
		MaxRetries:         cfg.Hive.MaxRetries,
		ConsensusThreshold: cfg.Hive.ConsensusThreshold,
		MaxAgents:          cfg.Hive.MaxAgents,
	}, a.bus, a.registry, a.coord, a.store)
	a.engine = workflow.New(a.store, a.bus, workflow.Config{
		EnableSnapshots:    cfg.Workflow.EnableSnapshots,
		SnapshotInterval:   cfg.Workflow.SnapshotInterval,
		DefaultTaskTimeout: cfg.Workflow.TaskTimeout,
	})

	if cfg.Server.Enabled {
		a.server = api.NewServer(&api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		}, &api.Services{
			Bus:     a.bus,
			Coord:   a.coord,
			Queen:   a.queen,
			Engine:  a.engine,
			Store:   a.store,
			Metrics: a.metrics,
		})
	}

	return a, nil
}

// Registry exposes the agent registry so hosts can attach agent runtimes
func (a *App) Registry() *agentpkg.Registry {
	return a.registry
}

// Bus exposes the message bus
func (a *App) Bus() *bus.Bus {
	return a.bus
}

// Queen exposes the scheduler
func (a *App) Queen() *hive.Queen {
	return a.queen
}

// Coordinator exposes the team coordinator
func (a *App) Coordinator() *team.Coordinator {
	return a.coord
}

// Engine exposes the workflow engine
func (a *App) Engine() *workflow.Engine {
	return a.engine
}

// Run starts every component and blocks until SIGINT/SIGTERM, then drains.
// The returned code follows the hosting-process exit contract.
func (a *App) Run() int {
	ctx, cancel := context.WithCancel(context.Background())
	a.coordCancel = cancel

	if err := a.coord.LoadTeams(ctx); err != nil {
		log.WithError(err).Error("Failed to load teams")
		return ExitStoreFailure
	}
	if err := a.coord.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start coordinator")
		return ExitStoreFailure
	}
	if err := a.queen.Start(); err != nil {
		log.WithError(err).Error("Failed to start scheduler")
		return ExitStoreFailure
	}

	serverErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			serverErr <- a.server.Start()
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("API server failed")
		}
	}

	return a.shutdown()
}

// shutdown drains the runtime: refuse new work, stop the loops, flush the
// event buffer, close the backends
func (a *App) shutdown() int {
	done := make(chan int, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("API server shutdown failed")
			}
		}
		a.queen.Shutdown()
		a.engine.Shutdown(ctx)
		a.coordCancel()
		a.coord.Stop()
		for _, rt := range a.registry.List() {
			rt.Stop()
		}
		a.bus.Close()

		if err := a.store.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Event buffer flush failed during shutdown")
			done <- ExitStoreFailure
			return
		}
		if a.dbClient != nil {
			if err := a.dbClient.Close(); err != nil {
				log.WithError(err).Warn("Database close failed")
			}
		}
		done <- ExitOK
	}()

	select {
	case code := <-done:
		log.Info("Shutdown complete")
		return code
	case <-time.After(shutdownTimeout + 5*time.Second):
		log.Error("Shutdown stuck past deadline")
		return ExitStuckShutdown
	}
}

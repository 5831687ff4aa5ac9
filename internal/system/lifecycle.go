package system

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/FieldSense/internal/api/rest"
	"github.com/KevinKickass/FieldSense/internal/api/websocket"
	"github.com/KevinKickass/FieldSense/internal/auth"
	"github.com/KevinKickass/FieldSense/internal/config"
	"github.com/KevinKickass/FieldSense/internal/hub"
	"github.com/KevinKickass/FieldSense/internal/ingest"
	"github.com/KevinKickass/FieldSense/internal/interfaces"
	"github.com/KevinKickass/FieldSense/internal/query"
	"github.com/KevinKickass/FieldSense/internal/storage"
	"github.com/KevinKickass/FieldSense/internal/streaming"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type LifecycleManager struct {
	config   *config.Config
	storage  storage.Store
	hub      *hub.Hub
	queries  *query.Service
	sessions *websocket.Handler
	events   *streaming.EventService
	jwt      *auth.JWTHandler
	logger   *zap.Logger

	restServer   *rest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// OpenStore connects the Reading Store selected by database.driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case config.DriverPostgres:
		return storage.NewPostgresClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

func NewLifecycleManager(
	store storage.Store,
	cfg *config.Config,
	logger *zap.Logger,
) (*LifecycleManager, error) {
	validator, err := ingest.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}

	eventHub := hub.NewHub(logger, cfg.Sessions.DashboardBuffer)
	pipeline := ingest.NewPipeline(store, eventHub, validator, logger)
	queries := query.NewService(store, logger, cfg.Query.LatestReadingsLimit, cfg.Query.MaxReadingsLimit)
	sessions := websocket.NewHandler(
		store,
		pipeline,
		queries,
		eventHub,
		websocket.NewRegistry(),
		cfg.Sessions,
		logger,
	)

	var jwtHandler *auth.JWTHandler
	if cfg.Auth.Enabled {
		if !cfg.Auth.IsProductionReady() {
			logger.Warn("Admin auth uses a development JWT secret",
				zap.String("env", cfg.Auth.JWTSecretEnv))
		}
		jwtHandler = auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
	}

	return &LifecycleManager{
		config:       cfg,
		storage:      store,
		hub:          eventHub,
		queries:      queries,
		sessions:     sessions,
		events:       streaming.NewEventService(eventHub, logger),
		jwt:          jwtHandler,
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start starts the gRPC event stream and the HTTP server.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting FieldSense",
		zap.String("driver", lm.config.Database.Driver),
		zap.Bool("admin_auth", lm.jwt != nil))

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort))

	return nil
}

// Shutdown gracefully shuts down the system. Only the first call does work.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		shutdownErr = lm.gracefulShutdown(ctx)
		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// New upgrades stop first. Hijacked websocket connections survive this.
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	// Closing the hub ends every dashboard session and gRPC stream.
	lm.hub.Close()

	if err := lm.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown failed: %w", err))
	}

	if lm.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			lm.logger.Warn("Shutdown timeout, forcing gRPC stop")
			lm.grpcServer.Stop()
			errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}

	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcListener = lis

	lm.grpcServer = grpc.NewServer()
	streaming.RegisterEventStreamServer(lm.grpcServer, lm.events)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("service", streaming.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm, lm.logger)
	return lm.restServer.Start()
}

// GRPCAddr is the bound address of the event stream listener, nil before Start.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	if lm.grpcListener == nil {
		return nil
	}
	return lm.grpcListener.Addr()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{
		State:               lm.State().String(),
		LiveDevices:         lm.sessions.LiveDevices(),
		ConnectedDashboards: lm.sessions.ConnectedDashboards(),
		HubSubscribers:      lm.hub.SubscriberCount(),
	}
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Storage() storage.Store {
	return lm.storage
}

func (lm *LifecycleManager) Queries() *query.Service {
	return lm.queries
}

func (lm *LifecycleManager) Sessions() *websocket.Handler {
	return lm.sessions
}

// JWT is nil when admin auth is disabled.
func (lm *LifecycleManager) JWT() *auth.JWTHandler {
	return lm.jwt
}

package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/FieldSense/internal/auth"
	"github.com/KevinKickass/FieldSense/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware(s.lm.Config().CORS.AllowedOrigins))

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", s.readyCheck)

	// Device and dashboard channels
	s.lm.Sessions().RegisterRoutes(s.router)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.getSystemStatus)
		v1.GET("/dashboard", s.getDashboard)

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:uuid", s.getDevice)
			devices.GET("/:uuid/readings", s.getReadings)
		}

		// ==================== ADMIN ====================
		admin := v1.Group("")
		if jwt := s.lm.JWT(); jwt != nil {
			admin.Use(jwt.RequireRole(auth.RoleAdmin))
		}
		{
			admin.POST("/devices", s.createDevice)
			admin.PATCH("/devices/:uuid", s.renameDevice)
			admin.DELETE("/devices/:uuid", s.deleteDevice)
			admin.POST("/system/shutdown", s.shutdown)
		}
	}
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

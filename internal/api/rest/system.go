package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /ready
func (s *Server) readyCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.lm.Storage().Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("STORE_UNAVAILABLE", "Reading store unreachable", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// GET /api/v1/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// GET /api/v1/dashboard
func (s *Server) getDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Queries().FullSnapshot(c.Request.Context()))
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lm.Config().Server.ShutdownTimeout)
		defer cancel()
		s.lm.Shutdown(ctx)
	}()
}

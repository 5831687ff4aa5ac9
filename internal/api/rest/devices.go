package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type deviceResponse struct {
	types.Device
	Connected bool `json:"connected"`
}

func (s *Server) toResponse(d types.Device) deviceResponse {
	return deviceResponse{
		Device:    d,
		Connected: s.lm.Sessions().IsConnected(d.UUID),
	}
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.lm.Storage().ListDevices(c.Request.Context())
	if err != nil {
		s.storeError(c, "DEVICE_500", err)
		return
	}

	response := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		response = append(response, s.toResponse(d))
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// GET /api/v1/devices/:uuid
func (s *Server) getDevice(c *gin.Context) {
	device, err := s.lm.Storage().FindDeviceByUUID(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		s.storeError(c, "DEVICE_500", err)
		return
	}

	c.JSON(http.StatusOK, s.toResponse(*device))
}

// POST /api/v1/devices
func (s *Server) createDevice(c *gin.Context) {
	var req struct {
		UUID string `json:"device_uuid" binding:"required,max=100"`
		Name string `json:"name" binding:"required,max=100"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	device, err := s.lm.Storage().CreateDevice(c.Request.Context(), req.UUID, req.Name)
	if err != nil {
		s.storeError(c, "DEVICE_500", err)
		return
	}

	s.logger.Info("Device registered",
		zap.String("device_uuid", device.UUID),
		zap.String("name", device.Name))

	c.JSON(http.StatusCreated, s.toResponse(*device))
}

// PATCH /api/v1/devices/:uuid
func (s *Server) renameDevice(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required,max=100"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	device, err := s.lm.Storage().RenameDevice(c.Request.Context(), c.Param("uuid"), req.Name)
	if err != nil {
		s.storeError(c, "DEVICE_500", err)
		return
	}

	c.JSON(http.StatusOK, s.toResponse(*device))
}

// DELETE /api/v1/devices/:uuid
func (s *Server) deleteDevice(c *gin.Context) {
	deviceUUID := c.Param("uuid")

	if err := s.lm.Storage().DeleteDevice(c.Request.Context(), deviceUUID); err != nil {
		s.storeError(c, "DEVICE_500", err)
		return
	}

	disconnected := s.lm.Sessions().DisconnectDevice(deviceUUID)
	s.logger.Info("Device deleted",
		zap.String("device_uuid", deviceUUID),
		zap.Bool("session_closed", disconnected))

	c.JSON(http.StatusOK, gin.H{"message": "device deleted"})
}

// GET /api/v1/devices/:uuid/readings?from=&to=&limit=
func (s *Server) getReadings(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("READING_400", "from must be RFC 3339", raw))
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("READING_400", "to must be RFC 3339", raw))
			return
		}
		to = parsed
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("READING_400", "from must be before to", nil))
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("READING_400", "limit must be a positive integer", raw))
			return
		}
		limit = parsed
	}

	deviceUUID := c.Param("uuid")
	readings, err := s.lm.Queries().ReadingsBetween(c.Request.Context(), deviceUUID, from, to, limit)
	if err != nil {
		s.storeError(c, "READING_500", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_uuid": deviceUUID,
		"from":        from,
		"to":          to,
		"readings":    readings,
		"count":       len(readings),
	})
}

// storeError maps store errors onto HTTP statuses.
func (s *Server) storeError(c *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, types.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", nil))
	case errors.Is(err, types.ErrDuplicateDevice):
		c.JSON(http.StatusConflict, types.NewErrorResponse("DEVICE_409", "Device uuid already registered", nil))
	default:
		s.logger.Error("Store request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(code, "Internal error", err.Error()))
	}
}

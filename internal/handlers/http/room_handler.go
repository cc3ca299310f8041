package http

import (
	"net/http"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/services"
	"mediarelay/internal/infrastructure/middleware"
	"mediarelay/internal/infrastructure/monitoring"
	"mediarelay/pkg/errors"
	"mediarelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoomHandler serves the probes, the room inspection route and metrics.
type RoomHandler struct {
	rooms  *services.RoomManager
	health *monitoring.HealthChecker
}

func NewRoomHandler(rooms *services.RoomManager, health *monitoring.HealthChecker) *RoomHandler {
	return &RoomHandler{
		rooms:  rooms,
		health: health,
	}
}

// SetupRoutes registers the routes. A nil gatherer leaves /metrics out.
func (h *RoomHandler) SetupRoutes(router *gin.Engine, metricsPath string, gatherer prometheus.Gatherer) {
	router.GET("/readiness", h.Readiness)
	router.GET("/liveness", h.Liveness)
	router.GET("/health", h.Health)
	router.GET("/roomInfo", h.RoomInfo)
	router.GET("/rooms", h.ListRooms)

	if gatherer != nil {
		router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *RoomHandler) Readiness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": "OK!"})
}

func (h *RoomHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": "OK!"})
}

// Health runs every registered check and answers 503 when one fails.
func (h *RoomHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *RoomHandler) RoomInfo(c *gin.Context) {
	roomID := c.Query("roomId")
	if err := validation.ValidateRoomID(roomID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	room, err := h.rooms.Room(domain.RoomID(roomID))
	if err != nil {
		_ = c.Error(middleware.FromDomain(err).WithContext("room_id", roomID))
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

// ListRooms returns one snapshot per live room.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.Rooms()
	out := make([]domain.RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

package http

import (
	"net/http"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/services"
	"mediarelay/internal/infrastructure/middleware"
	"mediarelay/pkg/errors"
	"mediarelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PipeHandler serves the cross-server relay protocol peers call while
// fanning out producers into this server.
type PipeHandler struct {
	receiver *services.RelayReceiver
	secret   string
	logger   *zap.SugaredLogger
}

func NewPipeHandler(receiver *services.RelayReceiver, sharedSecret string, logger *zap.SugaredLogger) *PipeHandler {
	return &PipeHandler{
		receiver: receiver,
		secret:   sharedSecret,
		logger:   logger,
	}
}

func (h *PipeHandler) SetupRoutes(router *gin.Engine) {
	pipe := router.Group("/pipe", middleware.RelaySecretMiddleware(h.secret))
	{
		pipe.POST("/create", h.CreatePipe)
		pipe.POST("/connect", h.ConnectPipe)
		pipe.POST("/pipe-producer", h.PipeProducer)
		pipe.POST("/close", h.CloseRoom)
	}
}

func (h *PipeHandler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format").WithContext("reason", err.Error()))
		return false
	}
	return true
}

func (h *PipeHandler) fail(c *gin.Context, route string, err error) {
	h.logger.Warnw("relay request failed",
		"route", route,
		"client_ip", c.ClientIP(),
		"error", err,
	)
	_ = c.Error(middleware.FromDomain(err))
}

func (h *PipeHandler) CreatePipe(c *gin.Context) {
	var req domain.CreatePipeRequest
	if !h.bind(c, &req) {
		return
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	resp, err := h.receiver.CreatePipe(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "/pipe/create", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PipeHandler) ConnectPipe(c *gin.Context) {
	var req domain.ConnectPipeRequest
	if !h.bind(c, &req) {
		return
	}
	if err := validation.ValidateNonEmptyString(string(req.TransportID), "transportId"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateNonEmptyString(req.IP, "ip"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePort(req.Port); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.receiver.ConnectPipe(c.Request.Context(), req); err != nil {
		h.fail(c, "/pipe/connect", err)
		return
	}
	c.JSON(http.StatusOK, domain.SuccessResponse{Success: true})
}

func (h *PipeHandler) PipeProducer(c *gin.Context) {
	var req domain.PipeProducerRequest
	if !h.bind(c, &req) {
		return
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateNonEmptyString(string(req.ProducerID), "producerId"); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if _, err := h.receiver.PipeProducer(c.Request.Context(), req); err != nil {
		h.fail(c, "/pipe/pipe-producer", err)
		return
	}
	c.JSON(http.StatusOK, domain.SuccessResponse{Success: true})
}

func (h *PipeHandler) CloseRoom(c *gin.Context) {
	var req domain.CloseRoomRequest
	if !h.bind(c, &req) {
		return
	}
	if err := validation.ValidateRoomID(string(req.RoomID)); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.receiver.CloseRoom(c.Request.Context(), req); err != nil {
		h.fail(c, "/pipe/close", err)
		return
	}
	c.JSON(http.StatusOK, domain.SuccessResponse{Success: true})
}
